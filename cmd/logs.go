package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tryloop/demobroker/internal/logging"
)

var logsLines int

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show the tail of the broker log file",
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := logging.ReadTail(logsLines)
		if err != nil {
			return err
		}
		if content == "" {
			fmt.Println("No log output (is LOG_PATH set?).")
			return nil
		}
		fmt.Println(content)
		return nil
	},
}

func init() {
	logsCmd.Flags().IntVar(&logsLines, "lines", 100, "lines to show")
	rootCmd.AddCommand(logsCmd)
}
