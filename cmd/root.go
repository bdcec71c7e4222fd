// Package cmd wires the demobroker binary: the bare command runs the
// broker daemon, subcommands provide the operator CLI for invites and
// session history.
package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tryloop/demobroker/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "demobroker",
	Short: "Single-concurrency demo session broker",
	Long: `demobroker gates browser clients through a first-come-first-served
waitlist, grants one of them an exclusive time-boxed terminal session in
a sandbox container, and reclaims everything when the session ends.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Optional .env for dev setups; absence is not an error.
		_ = godotenv.Load()
		config.Load()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
