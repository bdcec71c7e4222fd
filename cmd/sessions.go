package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tryloop/demobroker/internal/config"
	"github.com/tryloop/demobroker/internal/ledger"
)

var (
	sessionsLimit  int
	sessionsReason string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recent sessions from the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := ledger.Open(config.Cfg.LedgerPath)
		if err != nil {
			return err
		}
		led := ledger.New(db, config.Cfg.AuditRetentionDays)

		res, err := led.Recent(ledger.QueryOptions{
			Reason: sessionsReason,
			Limit:  sessionsLimit,
		})
		if err != nil {
			return err
		}
		if len(res.Entries) == 0 {
			fmt.Println("No sessions recorded.")
			return nil
		}

		fmt.Printf("%-36s %-20s %-14s %-9s %-6s %s\n",
			"SESSION", "STARTED", "END REASON", "WAIT", "RESET", "ERRORS")
		for _, row := range res.Entries {
			reason := row.EndReason
			if reason == "" {
				reason = "(running)"
			}
			reset := "-"
			if row.ResetExitCode != nil {
				reset = fmt.Sprintf("%d", *row.ResetExitCode)
			}
			errs := ""
			if row.Errors != "" {
				errs = "yes"
			}
			if row.ResetError != "" {
				errs = "reset failed"
			}
			fmt.Printf("%-36s %-20s %-14s %-9s %-6s %s\n",
				row.SessionID,
				row.StartedAt.Format("2006-01-02 15:04:05"),
				reason,
				(time.Duration(row.QueueWaitMS) * time.Millisecond).String(),
				reset,
				errs)
		}
		fmt.Printf("\n%d of %d session(s)\n", len(res.Entries), res.Total)
		return nil
	},
}

func init() {
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "rows to show")
	sessionsCmd.Flags().StringVar(&sessionsReason, "reason", "", "filter by end reason")
	rootCmd.AddCommand(sessionsCmd)
}
