package cmd

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"regexp"
	"strconv"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/tryloop/demobroker/internal/config"
	"github.com/tryloop/demobroker/internal/invite"
	"github.com/tryloop/demobroker/internal/kv"
	"github.com/tryloop/demobroker/internal/ratelimit"
)

var (
	inviteExpires string
	inviteMaxUses int
	inviteLabel   string
	inviteToken   string
	inviteQR      bool
	inviteStatus  string
)

var inviteCmd = &cobra.Command{
	Use:   "invite",
	Short: "Manage invite tokens",
}

var inviteGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Create a new invite token",
	RunE: func(cmd *cobra.Command, args []string) error {
		expiresIn, err := parseExpiry(inviteExpires)
		if err != nil {
			return err
		}

		store, invites, err := openInvites(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		rec, err := invites.Generate(cmd.Context(), invite.GenerateParams{
			ExpiresIn: expiresIn,
			MaxUses:   inviteMaxUses,
			Label:     inviteLabel,
			Token:     inviteToken,
			CreatedBy: operatorName(),
		})
		if err != nil {
			return err
		}

		url := fmt.Sprintf("%s/?invite=%s", config.Cfg.PublicURL, rec.Token)
		fmt.Printf("Token:    %s\n", rec.Token)
		fmt.Printf("Expires:  %s\n", rec.ExpiresAt.Format(time.RFC3339))
		fmt.Printf("Max uses: %d\n", rec.MaxUses)
		if rec.Label != "" {
			fmt.Printf("Label:    %s\n", rec.Label)
		}
		fmt.Printf("URL:      %s\n", url)

		if inviteQR {
			qr, err := qrcode.New(url, qrcode.Medium)
			if err != nil {
				return fmt.Errorf("render QR code: %w", err)
			}
			fmt.Println(qr.ToSmallString(false))
		}
		return nil
	},
}

var inviteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List invites",
	RunE: func(cmd *cobra.Command, args []string) error {
		if inviteStatus != "" {
			switch invite.Status(inviteStatus) {
			case invite.StatusPending, invite.StatusUsed, invite.StatusExpired, invite.StatusRevoked:
			default:
				return fmt.Errorf("unknown status %q (pending|used|expired|revoked)", inviteStatus)
			}
		}

		store, invites, err := openInvites(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := invites.List(cmd.Context(), invite.Status(inviteStatus))
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No invites found.")
			return nil
		}

		fmt.Printf("%-36s %-8s %-7s %-22s %s\n", "TOKEN", "STATUS", "USES", "EXPIRES", "LABEL")
		for _, rec := range records {
			fmt.Printf("%-36s %-8s %d/%-5d %-22s %s\n",
				rec.Token, rec.Status, rec.UseCount, rec.MaxUses,
				rec.ExpiresAt.Format("2006-01-02 15:04 MST"), rec.Label)
		}
		return nil
	},
}

var inviteInfoCmd = &cobra.Command{
	Use:   "info <token>",
	Short: "Show one invite with its audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, invites, err := openInvites(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		rec, err := invites.Info(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Token:     %s\n", rec.Token)
		fmt.Printf("Status:    %s\n", rec.Status)
		fmt.Printf("Uses:      %d/%d\n", rec.UseCount, rec.MaxUses)
		fmt.Printf("Created:   %s by %s\n", rec.CreatedAt.Format(time.RFC3339), rec.CreatedBy)
		fmt.Printf("Expires:   %s\n", rec.ExpiresAt.Format(time.RFC3339))
		if rec.Label != "" {
			fmt.Printf("Label:     %s\n", rec.Label)
		}
		if len(rec.Audit) == 0 {
			fmt.Println("No sessions recorded.")
			return nil
		}
		fmt.Printf("\nSessions (%d):\n", len(rec.Audit))
		for _, u := range rec.Audit {
			fmt.Printf("  %s  %s -> %s  reason=%s  wait=%dms  addr=%s\n",
				u.SessionID, u.StartedAt.Format(time.RFC3339), u.EndedAt.Format(time.RFC3339),
				u.EndReason, u.QueueWaitMS, u.RemoteAddr)
			for _, e := range u.Errors {
				fmt.Printf("    error: %s\n", e)
			}
		}
		return nil
	},
}

var inviteRevokeCmd = &cobra.Command{
	Use:   "revoke <token>",
	Short: "Revoke an invite",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, invites, err := openInvites(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		rec, err := invites.Revoke(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Invite %s revoked (was used %d/%d times).\n", rec.Token, rec.UseCount, rec.MaxUses)
		return nil
	},
}

func init() {
	inviteGenerateCmd.Flags().StringVar(&inviteExpires, "expires", "48h", "lifetime: integer + unit in m/h/d/w")
	inviteGenerateCmd.Flags().IntVar(&inviteMaxUses, "max-uses", 1, "sessions this invite may start")
	inviteGenerateCmd.Flags().StringVar(&inviteLabel, "label", "", "human-visible label")
	inviteGenerateCmd.Flags().StringVar(&inviteToken, "token", "", "vanity token (fails on collision)")
	inviteGenerateCmd.Flags().BoolVar(&inviteQR, "qr", false, "print the invite URL as a QR code")
	inviteListCmd.Flags().StringVar(&inviteStatus, "status", "", "filter: pending|used|expired|revoked")

	inviteCmd.AddCommand(inviteGenerateCmd, inviteListCmd, inviteInfoCmd, inviteRevokeCmd)
	rootCmd.AddCommand(inviteCmd)
}

// expiryRe is the duration grammar for --expires: integer + unit.
var expiryRe = regexp.MustCompile(`^(\d+)([mhdw])$`)

func parseExpiry(s string) (time.Duration, error) {
	m := expiryRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q: want integer + unit in m/h/d/w (e.g. 48h, 7d)", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	unit := map[string]time.Duration{
		"m": time.Minute,
		"h": time.Hour,
		"d": 24 * time.Hour,
		"w": 7 * 24 * time.Hour,
	}[m[2]]
	return time.Duration(n) * unit, nil
}

// openInvites connects the CLI to the same KV store the daemon uses.
// The failure limiter never trips here: operator commands run on the
// broker host, not against the public surface.
func openInvites(ctx context.Context) (kv.Store, *invite.Store, error) {
	cfg := &config.Cfg
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	store, err := kv.Open(openCtx, cfg.KVURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect KV store: %w", err)
	}

	retention := time.Duration(cfg.AuditRetentionDays) * 24 * time.Hour
	failures := ratelimit.New("cli", 1<<30, time.Minute)
	return store, invite.NewStore(store, retention, failures), nil
}

func operatorName() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "operator"
}
