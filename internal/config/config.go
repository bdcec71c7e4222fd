package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8200"`
	PublicURL   string `envconfig:"PUBLIC_URL" default:"http://localhost:8200"`
	TerminalURL string `envconfig:"TERMINAL_URL" default:"http://localhost:7681"`

	// Session lifecycle
	SessionTimeoutMinutes int `envconfig:"SESSION_TIMEOUT_MINUTES" default:"60"`
	WarningLeadMinutes    int `envconfig:"WARNING_LEAD_MINUTES" default:"5"`
	HardKillGraceMinutes  int `envconfig:"HARD_KILL_GRACE_MINUTES" default:"5"`
	DisconnectGraceMS     int `envconfig:"DISCONNECT_GRACE_MS" default:"10000"`

	// Queue
	MaxQueueSize      int `envconfig:"MAX_QUEUE_SIZE" default:"10"`
	AvgSessionMinutes int `envconfig:"AVG_SESSION_MINUTES" default:"45"`

	// Invites
	RequireInvite      bool `envconfig:"REQUIRE_INVITE" default:"true"`
	AuditRetentionDays int  `envconfig:"AUDIT_RETENTION_DAYS" default:"30"`

	// Secrets and storage
	SessionSecret  string `envconfig:"SESSION_SECRET"`
	CredentialsDir string `envconfig:"CREDENTIALS_DIR" default:"/var/lib/demobroker/creds"`
	KVURL          string `envconfig:"KV_URL" default:"redis://localhost:6379/0"`
	LedgerPath     string `envconfig:"LEDGER_PATH" default:"/var/lib/demobroker/demobroker.db"`
	LogPath        string `envconfig:"LOG_PATH" default:"/var/lib/demobroker/demobroker.log"`

	// Rate limits
	ConnLimitPerWindow         int `envconfig:"CONN_LIMIT_PER_MIN" default:"30"`
	ConnWindowSeconds          int `envconfig:"CONN_WINDOW_SECONDS" default:"60"`
	InviteFailureLimit         int `envconfig:"INVITE_FAILURE_LIMIT" default:"10"`
	InviteFailureWindowMinutes int `envconfig:"INVITE_FAILURE_WINDOW_MINUTES" default:"60"`
	CookieLimitPerWindow       int `envconfig:"COOKIE_LIMIT_PER_MIN" default:"10"`
	CookieWindowSeconds        int `envconfig:"COOKIE_WINDOW_SECONDS" default:"60"`

	CookieSecure bool `envconfig:"COOKIE_SECURE" default:"false"`

	// Sandbox
	SandboxConfig string `envconfig:"SANDBOX_CONFIG" default:""`
	ResetHook     string `envconfig:"RESET_HOOK" default:""`

	// Credentials handed to the sandbox. Written to the per-session
	// credential file, never to argv or the container environment.
	JiraURL         string `envconfig:"JIRA_URL" default:""`
	JiraEmail       string `envconfig:"JIRA_EMAIL" default:""`
	JiraAPIToken    string `envconfig:"JIRA_API_TOKEN" default:""`
	AgentOAuthToken string `envconfig:"AGENT_OAUTH_TOKEN" default:""`

	DevMode bool `envconfig:"DEV_MODE" default:"false"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("DEMOBROKER", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

func (s *Settings) SessionTimeout() time.Duration {
	return time.Duration(s.SessionTimeoutMinutes) * time.Minute
}

func (s *Settings) WarningLead() time.Duration {
	return time.Duration(s.WarningLeadMinutes) * time.Minute
}

func (s *Settings) HardKillGrace() time.Duration {
	return time.Duration(s.HardKillGraceMinutes) * time.Minute
}

func (s *Settings) DisconnectGrace() time.Duration {
	return time.Duration(s.DisconnectGraceMS) * time.Millisecond
}

// weakSecrets are literals that must never be accepted as a session secret
// outside dev mode, regardless of length.
var weakSecrets = map[string]bool{
	"changeme":    true,
	"change-me":   true,
	"secret":      true,
	"password":    true,
	"demo-secret": true,
	"test":        true,
}

// Validate enforces the startup invariants that must kill the process
// rather than let it run weakened: a real session secret and a usable
// credentials directory. Returns the first violation found.
func (s *Settings) Validate() error {
	if err := s.validateSecret(); err != nil {
		return err
	}
	if err := s.validateCredentialsDir(); err != nil {
		return err
	}
	if s.SessionTimeoutMinutes <= 0 {
		return fmt.Errorf("session timeout must be positive, got %d", s.SessionTimeoutMinutes)
	}
	if s.WarningLeadMinutes >= s.SessionTimeoutMinutes {
		return fmt.Errorf("warning lead (%dm) must be shorter than the session timeout (%dm)",
			s.WarningLeadMinutes, s.SessionTimeoutMinutes)
	}
	if s.MaxQueueSize <= 0 {
		return fmt.Errorf("max queue size must be positive, got %d", s.MaxQueueSize)
	}
	if s.KVURL == "" {
		return fmt.Errorf("KV_URL must be set")
	}
	return nil
}

func (s *Settings) validateSecret() error {
	secret := s.SessionSecret
	weak := ""
	switch {
	case len(secret) == 0:
		weak = "empty"
	case weakSecrets[strings.ToLower(secret)]:
		weak = "known weak literal"
	case len(secret) < 32:
		weak = fmt.Sprintf("too short (%d bytes, need 32)", len(secret))
	case strings.Count(secret, secret[:1]) == len(secret):
		weak = "single repeated byte"
	}
	if weak == "" {
		return nil
	}
	if s.DevMode {
		log.Printf("WARNING: session secret is %s; permitted only because DEV_MODE=true", weak)
		return nil
	}
	return fmt.Errorf("session secret is %s; set DEMOBROKER_SESSION_SECRET to at least 32 random bytes", weak)
}

func (s *Settings) validateCredentialsDir() error {
	dir := s.CredentialsDir
	if dir == "" {
		return fmt.Errorf("credentials directory must be set")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create credentials directory %s: %w", dir, err)
	}
	probe := filepath.Join(dir, ".probe")
	if err := os.WriteFile(probe, nil, 0600); err != nil {
		return fmt.Errorf("credentials directory %s is not writable: %w", dir, err)
	}
	os.Remove(probe)
	return nil
}
