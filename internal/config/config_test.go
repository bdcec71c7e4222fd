package config

import (
	"strings"
	"testing"
)

func validSettings(t *testing.T) Settings {
	t.Helper()
	return Settings{
		SessionSecret:         strings.Repeat("x1", 16) + "abcd",
		CredentialsDir:        t.TempDir(),
		SessionTimeoutMinutes: 60,
		WarningLeadMinutes:    5,
		HardKillGraceMinutes:  5,
		MaxQueueSize:          10,
		KVURL:                 "redis://localhost:6379/0",
	}
}

func TestValidateAcceptsGoodSettings(t *testing.T) {
	s := validSettings(t)
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsWeakSecrets(t *testing.T) {
	tests := []struct {
		name   string
		secret string
	}{
		{"empty", ""},
		{"short", "abc123"},
		{"known literal", "changeme"},
		{"known literal padded case", "CHANGEME"},
		{"repeated byte", strings.Repeat("a", 64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSettings(t)
			s.SessionSecret = tt.secret
			if err := s.Validate(); err == nil {
				t.Errorf("Validate() accepted weak secret %q", tt.secret)
			}
		})
	}
}

func TestValidateDevModePermitsWeakSecret(t *testing.T) {
	s := validSettings(t)
	s.SessionSecret = "changeme"
	s.DevMode = true
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate() with DevMode = %v, want nil", err)
	}
}

func TestValidateRejectsWarningLongerThanSession(t *testing.T) {
	s := validSettings(t)
	s.SessionTimeoutMinutes = 5
	s.WarningLeadMinutes = 5
	if err := s.Validate(); err == nil {
		t.Error("Validate() accepted warning lead equal to session timeout")
	}
}

func TestValidateCreatesCredentialsDir(t *testing.T) {
	s := validSettings(t)
	s.CredentialsDir = t.TempDir() + "/nested/creds"
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestDurationHelpers(t *testing.T) {
	s := validSettings(t)
	s.DisconnectGraceMS = 10000
	if got := s.SessionTimeout().Minutes(); got != 60 {
		t.Errorf("SessionTimeout() = %v minutes, want 60", got)
	}
	if got := s.DisconnectGrace().Seconds(); got != 10 {
		t.Errorf("DisconnectGrace() = %v seconds, want 10", got)
	}
}
