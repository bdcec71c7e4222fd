package config

import (
	"fmt"
	"os"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// SandboxTemplate describes how the per-session sandbox container is
// launched. A YAML file referenced by SANDBOX_CONFIG overrides the
// defaults field by field; omitted fields keep their default.
type SandboxTemplate struct {
	Image        string   `yaml:"image"`
	Command      []string `yaml:"command"`
	Network      string   `yaml:"network"`
	TerminalPort int      `yaml:"terminal_port"`

	// Resource caps. Memory and TmpfsSize accept human-readable sizes
	// ("2g", "512m").
	Memory    string  `yaml:"memory"`
	CPUs      float64 `yaml:"cpus"`
	PidsLimit int     `yaml:"pids_limit"`
	TmpfsSize string  `yaml:"tmpfs_size"`

	// ReadOnlyMounts are host paths bind-mounted read-only into the
	// sandbox (seed data, tool configs).
	ReadOnlyMounts []MountSpec `yaml:"readonly_mounts"`

	// Env is extra non-sensitive environment for the sandbox. Credential
	// keys are rejected here; credentials travel only via the session
	// credential file.
	Env map[string]string `yaml:"env"`
}

type MountSpec struct {
	Host      string `yaml:"host"`
	Container string `yaml:"container"`
}

// credentialEnvKeys must never appear in the sandbox template environment.
var credentialEnvKeys = map[string]bool{
	"JIRA_API_TOKEN":    true,
	"JIRA_EMAIL":        true,
	"JIRA_URL":          true,
	"AGENT_OAUTH_TOKEN": true,
}

func DefaultSandboxTemplate() SandboxTemplate {
	return SandboxTemplate{
		Image:        "tryloop/demo-sandbox:latest",
		Command:      []string{"ttyd", "--writable", "--port", "7681", "tmux", "new", "-A", "-s", "demo"},
		Network:      "bridge",
		TerminalPort: 7681,
		Memory:       "2g",
		CPUs:         2,
		PidsLimit:    256,
		TmpfsSize:    "512m",
	}
}

// LoadSandboxTemplate returns the default template overridden by the YAML
// file at path. An empty path returns the defaults unchanged.
func LoadSandboxTemplate(path string) (SandboxTemplate, error) {
	tpl := DefaultSandboxTemplate()
	if path == "" {
		return tpl, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return tpl, fmt.Errorf("read sandbox config: %w", err)
	}
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return tpl, fmt.Errorf("parse sandbox config %s: %w", path, err)
	}
	if err := tpl.Validate(); err != nil {
		return tpl, fmt.Errorf("sandbox config %s: %w", path, err)
	}
	return tpl, nil
}

func (t *SandboxTemplate) Validate() error {
	if t.Image == "" {
		return fmt.Errorf("image must be set")
	}
	if len(t.Command) == 0 {
		return fmt.Errorf("command must be set")
	}
	if t.TerminalPort <= 0 || t.TerminalPort > 65535 {
		return fmt.Errorf("terminal_port %d out of range", t.TerminalPort)
	}
	if _, err := units.RAMInBytes(t.Memory); err != nil {
		return fmt.Errorf("memory %q: %w", t.Memory, err)
	}
	if _, err := units.RAMInBytes(t.TmpfsSize); err != nil {
		return fmt.Errorf("tmpfs_size %q: %w", t.TmpfsSize, err)
	}
	if t.CPUs <= 0 {
		return fmt.Errorf("cpus must be positive, got %v", t.CPUs)
	}
	if t.PidsLimit <= 0 {
		return fmt.Errorf("pids_limit must be positive, got %d", t.PidsLimit)
	}
	for key := range t.Env {
		if credentialEnvKeys[key] {
			return fmt.Errorf("env key %s is a credential and cannot be set via the template", key)
		}
	}
	for _, m := range t.ReadOnlyMounts {
		if m.Host == "" || m.Container == "" {
			return fmt.Errorf("readonly mount needs both host and container paths")
		}
	}
	return nil
}
