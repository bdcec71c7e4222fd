package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSandboxTemplateDefaults(t *testing.T) {
	tpl, err := LoadSandboxTemplate("")
	if err != nil {
		t.Fatalf("LoadSandboxTemplate(\"\") = %v", err)
	}
	if tpl.Image == "" || len(tpl.Command) == 0 {
		t.Error("default template missing image or command")
	}
	if tpl.Memory != "2g" || tpl.PidsLimit != 256 {
		t.Errorf("unexpected default limits: memory=%s pids=%d", tpl.Memory, tpl.PidsLimit)
	}
}

func TestLoadSandboxTemplateOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandbox.yaml")
	doc := `
image: example/custom:v3
memory: 4g
env:
  DEMO_BANNER: "welcome"
readonly_mounts:
  - host: /srv/seed
    container: /seed
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	tpl, err := LoadSandboxTemplate(path)
	if err != nil {
		t.Fatalf("LoadSandboxTemplate() = %v", err)
	}
	if tpl.Image != "example/custom:v3" {
		t.Errorf("image = %q, want example/custom:v3", tpl.Image)
	}
	if tpl.Memory != "4g" {
		t.Errorf("memory = %q, want 4g", tpl.Memory)
	}
	// Omitted fields keep defaults
	if tpl.PidsLimit != 256 {
		t.Errorf("pids_limit = %d, want default 256", tpl.PidsLimit)
	}
	if len(tpl.ReadOnlyMounts) != 1 || tpl.ReadOnlyMounts[0].Container != "/seed" {
		t.Errorf("readonly_mounts = %v", tpl.ReadOnlyMounts)
	}
}

func TestLoadSandboxTemplateRejectsCredentialEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandbox.yaml")
	doc := "env:\n  JIRA_API_TOKEN: oops\n"
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSandboxTemplate(path); err == nil {
		t.Error("template with credential env key was accepted")
	}
}

func TestSandboxTemplateValidateBadSizes(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SandboxTemplate)
	}{
		{"bad memory", func(tpl *SandboxTemplate) { tpl.Memory = "lots" }},
		{"zero cpus", func(tpl *SandboxTemplate) { tpl.CPUs = 0 }},
		{"no image", func(tpl *SandboxTemplate) { tpl.Image = "" }},
		{"bad port", func(tpl *SandboxTemplate) { tpl.TerminalPort = 70000 }},
		{"half mount", func(tpl *SandboxTemplate) { tpl.ReadOnlyMounts = []MountSpec{{Host: "/srv"}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl := DefaultSandboxTemplate()
			tt.mutate(&tpl)
			if err := tpl.Validate(); err == nil {
				t.Error("Validate() accepted invalid template")
			}
		})
	}
}
