package sandbox

import (
	"strings"
	"testing"
	"time"

	"github.com/tryloop/demobroker/internal/config"
)

func testParams() LaunchParams {
	return LaunchParams{
		SessionID:             "11111111-2222-3333-4444-555555555555",
		CredentialFile:        "/var/lib/demobroker/creds/11111111-2222-3333-4444-555555555555.env",
		SessionTimeoutMinutes: 60,
	}
}

func TestBuildRunArgsConfinement(t *testing.T) {
	tpl := config.DefaultSandboxTemplate()
	args := strings.Join(buildRunArgs(tpl, testParams()), " ")

	for _, want := range []string{
		"--name demo-sandbox-11111111-2222-3333-4444-555555555555",
		"--label demobroker.session=11111111-2222-3333-4444-555555555555",
		"--read-only",
		"--tmpfs /workspace:rw,size=512m",
		"--memory 2g",
		"--cpus 2",
		"--pids-limit 256",
		"--cap-drop ALL",
		"--security-opt no-new-privileges",
		"-p 127.0.0.1:7681:7681",
		"-e SESSION_TIMEOUT_MINUTES=60",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("argv missing %q\nargv: %s", want, args)
		}
	}
	if !strings.HasSuffix(args, strings.Join(append([]string{tpl.Image}, tpl.Command...), " ")) {
		t.Errorf("argv must end with image and command: %s", args)
	}
}

func TestBuildRunArgsCredentialsOnlyByPath(t *testing.T) {
	tpl := config.DefaultSandboxTemplate()
	p := testParams()
	argv := buildRunArgs(tpl, p)

	joined := strings.Join(argv, " ")
	if !strings.Contains(joined, "--env-file "+p.CredentialFile) {
		t.Error("argv missing --env-file with the credential path")
	}
	// No argument may carry a credential value; only the file path
	// appears.
	for _, a := range argv {
		if strings.Contains(a, "TOKEN=") || strings.Contains(a, "JIRA_") {
			t.Errorf("argv leaks credential-shaped argument: %q", a)
		}
	}
}

func TestBuildRunArgsTemplateExtras(t *testing.T) {
	tpl := config.DefaultSandboxTemplate()
	tpl.Env = map[string]string{"DEMO_BANNER": "hi", "ANOTHER": "x"}
	tpl.ReadOnlyMounts = []config.MountSpec{{Host: "/srv/seed", Container: "/seed"}}

	p := testParams()
	p.Debug = true
	args := strings.Join(buildRunArgs(tpl, p), " ")

	if !strings.Contains(args, "-v /srv/seed:/seed:ro") {
		t.Error("argv missing read-only mount")
	}
	if !strings.Contains(args, "-e DEMO_DEBUG=true") {
		t.Error("argv missing debug env")
	}
	// Sorted template env: ANOTHER before DEMO_BANNER.
	if strings.Index(args, "ANOTHER=x") > strings.Index(args, "DEMO_BANNER=hi") {
		t.Error("template env not sorted")
	}
}

func TestProcLifecycle(t *testing.T) {
	p, err := startProc("sleep", []string{"30"})
	if err != nil {
		t.Fatalf("startProc() = %v", err)
	}
	if !p.Alive() || p.PID() == 0 {
		t.Fatal("child not running after start")
	}

	if err := p.Terminate(); err != nil {
		t.Fatalf("Terminate() = %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit after SIGTERM")
	}
	if p.Alive() {
		t.Error("Alive() = true after Done")
	}
	if p.ExitErr() == nil {
		t.Error("ExitErr() = nil for a signalled child")
	}

	// Signalling a dead child is a no-op.
	if err := p.Terminate(); err != nil {
		t.Errorf("Terminate() after exit = %v", err)
	}
	if err := p.Kill(); err != nil {
		t.Errorf("Kill() after exit = %v", err)
	}
}

func TestProcExitOnItsOwn(t *testing.T) {
	p, err := startProc("true", nil)
	if err != nil {
		t.Fatalf("startProc() = %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}
	if p.ExitErr() != nil {
		t.Errorf("ExitErr() = %v for a clean exit", p.ExitErr())
	}
}
