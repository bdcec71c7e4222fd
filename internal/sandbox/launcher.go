// Package sandbox spawns and reaps the per-session sandbox. The terminal
// multiplexer runs inside a container launched as a child process of the
// broker, so the sandbox can never outlive its session by more than the
// hard-kill grace. The Docker API client is used only out-of-band: image
// pre-pull, health, and force-removal of strays.
package sandbox

import (
	"fmt"
	"log"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/tryloop/demobroker/internal/config"
	"github.com/tryloop/demobroker/internal/logutil"
)

// sessionLabel marks every sandbox container with its owning session so
// strays can be found after a crash.
const sessionLabel = "demobroker.session"

// ContainerName returns the deterministic container name for a session,
// used both at launch and when reaping strays.
func ContainerName(sessionID string) string {
	return "demo-sandbox-" + sessionID
}

// LaunchParams carries the per-session pieces of a launch. Credentials
// travel only as a file path; they never appear in argv.
type LaunchParams struct {
	SessionID             string
	CredentialFile        string
	SessionTimeoutMinutes int
	Debug                 bool
}

type Launcher struct {
	tpl config.SandboxTemplate
}

func NewLauncher(tpl config.SandboxTemplate) *Launcher {
	return &Launcher{tpl: tpl}
}

// Launch spawns `docker run` for the session and returns a handle to the
// child. The container gets a read-only rootfs, a small writable tmpfs,
// bounded memory/CPU/PIDs, and no capabilities.
func (l *Launcher) Launch(p LaunchParams) (*Proc, error) {
	args := buildRunArgs(l.tpl, p)
	log.Printf("[sandbox] launching %s image=%s", ContainerName(p.SessionID), l.tpl.Image)
	return startProc(dockerBin, args)
}

// dockerBin is a var so tests can substitute a harmless binary.
var dockerBin = "docker"

// buildRunArgs renders the docker run argv for a session.
func buildRunArgs(tpl config.SandboxTemplate, p LaunchParams) []string {
	args := []string{
		"run",
		"--rm",
		"--name", ContainerName(p.SessionID),
		"--label", sessionLabel + "=" + p.SessionID,
		"--env-file", p.CredentialFile,
		"--read-only",
		"--tmpfs", "/workspace:rw,size=" + tpl.TmpfsSize,
		"--memory", tpl.Memory,
		"--cpus", fmt.Sprintf("%g", tpl.CPUs),
		"--pids-limit", fmt.Sprintf("%d", tpl.PidsLimit),
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--network", tpl.Network,
		"-p", fmt.Sprintf("127.0.0.1:%d:%d", tpl.TerminalPort, tpl.TerminalPort),
	}

	for _, m := range tpl.ReadOnlyMounts {
		args = append(args, "-v", m.Host+":"+m.Container+":ro")
	}

	args = append(args,
		"-e", fmt.Sprintf("SESSION_TIMEOUT_MINUTES=%d", p.SessionTimeoutMinutes),
		"-e", "DEMO_SESSION_ID="+p.SessionID,
	)
	if p.Debug {
		args = append(args, "-e", "DEMO_DEBUG=true")
	}

	// Template env in sorted order so argv is reproducible.
	keys := make([]string, 0, len(tpl.Env))
	for k := range tpl.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+tpl.Env[k])
	}

	args = append(args, tpl.Image)
	args = append(args, tpl.Command...)
	return args
}

// Proc is a handle to the spawned child. Done closes once the child has
// been reaped; ExitErr is valid after that.
type Proc struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func startProc(name string, args []string) (*Proc, error) {
	cmd := exec.Command(name, args...)
	cmd.Stdout = &lineLogger{prefix: "[sandbox] out"}
	cmd.Stderr = &lineLogger{prefix: "[sandbox] err"}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn sandbox: %w", err)
	}

	p := &Proc{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

// Done is closed when the child exits (for any reason).
func (p *Proc) Done() <-chan struct{} {
	return p.done
}

// ExitErr returns the child's exit error. Only meaningful after Done.
func (p *Proc) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Alive reports whether the child has not yet been reaped.
func (p *Proc) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Terminate sends SIGTERM; docker run forwards it into the container.
func (p *Proc) Terminate() error {
	if !p.Alive() {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

// Kill force-kills the child. The container itself is reaped separately.
func (p *Proc) Kill() error {
	if !p.Alive() {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *Proc) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// lineLogger forwards child output to the process log line by line.
type lineLogger struct {
	prefix string
	buf    strings.Builder
}

func (w *lineLogger) Write(b []byte) (int, error) {
	w.buf.Write(b)
	for {
		s := w.buf.String()
		i := strings.IndexByte(s, '\n')
		if i < 0 {
			break
		}
		line := s[:i]
		w.buf.Reset()
		w.buf.WriteString(s[i+1:])
		if line != "" {
			log.Printf("%s: %s", w.prefix, logutil.SanitizeForLog(line))
		}
	}
	return len(b), nil
}
