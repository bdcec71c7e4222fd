package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// ResetParams is the environment handed to the data-reset hook. Only the
// identity needed to clean the demo site; model-provider credentials are
// deliberately absent.
type ResetParams struct {
	SessionID string
	JiraURL   string
	JiraEmail string
}

// RunReset invokes the external data-reset script for a finished
// session and returns its exit code. A missing script path disables the
// hook at the call site, not here.
func RunReset(ctx context.Context, script string, p ResetParams) (int, error) {
	cmd := exec.CommandContext(ctx, script)
	cmd.Env = append(os.Environ(),
		"DEMO_SESSION_ID="+p.SessionID,
		"JIRA_URL="+p.JiraURL,
		"JIRA_EMAIL="+p.JiraEmail,
	)
	cmd.Stdout = &lineLogger{prefix: "[reset] out"}
	cmd.Stderr = &lineLogger{prefix: "[reset] err"}

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), fmt.Errorf("reset script exited %d", exitErr.ExitCode())
	}
	return -1, fmt.Errorf("run reset script: %w", err)
}
