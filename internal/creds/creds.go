// Package creds writes the per-session credential file handed to the
// sandbox. One file per session, mode 0600, created exclusively, removed
// on session end. File contents are never logged; the sandbox receives
// only the path.
package creds

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Set is the credential payload for one session: the issue-tracker
// account the demo works against and the model-provider token.
type Set struct {
	JiraURL         string
	JiraEmail       string
	JiraAPIToken    string
	AgentOAuthToken string
}

// lines renders the key=value body. Key order is fixed so the file is
// reproducible.
func (s Set) lines() string {
	var b strings.Builder
	b.WriteString("JIRA_URL=" + s.JiraURL + "\n")
	b.WriteString("JIRA_EMAIL=" + s.JiraEmail + "\n")
	b.WriteString("JIRA_API_TOKEN=" + s.JiraAPIToken + "\n")
	b.WriteString("AGENT_OAUTH_TOKEN=" + s.AgentOAuthToken + "\n")
	return b.String()
}

// Path returns the credential file location for a session.
func Path(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".env")
}

// WriteFile creates the credential file for a session. Creation is
// exclusive: a leftover file for the same session id is an error, not
// something to overwrite. The returned cleanup unlinks the file and is
// safe to call more than once.
func WriteFile(dir, sessionID string, set Set) (string, func() error, error) {
	path := Path(dir, sessionID)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", nil, fmt.Errorf("create credential file: %w", err)
	}

	if _, err := f.WriteString(set.lines()); err != nil {
		f.Close()
		os.Remove(path)
		return "", nil, fmt.Errorf("write credential file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", nil, fmt.Errorf("close credential file: %w", err)
	}

	cleanup := func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove credential file: %w", err)
		}
		return nil
	}
	return path, cleanup, nil
}

// Purge removes every credential file in the directory and returns how
// many were found. Promotion runs this first: any file present there is
// a leftover from a session that failed to clean up.
func Purge(dir string) (int, error) {
	files, err := Leftovers(dir)
	if err != nil {
		return 0, err
	}
	for _, f := range files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return len(files), fmt.Errorf("remove leftover %s: %w", f, err)
		}
	}
	return len(files), nil
}

// Leftovers lists credential files present in the directory. A non-empty
// result before promotion means a previous session did not clean up.
func Leftovers(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read credentials dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".env") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	return files, nil
}
