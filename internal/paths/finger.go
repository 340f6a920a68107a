// Package paths resolves the daemon's on-disk layout under the finger home.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvHome overrides the home directory location. Used by tests and
// sandboxed deployments.
const EnvHome = "FINGER_HOME"

// Home returns the finger home directory, ~/.finger by default.
func Home() (string, error) {
	if dir := os.Getenv(EnvHome); dir != "" {
		return filepath.Clean(dir), nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving user home: %w", err)
	}
	return filepath.Join(userHome, ".finger"), nil
}

// EnsureHome creates the home directory tree if missing and returns it.
func EnsureHome() (string, error) {
	home, err := Home()
	if err != nil {
		return "", err
	}
	for _, dir := range []string{
		home,
		LogsDir(home),
		SessionsDir(home),
		WorkflowsDir(home),
		SessionStatesDir(home),
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return home, nil
}

// PIDFile is the daemon's pid file.
func PIDFile(home string) string { return filepath.Join(home, "daemon.pid") }

// DaemonLog is the human-readable daemon log.
func DaemonLog(home string) string { return filepath.Join(home, "daemon.log") }

// LogsDir holds rotated JSONL log files.
func LogsDir(home string) string { return filepath.Join(home, "logs") }

// SnapshotFile is the registry snapshot written by the snapshot manager.
func SnapshotFile(home string) string { return filepath.Join(home, "snapshot.json") }

// SessionsDir is the root of per-project session storage.
func SessionsDir(home string) string { return filepath.Join(home, "session") }

// WorkflowsDir holds per-workflow state files.
func WorkflowsDir(home string) string { return filepath.Join(home, "workflows") }

// SessionStatesDir holds orchestration checkpoint files.
func SessionStatesDir(home string) string { return filepath.Join(home, "session-states") }

// IndexDB is the sqlite database holding the event archive and mailbox.
func IndexDB(home string) string { return filepath.Join(home, "index.db") }

// ConfigFile is the daemon configuration file inside the home directory.
func ConfigFile(home string) string { return filepath.Join(home, "config.yaml") }

// SessionDir returns the directory for one session of one project.
func SessionDir(home, projectPath, sessionID string) string {
	return filepath.Join(SessionsDir(home), EncodeProjectDir(projectPath), sessionID)
}

// WorkflowFile returns the state file for a workflow id.
func WorkflowFile(home, workflowID string) string {
	return filepath.Join(WorkflowsDir(home), workflowID+".json")
}

// CheckpointFile returns the checkpoint file for a session and checkpoint id.
func CheckpointFile(home, sessionID, checkpointID string) string {
	return filepath.Join(SessionStatesDir(home), sessionID+"-"+checkpointID+".json")
}

// reservedChars cannot appear in a directory segment on at least one
// supported platform.
const reservedChars = `/\:*?"<>|`

// EncodeProjectDir flattens an absolute project path into a single
// directory segment. Separators are canonicalized to forward slashes
// first so the same project encodes identically on every platform, then
// every reserved character becomes '_'.
func EncodeProjectDir(projectPath string) string {
	p := strings.ReplaceAll(projectPath, `\`, "/")
	p = strings.TrimSuffix(p, "/")
	var b strings.Builder
	b.Grow(len(p))
	for _, r := range p {
		if strings.ContainsRune(reservedChars, r) || r < 0x20 {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	encoded := b.String()
	if encoded == "" {
		return "_"
	}
	return encoded
}
