package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fingerhq/finger/internal/paths"
	"github.com/fingerhq/finger/internal/supervisor"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running daemon",
	Long: `Stop the daemon by sending SIGTERM to the process named in
~/.finger/daemon.pid. The daemon checkpoints running Epics and removes
the pid file on its way out.`,
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(_ *cobra.Command, _ []string) error {
	home, err := paths.Home()
	if err != nil {
		return fmt.Errorf("resolving finger home: %w", err)
	}
	pidPath := paths.PIDFile(home)

	data, err := os.ReadFile(pidPath) //nolint:gosec // G304: path derives from the finger home dir
	if os.IsNotExist(err) {
		return fmt.Errorf("no pid file at %s; is the daemon running?", pidPath)
	}
	if err != nil {
		return fmt.Errorf("reading pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("pid file %s is corrupt: %w", pidPath, err)
	}

	if !supervisor.ProcessAlive(pid) {
		_ = os.Remove(pidPath)
		return fmt.Errorf("daemon (pid %d) is not running; removed stale pid file", pid)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding daemon process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signaling daemon %d: %w", pid, err)
	}

	fmt.Printf("Sent SIGTERM to daemon (pid %d)\n", pid)
	return nil
}
