package gateway

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// ChildStatus tracks where a gateway child is in its lifecycle.
type ChildStatus int32

const (
	// StatusPending means the child has not been started yet.
	StatusPending ChildStatus = iota
	// StatusRunning means the child is live and accepting envelopes.
	StatusRunning
	// StatusExited means the child terminated on its own.
	StatusExited
	// StatusFailed means the child terminated with an error.
	StatusFailed
	// StatusStopped means the daemon terminated the child.
	StatusStopped
)

// String returns a human-readable status name.
func (s ChildStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusExited:
		return "exited"
	case StatusFailed:
		return "failed"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the child will produce no further output.
func (s ChildStatus) IsTerminal() bool {
	return s == StatusExited || s == StatusFailed || s == StatusStopped
}

const (
	// scanBufSize is the initial scanner buffer for child output.
	scanBufSize = 64 * 1024
	// scanBufMax caps a single envelope line from the child.
	scanBufMax = 1024 * 1024
	// stopGrace is how long Stop waits after SIGTERM before killing.
	stopGrace = 5 * time.Second
)

// childProc wraps one spawned gateway process. It owns the stdio pipes
// and serializes stdin writes; envelope routing lives in the session.
type childProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	writeMu sync.Mutex
	status  atomic.Int32

	// done is closed once Wait has returned and exitErr is set.
	done    chan struct{}
	exitErr error
}

// spawnChild launches the manifest's command with its pipes wired up.
// The caller starts the read loops and must eventually call wait.
func spawnChild(ctx context.Context, m *Manifest, extraEnv map[string]string) (*childProc, error) {
	if m.Command == "" {
		return nil, fmt.Errorf("gateway %s has no command", m.ID)
	}

	cmd := exec.CommandContext(ctx, m.Command, m.Args...)
	cmd.Dir = m.WorkDir
	cmd.Env = os.Environ()
	for k, v := range m.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	for k, v := range extraEnv {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting gateway command %s: %w", m.Command, err)
	}

	p := &childProc{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	p.status.Store(int32(StatusRunning))
	return p, nil
}

// Status returns the current lifecycle status.
func (p *childProc) Status() ChildStatus {
	return ChildStatus(p.status.Load())
}

// Alive reports whether the child can still take envelopes.
func (p *childProc) Alive() bool {
	return p.Status() == StatusRunning
}

// PID returns the operating system pid, 0 before Start.
func (p *childProc) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *childProc) stdoutReader() io.Reader { return p.stdout }
func (p *childProc) stderrReader() io.Reader { return p.stderr }

// writeLine sends one encoded envelope followed by a newline. Only one
// writer touches stdin at a time.
func (p *childProc) writeLine(b []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if !p.Alive() {
		return fmt.Errorf("gateway process is %s", p.Status())
	}
	if _, err := p.stdin.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("writing to gateway stdin: %w", err)
	}
	return nil
}

// scanLines reads r line by line and hands each non-empty line to fn.
// It returns when the pipe closes.
func scanLines(r io.Reader, fn func(line []byte)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scanBufSize), scanBufMax)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// Scanner reuses its buffer between calls.
		cp := make([]byte, len(line))
		copy(cp, line)
		fn(cp)
	}
}

// wait blocks until the child exits and records the outcome. A status
// set by Stop beforehand is preserved.
func (p *childProc) wait() error {
	err := p.cmd.Wait()
	p.exitErr = err
	if p.Status() == StatusRunning {
		if err != nil {
			p.status.Store(int32(StatusFailed))
		} else {
			p.status.Store(int32(StatusExited))
		}
	}
	close(p.done)
	return err
}

// stop asks the child to terminate, escalating to a kill after the
// grace period. It returns once the wait goroutine has finished.
func (p *childProc) stop() {
	if p.Status().IsTerminal() {
		return
	}
	p.status.Store(int32(StatusStopped))
	p.writeMu.Lock()
	_ = p.stdin.Close()
	p.writeMu.Unlock()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(os.Interrupt)
	}

	select {
	case <-p.done:
	case <-time.After(stopGrace):
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		<-p.done
	}
}
