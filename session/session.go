// Package session owns the wrapped child process and its pseudo-terminal.
package session

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"codex-loop/log"
)

// ErrNotAlive is returned when writing to a session whose child has exited.
var ErrNotAlive = errors.New("session is not alive")

// Session is one child process running inside a pty. The terminal dimensions
// are fixed at spawn time; the wrapped CLIs lay out their UI for the width
// they see at startup, so there is no runtime resize.
type Session struct {
	program string
	args    []string

	cmd  *exec.Cmd
	ptmx *os.File

	mu         sync.Mutex
	terminated bool

	// closed by the wait goroutine once the child has exited
	exited  chan struct{}
	exitErr error
}

// Start spawns program with args in a new pty of the given size. Wide
// terminals (width >= 200) are recommended so the child doesn't soft-wrap.
func Start(program string, args []string, width, height int) (*Session, error) {
	cmd := exec.Command(program, args...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(height),
		Cols: uint16(width),
	})
	if err != nil {
		return nil, fmt.Errorf("error starting %s in pty: %w", program, err)
	}

	s := &Session{
		program: program,
		args:    args,
		cmd:     cmd,
		ptmx:    ptmx,
		exited:  make(chan struct{}),
	}

	go func() {
		s.exitErr = cmd.Wait()
		close(s.exited)
		log.FileOnlyInfoLog.Printf("child %s (pid %d) exited: %v", program, cmd.Process.Pid, s.exitErr)
	}()

	log.FileOnlyInfoLog.Printf("started %s (pid %d) in %dx%d pty", program, cmd.Process.Pid, width, height)
	return s, nil
}

// Read reads the next chunk of terminal output. It blocks until the child
// produces output or exits; after exit it returns an error (EOF or EIO,
// depending on the platform), which callers treat as end of session.
func (s *Session) Read(p []byte) (int, error) {
	return s.ptmx.Read(p)
}

// Write sends bytes to the child's terminal input.
func (s *Session) Write(p []byte) error {
	if !s.IsAlive() {
		return ErrNotAlive
	}
	if _, err := s.ptmx.Write(p); err != nil {
		return fmt.Errorf("error writing to pty: %w", err)
	}
	return nil
}

// IsAlive reports whether the child process is still running.
func (s *Session) IsAlive() bool {
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// Terminate sends SIGTERM to the child and closes the pty. It is
// idempotent: terminating a dead or already-terminated session is a no-op.
func (s *Session) Terminate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return nil
	}
	s.terminated = true

	var errs []error
	if s.IsAlive() {
		if err := unix.Kill(s.cmd.Process.Pid, unix.SIGTERM); err != nil {
			errs = append(errs, fmt.Errorf("error signaling child: %w", err))
		}
	}
	if err := s.ptmx.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing pty: %w", err))
	}

	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	errMsg := "multiple errors occurred during termination:"
	for _, err := range errs {
		errMsg += "\n  - " + err.Error()
	}
	return errors.New(errMsg)
}

// Program returns the wrapped program name.
func (s *Session) Program() string {
	return s.program
}

// Done returns a channel closed when the child exits.
func (s *Session) Done() <-chan struct{} {
	return s.exited
}
