package pty

import (
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

// Signal types for PTY control
type Signal int

const (
	SIGINT  Signal = Signal(syscall.SIGINT)
	SIGTERM Signal = Signal(syscall.SIGTERM)
	SIGKILL Signal = Signal(syscall.SIGKILL)
)

// PTY represents a pseudo-terminal hosting one interactive process.
type PTY struct {
	ID   string
	file *os.File
	cmd  *exec.Cmd

	mu     sync.Mutex
	closed bool
}

// Start launches argv under a new PTY with the given working directory and
// extra environment (appended to the parent environment).
func Start(argv []string, cwd string, env []string, cols, rows uint16) (*PTY, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: cols,
		Rows: rows,
	})
	if err != nil {
		return nil, err
	}

	return &PTY{
		ID:   uuid.New().String(),
		file: ptmx,
		cmd:  cmd,
	}, nil
}

// Read reads from the PTY
func (p *PTY) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, os.ErrClosed
	}
	file := p.file
	p.mu.Unlock()

	return file.Read(buf)
}

// Write writes to the PTY
func (p *PTY) Write(data []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, os.ErrClosed
	}
	file := p.file
	p.mu.Unlock()

	return file.Write(data)
}

// Resize changes the PTY window size
func (p *PTY) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return os.ErrClosed
	}

	return pty.Setsize(p.file, &pty.Winsize{
		Cols: cols,
		Rows: rows,
	})
}

// Signal sends a signal to the PTY process
func (p *PTY) Signal(sig Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return os.ErrClosed
	}

	if p.cmd.Process == nil {
		return os.ErrProcessDone
	}

	return p.cmd.Process.Signal(syscall.Signal(sig))
}

// Pid returns the process id of the hosted process, or 0 if unavailable.
func (p *PTY) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Close terminates the PTY
func (p *PTY) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	// Kill the process if still running
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}

	// Close the PTY file
	return p.file.Close()
}

// Wait blocks until the process exits and returns its exit code. A process
// killed by a signal reports -1.
func (p *PTY) Wait() int {
	err := p.cmd.Wait()
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// Done returns a channel that closes when the PTY process exits,
// carrying the exit code.
func (p *PTY) Done() <-chan int {
	done := make(chan int, 1)
	go func() {
		done <- p.Wait()
		close(done)
	}()
	return done
}
