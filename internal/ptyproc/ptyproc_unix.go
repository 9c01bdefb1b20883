//go:build !windows

package ptyproc

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"

	"github.com/mpbridge/mpbridge/internal/logging"
)

// killGrace is how long Close waits for a graceful exit before sending SIGKILL.
const killGrace = 2 * time.Second

// PtyProcess owns one child process and the POSIX master/slave pseudo-terminal
// pair it is attached to.
type PtyProcess struct {
	argv []string
	cwd  string

	ptmx *os.File
	cmd  *exec.Cmd

	mu       sync.Mutex
	closed   bool
	waitDone chan struct{}
	exited   atomic.Bool
	exitCode atomic.Int32
}

// Spawn forks argv[0] with the remaining argv as arguments, attached to a
// fresh PTY, with cwd as its working directory (empty means inherit).
func Spawn(argv []string, cwd string) (*PtyProcess, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("ptyproc: empty argv")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = os.Environ()

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return nil, fmt.Errorf("ptyproc: spawn %v: %w", argv, err)
	}

	if _, err := term.MakeRaw(int(ptmx.Fd())); err != nil {
		log.Debug("could not set pty master raw", logging.F("error", err.Error()))
	}

	p := &PtyProcess{
		argv:     argv,
		cwd:      cwd,
		ptmx:     ptmx,
		cmd:      cmd,
		waitDone: make(chan struct{}),
	}
	p.exitCode.Store(-1)

	go p.waitForExit()

	return p, nil
}

func (p *PtyProcess) waitForExit() {
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	p.exitCode.Store(int32(code))
	p.exited.Store(true)
	close(p.waitDone)
}

// Read returns up to max bytes read from the child within timeout, or an
// empty slice on timeout, closed PTY, or any I/O error.
func (p *PtyProcess) Read(max int, timeout time.Duration) []byte {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	ptmx := p.ptmx
	p.mu.Unlock()

	ptmx.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, max)
	n, err := ptmx.Read(buf)
	if err != nil || n <= 0 {
		return nil
	}
	return buf[:n]
}

// Write enqueues data to the child's stdin, returning the number of bytes
// accepted (0 if the PTY is closed).
func (p *PtyProcess) Write(data []byte) int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	ptmx := p.ptmx
	p.mu.Unlock()

	n, _ := ptmx.Write(data)
	return n
}

// Poll reports the child's exit code, if it has exited.
func (p *PtyProcess) Poll() (code int, exited bool) {
	if !p.exited.Load() {
		return 0, false
	}
	return int(p.exitCode.Load()), true
}

// IsAlive reports whether the child has not yet exited.
func (p *PtyProcess) IsAlive() bool {
	return !p.exited.Load()
}

// Close terminates the child (SIGTERM, then SIGKILL after killGrace) and
// releases the PTY. Safe to call more than once.
func (p *PtyProcess) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.cmd.Process != nil && !p.exited.Load() {
		pid := p.cmd.Process.Pid
		syscall.Kill(-pid, syscall.SIGTERM)
		select {
		case <-p.waitDone:
		case <-time.After(killGrace):
			syscall.Kill(-pid, syscall.SIGKILL)
			<-p.waitDone
		}
	}

	return p.ptmx.Close()
}
