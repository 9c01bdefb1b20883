//go:build windows

package ptyproc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/UserExistsError/conpty"
)

// da1Response is the Device Attributes primary-query answer a VT-capable
// terminal sends; the child's terminal-query handshake expects it shortly
// after startup.
const da1Response = "\x1b[?1;0c"

// da1Delay is how long after spawn the DA1 response is written.
const da1Delay = 100 * time.Millisecond

// PtyProcess owns one child process attached to a Windows ConPTY.
type PtyProcess struct {
	cpty *conpty.ConPty

	mu       sync.Mutex
	closed   bool
	waitDone chan struct{}
	exited   atomic.Bool
	exitCode atomic.Int32
	// pollErr records that the handle raised an exception during Wait,
	// distinct from a clean exit with status 0 (see Poll).
	pollErr atomic.Bool
}

// Spawn starts argv[0] with the remaining argv as arguments, under a fresh
// 80x25 ConPTY, with cwd as its working directory (empty means inherit).
func Spawn(argv []string, cwd string) (*PtyProcess, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("ptyproc: empty argv")
	}

	commandLine := strings.Join(argv, " ")
	opts := []conpty.ConPtyOption{conpty.ConPtyDimensions(80, 25)}
	if cwd != "" {
		opts = append(opts, conpty.ConPtyWorkDir(cwd))
	}

	cpty, err := conpty.Start(commandLine, opts...)
	if err != nil {
		return nil, fmt.Errorf("ptyproc: spawn %v: %w", argv, err)
	}

	p := &PtyProcess{
		cpty:     cpty,
		waitDone: make(chan struct{}),
	}
	p.exitCode.Store(-1)

	go p.waitForExit()

	go func() {
		time.Sleep(da1Delay)
		p.Write([]byte(da1Response))
	}()

	return p, nil
}

func (p *PtyProcess) waitForExit() {
	code, err := p.cpty.Wait(context.Background())
	if err != nil {
		// The handle raised an exception during wait. This is recorded
		// in pollErr, distinct from a clean exit with status 0. Nothing
		// in the session core calls PollErred, so the child is then
		// treated as exited and goes through the soft-reboot dance.
		p.pollErr.Store(true)
		p.exited.Store(true)
		close(p.waitDone)
		return
	}
	p.exitCode.Store(int32(code))
	p.exited.Store(true)
	close(p.waitDone)
}

// Read returns up to max bytes of child output, decoded as UTF-8 (invalid
// bytes replaced with U+FFFD), normalized (\r\r\n -> \r\n) and with CSI escape
// sequences stripped, or empty on timeout, closed PTY, or I/O error.
func (p *PtyProcess) Read(max int, timeout time.Duration) []byte {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	cpty := p.cpty
	p.mu.Unlock()

	type result struct {
		n   int
		err error
	}
	buf := make([]byte, max)
	done := make(chan result, 1)
	go func() {
		n, err := cpty.Read(buf)
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		if r.err != nil || r.n <= 0 {
			return nil
		}
		return normalize(filterCSI(sanitizeUTF8(buf[:r.n])))
	case <-time.After(timeout):
		return nil
	}
}

// Write enqueues data to the child's stdin, returning the number of bytes
// accepted (0 if the PTY is closed).
func (p *PtyProcess) Write(data []byte) int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	cpty := p.cpty
	p.mu.Unlock()

	n, _ := cpty.Write(data)
	return n
}

// Poll reports the child's exit code, if it has exited. If the ConPTY
// handle raised an exception during wait, exited is still true but the
// caller must check PollErred to distinguish it from a clean status-0 exit.
func (p *PtyProcess) Poll() (code int, exited bool) {
	if !p.exited.Load() {
		return 0, false
	}
	return int(p.exitCode.Load()), true
}

// PollErred reports whether the last Wait on the ConPTY handle raised an
// exception rather than observing a normal exit code.
func (p *PtyProcess) PollErred() bool {
	return p.pollErr.Load()
}

// IsAlive reports whether the child has not yet exited.
func (p *PtyProcess) IsAlive() bool {
	return !p.exited.Load()
}

// Close terminates the child and releases the ConPTY. Safe to call more
// than once.
func (p *PtyProcess) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cpty := p.cpty
	p.mu.Unlock()

	return cpty.Close()
}
