// Package vserial implements VirtualSerial, a duck-typed serial-port
// façade wrapping the currently-active ptyproc.PtyProcess. It is the
// explicit interface the RFC 2217 codec consumes in place of the
// dynamically-typed serial object the reference implementation hands it.
package vserial

import (
	"bytes"
	"sync"
	"time"

	"github.com/mpbridge/mpbridge/internal/bridgeerr"
	"github.com/mpbridge/mpbridge/internal/logging"
)

var log = logging.WithComponent("vserial")

// rawReplMarker is emitted by the child when it enters its raw REPL.
const rawReplMarker = "raw REPL; CTRL-B to exit"

// friendlyPrompt is the ordinary interactive-mode prompt.
const friendlyPrompt = ">>>"

const (
	ctrlA = 0x01 // enter raw REPL
	ctrlB = 0x02 // exit raw REPL
)

// Settings mirrors the serial line settings a real device would expose.
// Values are accepted and echoed back; none of them affect the PTY.
type Settings struct {
	BaudRate int
	ByteSize int
	Parity   string
	StopBits float64
	RTSCTS   bool
	DSRDTR   bool
	XONXOFF  bool
}

// DefaultSettings mirrors a typical 8N1 serial link at 115200 baud.
func DefaultSettings() Settings {
	return Settings{BaudRate: 115200, ByteSize: 8, Parity: "N", StopBits: 1}
}

// ModemLines holds the simulated modem control lines.
type ModemLines struct {
	DTR, RTS, CTS, DSR, RI, CD bool
}

// Reader is the subset of ptyproc.PtyProcess that VirtualSerial delegates
// reads and writes to. Satisfied by *ptyproc.PtyProcess; an interface here
// lets the soft-reboot dance swap in a replacement without VirtualSerial's
// callers knowing.
type Reader interface {
	Read(max int, timeout time.Duration) []byte
	Write(data []byte) int
	IsAlive() bool
	Close() error
}

// VirtualSerial is the serial-port façade the redirectors and the RFC 2217
// codec interact with. It is not safe for concurrent Read/Write from
// multiple goroutines beyond the bridge's own reader/writer split (the
// reader swaps pty only while the writer is parked, per the redirector's
// restarting flag).
type VirtualSerial struct {
	mu sync.Mutex

	pty Reader

	pending []byte

	inRawREPL bool
	closed    bool

	settings Settings
	lines    ModemLines
}

// New wraps pty as a fresh VirtualSerial.
func New(pty Reader) *VirtualSerial {
	return &VirtualSerial{
		pty:      pty,
		settings: DefaultSettings(),
	}
}

// SetPty installs a replacement PtyProcess, as the soft-reboot dance does
// after restarting the child. The caller is responsible for ensuring no
// writer is concurrently calling Write (see the Redirector's restarting
// flag).
func (v *VirtualSerial) SetPty(pty Reader) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pty = pty
	v.closed = false
	v.inRawREPL = false
}

// HasProcessExited reports whether the current child has exited.
func (v *VirtualSerial) HasProcessExited() bool {
	v.mu.Lock()
	pty := v.pty
	v.mu.Unlock()
	return pty == nil || !pty.IsAlive()
}

// InRawREPL reports the most recently observed raw-REPL state.
func (v *VirtualSerial) InRawREPL() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.inRawREPL
}

// SetInRawREPL forces the raw-REPL flag, used when fabricating the
// soft-reboot reply.
func (v *VirtualSerial) SetInRawREPL(value bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inRawREPL = value
}

// QueuePending appends bytes to be delivered ahead of any fresh PTY read,
// used to replay bytes peeked by InWaiting or fabricated after a restart.
func (v *VirtualSerial) QueuePending(b []byte) {
	if len(b) == 0 {
		return
	}
	v.mu.Lock()
	v.pending = append(v.pending, b...)
	v.mu.Unlock()
}

// ReadFromChild reads up to max bytes from the pending buffer (if
// non-empty) or else the current PTY within timeout, and updates the
// raw-REPL flag from what it observes. The pending buffer is always
// drained first, regardless of timeout, per the pending-buffer precedence
// invariant.
func (v *VirtualSerial) ReadFromChild(max int, timeout time.Duration) []byte {
	v.mu.Lock()
	if len(v.pending) > 0 {
		n := max
		if n > len(v.pending) {
			n = len(v.pending)
		}
		out := v.pending[:n]
		v.pending = v.pending[n:]
		v.mu.Unlock()
		return out
	}
	pty := v.pty
	v.mu.Unlock()

	if pty == nil {
		return nil
	}
	data := pty.Read(max, timeout)
	if len(data) == 0 {
		return nil
	}

	v.mu.Lock()
	v.observeChildOutput(data)
	v.mu.Unlock()
	return data
}

// observeChildOutput updates in_raw_repl per §4.3: a read containing the
// raw-REPL banner sets it true; a read containing ">>>" while true clears
// it. Must be called with v.mu held.
func (v *VirtualSerial) observeChildOutput(data []byte) {
	if bytes.Contains(data, []byte(rawReplMarker)) {
		v.inRawREPL = true
		return
	}
	if v.inRawREPL && bytes.Contains(data, []byte(friendlyPrompt)) {
		v.inRawREPL = false
	}
}

// WriteToChild writes data to the child and updates the raw-REPL flag from
// the control bytes observed (0x01 enters, 0x02 exits). Returns the number
// of bytes accepted.
func (v *VirtualSerial) WriteToChild(data []byte) int {
	v.mu.Lock()
	if bytes.IndexByte(data, ctrlA) >= 0 {
		v.inRawREPL = true
	}
	if bytes.IndexByte(data, ctrlB) >= 0 {
		v.inRawREPL = false
	}
	pty := v.pty
	v.mu.Unlock()

	if pty == nil {
		log.Debug("write to child with no pty installed", logging.F("error", bridgeerr.ErrPTYClosed.Error()))
		return 0
	}
	return pty.Write(data)
}

// InWaiting peeks one byte from the PTY (if any is immediately available)
// and re-queues it via the pending buffer, matching the reference's
// destructive-read-then-requeue probe (§9). Safe because pending is
// always drained before any fresh PTY read (ReadFromChild).
func (v *VirtualSerial) InWaiting() int {
	v.mu.Lock()
	if len(v.pending) > 0 {
		n := len(v.pending)
		v.mu.Unlock()
		return n
	}
	pty := v.pty
	v.mu.Unlock()
	if pty == nil {
		return 0
	}

	peek := pty.Read(1, time.Millisecond)
	if len(peek) == 0 {
		return 0
	}
	v.QueuePending(peek)
	return len(peek)
}

// ApplySettings stores the simulated line settings; values do not affect
// the PTY.
func (v *VirtualSerial) ApplySettings(s Settings) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.settings = s
}

// GetSettings returns the simulated line settings.
func (v *VirtualSerial) GetSettings() Settings {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.settings
}

// SetModemLines updates the simulated modem control lines (DTR, RTS).
func (v *VirtualSerial) SetModemLines(dtr, rts bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lines.DTR = dtr
	v.lines.RTS = rts
}

// ModemLines returns the simulated modem control line state, including
// the always-asserted inputs (CTS, DSR, CD) a real cable-free bridge
// reports as present.
func (v *VirtualSerial) ModemLines() ModemLines {
	v.mu.Lock()
	defer v.mu.Unlock()
	lines := v.lines
	lines.CTS, lines.DSR, lines.CD = true, true, true
	return lines
}

// SendBreak is a no-op; no real serial line exists to assert a break on.
func (v *VirtualSerial) SendBreak(time.Duration) {}

// ResetInputBuffer is a no-op.
func (v *VirtualSerial) ResetInputBuffer() {}

// ResetOutputBuffer is a no-op.
func (v *VirtualSerial) ResetOutputBuffer() {}

// Flush is a no-op.
func (v *VirtualSerial) Flush() {}

// Close marks the façade closed; further reads return empty, writes return
// zero, until SetPty installs a fresh PtyProcess.
func (v *VirtualSerial) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	if v.pty != nil {
		return v.pty.Close()
	}
	return nil
}

// Closed reports whether Close has been called since the last SetPty.
func (v *VirtualSerial) Closed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}
