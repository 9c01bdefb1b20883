// Package redirector implements the bidirectional byte pump between one
// client socket and the VirtualSerial façade for the currently-running
// child, plus the soft-reboot protocol that makes a child restart
// invisible to the remote REPL client. Rfc2217Redirector and
// RawRedirector share this skeleton, differing only in their framing
// hooks and periodic tasks (§9's re-architecting note: parameterize by
// function-valued hooks, not inheritance).
package redirector

import (
	"bytes"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mpbridge/mpbridge/internal/bridgeerr"
	"github.com/mpbridge/mpbridge/internal/logging"
	"github.com/mpbridge/mpbridge/internal/supervisor"
	"github.com/mpbridge/mpbridge/internal/vserial"
)

var log = logging.WithComponent("redirector")

const (
	readChunk            = 4096
	readerPollTimeout    = 10 * time.Millisecond
	bannerTimeout        = 50 * time.Millisecond
	reenterEntryDelay    = 50 * time.Millisecond
	reenterDrainChunk    = 50 * time.Millisecond
	reenterMaxIterations = 50

	posixSettleDelay   = 10 * time.Millisecond
	windowsSettleDelay = 100 * time.Millisecond
	posixEmptyBudget   = 5
	windowsEmptyBudget = 10
)

const (
	friendlySoftRebootBanner = "soft reboot\r\n"
	rawReplSoftRebootReply   = "OK\r\nMPY: soft reboot\r\nraw REPL; CTRL-B to exit\r\n>"
	rawReplMarker            = "raw REPL; CTRL-B to exit"
)

// FrameFunc transforms bytes crossing one direction of the wire: Escape
// (child->client, RFC 2217) or Filter (client->child, RFC 2217), or the
// identity for the raw variant.
type FrameFunc func([]byte) []byte

type periodicTask struct {
	interval time.Duration
	fn       func()
}

// state mirrors §4.4's state machine: IDLE -> RUNNING -> STOPPING -> DEAD,
// with RUNNING carrying the restarting sub-flag tracked separately.
type state int32

const (
	stateIdle state = iota
	stateRunning
	stateStopping
	stateDead
)

// Redirector is one session's bidirectional pump: it owns the
// VirtualSerial, the accepted client socket, and the soft-reboot dance.
// Construct one with NewRaw or NewRfc2217; destroy it by calling
// Shortcircuit once, to completion, per connection.
type Redirector struct {
	id   string
	vs   *vserial.VirtualSerial
	conn net.Conn
	sup  *supervisor.Supervisor

	frameOut FrameFunc
	frameIn  FrameFunc
	recvSize int
	periodic []periodicTask

	writeMu sync.Mutex
	state   atomic.Int32

	restarting atomic.Bool

	done       chan struct{} // closed to stop reader + periodic tasks
	readerDone chan struct{}
}

func newRedirector(vs *vserial.VirtualSerial, conn net.Conn, sup *supervisor.Supervisor) *Redirector {
	r := &Redirector{
		id:         uuid.NewString(),
		vs:         vs,
		conn:       conn,
		sup:        sup,
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	r.state.Store(int32(stateIdle))
	return r
}

// NewRaw returns a Redirector with pass-through framing in both
// directions (the "socket://" port).
func NewRaw(vs *vserial.VirtualSerial, conn net.Conn, sup *supervisor.Supervisor) *Redirector {
	r := newRedirector(vs, conn, sup)
	r.frameOut = func(b []byte) []byte { return b }
	r.frameIn = func(b []byte) []byte { return b }
	r.recvSize = readChunk
	return r
}

// sendRaw writes b to the client socket verbatim, serialized by writeMu.
// Used both by sendToClient (after framing) and directly by a codec's
// protocol replies, which must not be re-escaped.
func (r *Redirector) sendRaw(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if _, err := r.conn.Write(b); err != nil {
		return fmt.Errorf("%w: %w", bridgeerr.ErrSocketIO, err)
	}
	return nil
}

func (r *Redirector) sendToClient(b []byte) error {
	return r.sendRaw(r.frameOut(b))
}

// Shortcircuit runs the session to completion: IDLE -> RUNNING, blocking
// the caller until the writer flow observes client disconnect or error,
// then RUNNING -> STOPPING -> DEAD as the reader and periodic tasks are
// joined (1s cap). The caller closes the client socket after Shortcircuit
// returns.
func (r *Redirector) Shortcircuit() {
	r.state.Store(int32(stateRunning))

	go r.readerLoop()
	for _, pt := range r.periodic {
		go r.runPeriodic(pt)
	}

	r.writerLoop()

	r.state.Store(int32(stateStopping))
	close(r.done)

	select {
	case <-r.readerDone:
	case <-time.After(time.Second):
		log.Warn("reader flow did not stop within cap", logging.F("session", r.id))
	}

	r.state.Store(int32(stateDead))
}

// Stop requests the session end; the reader observes it between
// iterations, the writer only after its current recv unblocks (the caller
// is expected to close the socket to force that).
func (r *Redirector) Stop() {
	if state(r.state.Load()) == stateRunning {
		r.state.Store(int32(stateStopping))
	}
}

func (r *Redirector) alive() bool {
	return state(r.state.Load()) == stateRunning
}

func (r *Redirector) runPeriodic(pt periodicTask) {
	ticker := time.NewTicker(pt.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pt.fn()
		case <-r.done:
			return
		}
	}
}

// readerLoop is the child->client flow (§4.4).
func (r *Redirector) readerLoop() {
	defer close(r.readerDone)

	for r.alive() {
		select {
		case <-r.done:
			return
		default:
		}

		if r.vs.HasProcessExited() {
			if err := r.softReboot(); err != nil {
				log.Error("soft reboot failed", logging.F("session", r.id, "error", err.Error()))
				r.Stop()
				return
			}
			continue
		}

		data := r.vs.ReadFromChild(readChunk, readerPollTimeout)
		if len(data) == 0 {
			continue
		}
		if err := r.sendToClient(data); err != nil {
			log.Error("client write failed", logging.F("session", r.id, "error", err.Error()))
			r.Stop()
			return
		}
	}
}

// writerLoop is the client->child flow (§4.4).
func (r *Redirector) writerLoop() {
	buf := make([]byte, r.recvSize)
	for {
		for r.restarting.Load() {
			time.Sleep(10 * time.Millisecond)
		}

		n, err := r.conn.Read(buf)
		if err != nil || n == 0 || !r.alive() {
			return
		}

		filtered := r.frameIn(append([]byte(nil), buf[:n]...))
		if len(filtered) > 0 {
			r.vs.WriteToChild(filtered)
		}
	}
}

// softReboot is triggered when the reader observes the child has exited.
// It replays or fabricates the exact bytes mpremote-style raw-REPL
// clients expect, so the client never notices the process restart
// (§4.4's "Soft-reboot protocol").
func (r *Redirector) softReboot() error {
	r.restarting.Store(true)
	defer r.restarting.Store(false)

	wasInRawREPL := r.vs.InRawREPL()

	if !wasInRawREPL {
		if err := r.sendToClient([]byte(friendlySoftRebootBanner)); err != nil {
			return err
		}
	}

	child, err := r.sup.Restart()
	if err != nil {
		return fmt.Errorf("redirector: restart: %w", err)
	}
	r.vs.SetPty(child)

	settle, emptyBudget := posixSettleDelay, posixEmptyBudget
	if runtime.GOOS == "windows" {
		settle, emptyBudget = windowsSettleDelay, windowsEmptyBudget
	}
	time.Sleep(settle)

	banner := r.vs.ReadFromChild(readChunk, bannerTimeout)

	if wasInRawREPL {
		r.reenterRawREPL(emptyBudget)
	} else if len(banner) > 0 {
		if err := r.sendToClient(banner); err != nil {
			return err
		}
	}

	return nil
}

// reenterRawREPL performs the CTRL-A dance and fabricates the raw-REPL
// reply exactly once per reboot (§9: the reference's duplicated tail is
// not reproduced here). Any failure while draining falls back to sending
// the friendly banner plus the same fabricated reply, per §4.4 step 5.
func (r *Redirector) reenterRawREPL(emptyBudget int) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("reenter raw repl panicked, falling back", logging.F("session", r.id))
			r.sendToClient([]byte(friendlySoftRebootBanner))
		}
		r.sendToClient([]byte(rawReplSoftRebootReply))
		r.vs.SetInRawREPL(true)
	}()

	time.Sleep(reenterEntryDelay)
	r.vs.WriteToChild([]byte{0x01})

	var accumulated []byte
	emptyReads := 0
	for i := 0; i < reenterMaxIterations; i++ {
		chunk := r.vs.ReadFromChild(readChunk, reenterDrainChunk)
		if len(chunk) == 0 {
			emptyReads++
			if emptyReads >= emptyBudget {
				return
			}
			continue
		}
		emptyReads = 0
		accumulated = append(accumulated, chunk...)
		trimmed := bytes.TrimRight(accumulated, " \r\n\t")
		if bytes.Contains(accumulated, []byte(rawReplMarker)) && bytes.HasSuffix(trimmed, []byte(">")) {
			return
		}
	}
}
