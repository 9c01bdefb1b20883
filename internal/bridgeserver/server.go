// Package bridgeserver implements the Listener/Dispatcher component: it
// binds the two TCP ports, enforces the single-active-client invariant
// across both of them, and constructs the appropriate Redirector variant
// for each accepted session.
package bridgeserver

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/mpbridge/mpbridge/internal/bridgeerr"
	"github.com/mpbridge/mpbridge/internal/logging"
	"github.com/mpbridge/mpbridge/internal/redirector"
	"github.com/mpbridge/mpbridge/internal/supervisor"
	"github.com/mpbridge/mpbridge/internal/vserial"
)

var log = logging.WithComponent("bridgeserver")

// busyMessage is sent verbatim to a client that connects while another is
// already active, then the connection is closed.
const busyMessage = "\r\nError: Device busy - another client is connected\r\n"

// Options configures the listener set and the child the bridge supervises.
type Options struct {
	Argv        []string
	Cwd         string
	Bind        string
	Rfc2217Port int // 0 disables this listener
	RawPort     int // 0 disables this listener
}

// Server owns the two listeners, the ProcessSupervisor, and the
// VirtualSerial shared across sessions (one session at a time).
type Server struct {
	opts Options

	sup *supervisor.Supervisor
	vs  *vserial.VirtualSerial

	rfc2217Listener net.Listener
	rawListener     net.Listener

	rfc2217Ch chan net.Conn
	rawCh     chan net.Conn
	shutdown  chan struct{}
}

// New binds the configured listeners and spawns the initial child. Bind
// failures and spawn failures are both reported here so the caller can
// exit with status 1 before any network resource is left dangling.
func New(opts Options) (*Server, error) {
	s := &Server{
		opts:     opts,
		sup:      supervisor.New(opts.Argv, opts.Cwd),
		shutdown: make(chan struct{}),
	}

	if opts.Rfc2217Port != 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", opts.Bind, opts.Rfc2217Port))
		if err != nil {
			return nil, fmt.Errorf("bridgeserver: bind rfc2217 port: %w", err)
		}
		s.rfc2217Listener = ln
		s.rfc2217Ch = make(chan net.Conn)
	}
	if opts.RawPort != 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", opts.Bind, opts.RawPort))
		if err != nil {
			s.closeListeners()
			return nil, fmt.Errorf("bridgeserver: bind raw port: %w", err)
		}
		s.rawListener = ln
		s.rawCh = make(chan net.Conn)
	}
	if s.rfc2217Listener == nil && s.rawListener == nil {
		return nil, fmt.Errorf("bridgeserver: both ports disabled, nothing to serve")
	}

	child, err := s.sup.Create()
	if err != nil {
		s.closeListeners()
		return nil, fmt.Errorf("bridgeserver: initial spawn: %w", err)
	}
	s.vs = vserial.New(child)

	return s, nil
}

func (s *Server) closeListeners() {
	if s.rfc2217Listener != nil {
		s.rfc2217Listener.Close()
	}
	if s.rawListener != nil {
		s.rawListener.Close()
	}
}

// Run accepts sessions until interrupted, enforcing at most one active
// client across both listeners, then tears down the supervisor and both
// listeners.
func (s *Server) Run() error {
	if s.rfc2217Listener != nil {
		go s.acceptLoop(s.rfc2217Listener, "rfc2217", s.rfc2217Ch)
	}
	if s.rawListener != nil {
		go s.acceptLoop(s.rawListener, "raw", s.rawCh)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-sigCh:
			log.Info("interrupt received, shutting down")
			close(s.shutdown)
			s.closeListeners()
			s.sup.Cleanup()
			return nil
		case conn := <-s.rfc2217Ch:
			s.runSession(conn, "rfc2217", s.rawCh)
		case conn := <-s.rawCh:
			s.runSession(conn, "raw", s.rfc2217Ch)
		}
	}
}

// acceptLoop repeatedly accepts on ln and hands each connection to out.
// When no session is active, the dispatcher in Run receives immediately;
// while a session is active, the connection sits here until either the
// dispatcher's connection guard drains it (if it's the other listener) or
// the current session ends (if it's the same listener).
func (s *Server) acceptLoop(ln net.Listener, protocol string, out chan<- net.Conn) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Warn("accept error", logging.F("protocol", protocol, "error", err.Error()))
				continue
			}
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}
		select {
		case out <- conn:
		case <-s.shutdown:
			conn.Close()
			return
		}
	}
}

// runSession services one accepted connection end-to-end: recreate the
// child if it had already exited, reset per-connection VirtualSerial
// state, run the connection guard against the other listener, and pump
// bytes until disconnect.
func (s *Server) runSession(conn net.Conn, protocol string, otherCh <-chan net.Conn) {
	log.Info("client connected", logging.F("protocol", protocol, "remote", conn.RemoteAddr().String()))

	if s.vs.HasProcessExited() {
		child, err := s.sup.Restart()
		if err != nil {
			log.Error("failed to recreate child before session", logging.F("error", err.Error()))
			conn.Close()
			return
		}
		s.vs.SetPty(child)
	}
	s.vs.SetInRawREPL(false)

	var r *redirector.Redirector
	if protocol == "rfc2217" {
		r = redirector.NewRfc2217(s.vs, conn, s.sup)
	} else {
		r = redirector.NewRaw(s.vs, conn, s.sup)
	}

	guardStop := make(chan struct{})
	go s.connectionGuard(otherCh, guardStop)

	r.Shortcircuit()

	close(guardStop)
	conn.Close()
	log.Info("client disconnected", logging.F("protocol", protocol))
}

// connectionGuard rejects any connection that arrives on the other
// listener for as long as this session is active, within well under the
// 200ms the single-active-client property requires.
func (s *Server) connectionGuard(otherCh <-chan net.Conn, stop <-chan struct{}) {
	for {
		select {
		case conn := <-otherCh:
			log.Info("rejecting connection", logging.F(
				"remote", conn.RemoteAddr().String(),
				"error", bridgeerr.ErrDeviceBusy.Error(),
			))
			conn.Write([]byte(busyMessage))
			conn.Close()
		case <-stop:
			return
		}
	}
}
