// Package supervisor owns the child command line and produces the
// PtyProcess instances the bridge runs: one at startup (Create) and one
// per soft reboot (Restart).
package supervisor

import (
	"fmt"
	"sync"

	"github.com/mpbridge/mpbridge/internal/bridgeerr"
	"github.com/mpbridge/mpbridge/internal/logging"
	"github.com/mpbridge/mpbridge/internal/ptyproc"
)

var log = logging.WithComponent("supervisor")

// Supervisor holds the argv/cwd of the child and the currently live
// PtyProcess. At most one child is live at a time; Restart closes the
// previous one before spawning its replacement.
type Supervisor struct {
	argv []string
	cwd  string

	mu      sync.Mutex
	current *ptyproc.PtyProcess
}

// New returns a Supervisor for the given argv and working directory. No
// child is spawned until Create is called.
func New(argv []string, cwd string) *Supervisor {
	return &Supervisor{argv: argv, cwd: cwd}
}

// Create spawns the initial child, closing any prior one first.
func (s *Supervisor) Create() (*ptyproc.PtyProcess, error) {
	return s.spawn("create")
}

// Restart spawns a replacement child as part of the soft-reboot dance,
// closing the previous one first. Spawn failures propagate to the caller,
// which must end the session (no retry policy).
func (s *Supervisor) Restart() (*ptyproc.PtyProcess, error) {
	return s.spawn("soft-reboot")
}

func (s *Supervisor) spawn(reason string) (*ptyproc.PtyProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		s.current.Close()
		s.current = nil
	}

	child, err := ptyproc.Spawn(s.argv, s.cwd)
	if err != nil {
		log.Error("spawn failed", logging.F("reason", reason, "error", err.Error()))
		sentinel := bridgeerr.ErrSpawnFailed
		if reason == "soft-reboot" {
			sentinel = bridgeerr.ErrRestartFailed
		}
		return nil, fmt.Errorf("supervisor: %s: %w: %w", reason, sentinel, err)
	}

	log.Info("child spawned", logging.F("reason", reason, "argv", fmt.Sprint(s.argv)))
	s.current = child
	return child, nil
}

// Cleanup closes the current child, if any.
func (s *Supervisor) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.Close()
		s.current = nil
	}
}
