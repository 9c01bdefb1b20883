// Package ptyproc wraps a child process attached to a pseudo-terminal,
// hiding the POSIX/Windows split behind one API: Spawn, Read, Write, Poll,
// IsAlive and Close. See ptyproc_unix.go and ptyproc_windows.go for the
// platform-specific PtyProcess definitions.
package ptyproc

import "github.com/mpbridge/mpbridge/internal/logging"

var log = logging.WithComponent("ptyproc")
