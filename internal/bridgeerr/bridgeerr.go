// Package bridgeerr defines the error kinds the session core distinguishes
// between, so callers can branch with errors.Is without parsing messages.
package bridgeerr

import "errors"

// ErrSpawnFailed means the child process could not be started.
var ErrSpawnFailed = errors.New("spawn failed")

// ErrPTYClosed means a read or write was attempted on a closed or broken PTY.
var ErrPTYClosed = errors.New("pty closed")

// ErrSocketIO means the client socket returned an unrecoverable error.
var ErrSocketIO = errors.New("socket io error")

// ErrRestartFailed means the supervisor could not produce a replacement child.
var ErrRestartFailed = errors.New("restart failed")

// ErrCodecFailed marks a malformed RFC 2217 sequence. The codec logs it
// and drops the sequence; it does not close the session.
var ErrCodecFailed = errors.New("rfc2217 codec error")

// ErrDeviceBusy names the rejection of a second client attempting to
// connect while one is already active; the server logs it when it sends
// that client the busy message and closes the connection.
var ErrDeviceBusy = errors.New("device busy")
