package cluster

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	ErrTimeout         = errors.New("timeout")
	ErrClosed          = errors.New("cluster closed")
	ErrBadPeer         = errors.New("bad peer response")
	ErrPeerClosed      = errors.New("peer closed")
	ErrPeerUnreachable = errors.New("peer unreachable")
	ErrInflightLimit   = errors.New("peer inflight limit")

	// ErrPrecondition marks a caller bug: an invalid task construction or a
	// mutation the task's current state does not allow.
	ErrPrecondition = errors.New("precondition violated")

	ErrStaleTopology = errors.New("stale topology")
	ErrUnknownCache  = errors.New("unknown cache")
)

// Error codes carried in responses so remote failures map back to sentinels.
const (
	codeOK uint8 = iota
	codeInternal
	codeStaleTopology
	codeUnknownCache
)

// RemoteError is an exception returned by a peer.
type RemoteError struct {
	Node NodeID
	Code uint8
	Msg  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Node, e.Msg)
}

func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case codeStaleTopology:
		return ErrStaleTopology
	case codeUnknownCache:
		return ErrUnknownCache
	}
	return nil
}

// errorCode maps a local error to its wire code.
func errorCode(err error) uint8 {
	switch {
	case err == nil:
		return codeOK
	case errors.Is(err, ErrStaleTopology):
		return codeStaleTopology
	case errors.Is(err, ErrUnknownCache):
		return codeUnknownCache
	}
	return codeInternal
}

func preconditionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPrecondition, fmt.Sprintf(format, args...))
}

// isFatalTransport reports whether an error indicates a broken or unusable
// transport that should trigger a peer reset/redial.
// Timeouts and application errors are considered non-fatal.
func isFatalTransport(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTimeout) {
		return false
	}

	if errors.Is(err, ErrPeerClosed) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return !nerr.Timeout()
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	return false
}
