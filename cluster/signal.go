package cluster

import (
	"context"
	"sync/atomic"
)

// Outcome is the terminal state of a Signal.
type Outcome int32

const (
	Pending Outcome = iota
	Succeeded
	Failed
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Signal is a single-assignment completion result. It resolves exactly once
// to Succeeded, Failed(cause) or Cancelled; every later resolve attempt is a
// no-op. Resolution is safe from any number of goroutines.
type Signal struct {
	claimed atomic.Bool
	done    chan struct{}
	// written once by the resolving goroutine before done is closed
	outcome Outcome
	err     error
}

func newSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

func (s *Signal) resolve(o Outcome, err error) bool {
	if !s.claimed.CompareAndSwap(false, true) {
		return false
	}
	s.outcome, s.err = o, err
	close(s.done)
	return true
}

func (s *Signal) succeed() bool         { return s.resolve(Succeeded, nil) }
func (s *Signal) fail(cause error) bool { return s.resolve(Failed, cause) }
func (s *Signal) cancel() bool          { return s.resolve(Cancelled, nil) }

// Done is closed once the signal has resolved.
func (s *Signal) Done() <-chan struct{} { return s.done }

// IsDone reports whether the signal has resolved.
func (s *Signal) IsDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Result polls the signal. It returns Pending and a nil error while
// unresolved.
func (s *Signal) Result() (Outcome, error) {
	select {
	case <-s.done:
		return s.outcome, s.err
	default:
		return Pending, nil
	}
}

// Err returns the failure cause, or nil unless the signal resolved Failed.
func (s *Signal) Err() error {
	_, err := s.Result()
	return err
}

// Wait blocks until the signal resolves or ctx is done. On ctx expiry it
// returns Pending with ctx's error.
func (s *Signal) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-s.done:
		return s.outcome, s.err
	case <-ctx.Done():
		return Pending, ctx.Err()
	}
}
