package lifecycle

import (
	"sync"
	"time"
)

// Signal is a one-shot completion signal. Raising it more than once is a
// no-op.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Raise fires the signal.
func (s *Signal) Raise() {
	s.once.Do(func() { close(s.ch) })
}

// Done is closed once the signal has been raised.
func (s *Signal) Done() <-chan struct{} { return s.ch }

// Raised reports whether Raise has been called.
func (s *Signal) Raised() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// WaitAll waits up to timeout for every signal and reports whether all of
// them were raised in time.
func WaitAll(timeout time.Duration, signals ...*Signal) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for _, s := range signals {
		if s == nil {
			continue
		}
		select {
		case <-s.Done():
		case <-deadline.C:
			return false
		}
	}
	return true
}
