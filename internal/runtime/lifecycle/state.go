package lifecycle

import "fmt"

// State is the lifecycle state of a Service. States only move forward.
type State int32

const (
	StateCreated State = iota
	StateConfigured
	StateRunning
	StateStopRequested
	StateStopped
)

var stateNames = [...]string{"Created", "Configured", "Running", "StopRequested", "Stopped"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateStopped }

// Stopping reports whether a stop has been requested or completed.
func (s State) Stopping() bool { return s >= StateStopRequested }
