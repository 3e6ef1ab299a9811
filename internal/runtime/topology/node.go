package topology

import "strings"

// NodeID names an addressable component on the bus.
type NodeID int

const (
	Unidentified NodeID = iota
	Controller
	Environment
	Memory
	Speech
	Audio
	Video
	I2C
	Console
	Syslog
	Scheduler
	Broadcast
)

var nodeNames = [...]string{
	Unidentified: "Unidentified",
	Controller:   "Controller",
	Environment:  "Environment",
	Memory:       "Memory",
	Speech:       "Speech",
	Audio:        "Audio",
	Video:        "Video",
	I2C:          "I2C",
	Console:      "Console",
	Syslog:       "Syslog",
	Scheduler:    "Scheduler",
	Broadcast:    "Broadcast",
}

func (n NodeID) String() string {
	if n < 0 || int(n) >= len(nodeNames) {
		return nodeNames[Unidentified]
	}
	return nodeNames[n]
}

// Known reports whether n names an addressable node. Unidentified is the
// fallback value and never addressable.
func (n NodeID) Known() bool {
	return n > Unidentified && int(n) < len(nodeNames)
}

// ParseNodeID resolves a node name case-insensitively. Unknown names yield
// Unidentified and false.
func ParseNodeID(name string) (NodeID, bool) {
	for i, candidate := range nodeNames {
		if i == int(Unidentified) {
			continue
		}
		if strings.EqualFold(candidate, name) {
			return NodeID(i), true
		}
	}
	return Unidentified, false
}

// AllNodes lists every addressable node in catalogue order.
func AllNodes() []NodeID {
	out := make([]NodeID, 0, len(nodeNames)-1)
	for i := 1; i < len(nodeNames); i++ {
		out = append(out, NodeID(i))
	}
	return out
}

func (n NodeID) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *NodeID) UnmarshalText(text []byte) error {
	*n, _ = ParseNodeID(string(text))
	return nil
}
