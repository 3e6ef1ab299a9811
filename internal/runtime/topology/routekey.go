package topology

import (
	"fmt"
	"strings"

	errspkg "github.com/drblury/nodebus/internal/runtime/errors"
)

// Wildcard matches exactly one route key segment.
const Wildcard = "*"

// RouteKey addresses a message as "<to>.<from>". The same form is used as a
// subscription pattern, where "*" in a segment means any node.
type RouteKey string

// NewRouteKey builds the key for a message from one node to another.
func NewRouteKey(to, from NodeID) RouteKey {
	return RouteKey(to.String() + "." + from.String())
}

// SelfPattern is the pattern every node binds: anything addressed to it.
func SelfPattern(node NodeID) RouteKey {
	return RouteKey(node.String() + "." + Wildcard)
}

func (k RouteKey) String() string { return string(k) }

// IsZero reports whether the key is empty.
func (k RouteKey) IsZero() bool { return strings.TrimSpace(string(k)) == "" }

// Segments splits the key into its destination and source parts.
func (k RouteKey) Segments() (to, from string) {
	to, from, _ = strings.Cut(string(k), ".")
	return to, from
}

// Destination resolves the "<to>" segment to a known node.
func (k RouteKey) Destination() (NodeID, error) {
	if k.IsZero() {
		return Unidentified, errspkg.ErrNoDestination
	}
	to, _ := k.Segments()
	node, ok := ParseNodeID(to)
	if !ok {
		return Unidentified, fmt.Errorf("%w: %q", errspkg.ErrUnknownDestination, string(k))
	}
	return node, nil
}

// Source resolves the "<from>" segment. Wildcards and unknown names yield
// Unidentified.
func (k RouteKey) Source() NodeID {
	_, from := k.Segments()
	node, _ := ParseNodeID(from)
	return node
}
