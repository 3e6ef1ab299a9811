package envelope

import (
	"time"

	"github.com/drblury/nodebus/internal/runtime/ids"
	"github.com/drblury/nodebus/internal/runtime/topology"
)

// Headers are free-form string attributes carried next to the routing
// metadata, for example trace context.
type Headers map[string]string

// Clone returns a shallow copy; a nil receiver yields an empty map.
func (h Headers) Clone() Headers {
	cloned := make(Headers, len(h))
	for k, v := range h {
		cloned[k] = v
	}
	return cloned
}

// With returns a copy of h containing key=value.
func (h Headers) With(key, value string) Headers {
	cloned := h.Clone()
	cloned[key] = value
	return cloned
}

// Envelope is the unit exchanged between nodes.
//
// Destination is set by the caller. ID, Origin and EnqueuedAt are stamped by
// the sending endpoint; values set by the caller are overwritten.
type Envelope struct {
	ID          string
	Destination topology.RouteKey
	Origin      topology.NodeID
	EnqueuedAt  time.Time
	Status      Status
	Headers     Headers
	Payload     Payload
}

// New builds an unstamped envelope for dest.
func New(dest topology.RouteKey, payload Payload) *Envelope {
	return &Envelope{Destination: dest, Payload: payload}
}

// Kind returns the payload kind, or KindUnknown when no payload is set.
func (e *Envelope) Kind() Kind {
	if e == nil || e.Payload == nil {
		return KindUnknown
	}
	return e.Payload.Kind()
}

// Stamp records the sender and the send time and assigns a fresh ULID whose
// timestamp matches at.
func (e *Envelope) Stamp(origin topology.NodeID, at time.Time) {
	e.Origin = origin
	e.EnqueuedAt = at
	e.ID = ids.CreateULIDAt(at)
}

// Clone returns a copy that shares the payload value but not the headers.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	cloned := *e
	if e.Headers != nil {
		cloned.Headers = e.Headers.Clone()
	}
	return &cloned
}

// Latency is the time between EnqueuedAt and now, never negative.
func (e *Envelope) Latency(now time.Time) time.Duration {
	if e.EnqueuedAt.IsZero() {
		return 0
	}
	if d := now.Sub(e.EnqueuedAt); d > 0 {
		return d
	}
	return 0
}
