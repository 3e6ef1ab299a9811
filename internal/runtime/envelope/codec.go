package envelope

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/bytedance/sonic"

	"github.com/drblury/nodebus/broker"
	errspkg "github.com/drblury/nodebus/internal/runtime/errors"
	"github.com/drblury/nodebus/internal/runtime/topology"
)

// Metadata keys written on every broker message.
const (
	MetadataRouteKey    = broker.MetadataRoutingKey
	MetadataOrigin      = "nodebus_origin"
	MetadataEnqueuedAt  = "nodebus_enqueued_at"
	MetadataPayloadKind = "nodebus_payload_kind"
	MetadataStatus      = "nodebus_status"

	metadataPrefix = "nodebus_"
)

var jsonAPI = sonic.ConfigStd

// ToMessage encodes env as a Watermill message. The envelope ID becomes the
// message UUID and the payload is JSON.
func ToMessage(env *Envelope) (*message.Message, error) {
	if env == nil || env.Payload == nil {
		return nil, errspkg.ErrPayloadRequired
	}
	if env.Destination.IsZero() {
		return nil, errspkg.ErrNoDestination
	}
	body, err := jsonAPI.Marshal(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", env.Kind(), err)
	}

	msg := message.NewMessage(env.ID, body)
	for k, v := range env.Headers {
		msg.Metadata.Set(k, v)
	}
	msg.Metadata.Set(MetadataRouteKey, env.Destination.String())
	msg.Metadata.Set(MetadataOrigin, env.Origin.String())
	msg.Metadata.Set(MetadataPayloadKind, strconv.Itoa(int(env.Kind())))
	msg.Metadata.Set(MetadataStatus, env.Status.String())
	if !env.EnqueuedAt.IsZero() {
		msg.Metadata.Set(MetadataEnqueuedAt, strconv.FormatInt(env.EnqueuedAt.UnixNano(), 10))
	}
	return msg, nil
}

// FromMessage decodes a Watermill message produced by ToMessage. Metadata
// keys outside the nodebus namespace end up in Headers.
func FromMessage(msg *message.Message) (*Envelope, error) {
	if msg == nil {
		return nil, errspkg.ErrPayloadRequired
	}
	kind, ok := ParseKind(msg.Metadata.Get(MetadataPayloadKind))
	if !ok {
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownPayloadKind, msg.Metadata.Get(MetadataPayloadKind))
	}
	payload, err := decodePayload(kind, msg.Payload)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		ID:          msg.UUID,
		Destination: topology.RouteKey(msg.Metadata.Get(MetadataRouteKey)),
		Status:      ParseStatus(msg.Metadata.Get(MetadataStatus)),
		Payload:     payload,
	}
	env.Origin, _ = topology.ParseNodeID(msg.Metadata.Get(MetadataOrigin))
	if raw := msg.Metadata.Get(MetadataEnqueuedAt); raw != "" {
		nanos, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode enqueue time %q: %w", raw, err)
		}
		env.EnqueuedAt = time.Unix(0, nanos)
	}
	for k, v := range msg.Metadata {
		if strings.HasPrefix(k, metadataPrefix) {
			continue
		}
		if env.Headers == nil {
			env.Headers = Headers{}
		}
		env.Headers[k] = v
	}
	return env, nil
}

func decodePayload(kind Kind, body []byte) (Payload, error) {
	var err error
	switch kind {
	case KindHeartBeat:
		var p HeartBeat
		err = jsonAPI.Unmarshal(body, &p)
		return p, wrapDecode(kind, err)
	case KindSpeechRecognition:
		var p SpeechRecognition
		err = jsonAPI.Unmarshal(body, &p)
		return p, wrapDecode(kind, err)
	case KindRecognitionResult:
		var p RecognitionResult
		err = jsonAPI.Unmarshal(body, &p)
		return p, wrapDecode(kind, err)
	case KindSpeechSynthesis:
		var p SpeechSynthesis
		err = jsonAPI.Unmarshal(body, &p)
		return p, wrapDecode(kind, err)
	case KindReset:
		var p Reset
		err = jsonAPI.Unmarshal(body, &p)
		return p, wrapDecode(kind, err)
	case KindCancel:
		var p Cancel
		err = jsonAPI.Unmarshal(body, &p)
		return p, wrapDecode(kind, err)
	case KindGeneric:
		var p Generic
		err = p.UnmarshalJSON(body)
		return p, wrapDecode(kind, err)
	case KindSchedule:
		var p Schedule
		err = jsonAPI.Unmarshal(body, &p)
		return p, wrapDecode(kind, err)
	}
	return nil, fmt.Errorf("%w: %d", errspkg.ErrUnknownPayloadKind, int(kind))
}

func wrapDecode(kind Kind, err error) error {
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return nil
}

type wireMessage struct {
	UUID     string            `json:"uuid"`
	Metadata map[string]string `json:"metadata"`
	Payload  []byte            `json:"payload"`
}

// MarshalMessage serialises a broker message, metadata included, so it can
// be stored and later republished verbatim.
func MarshalMessage(msg *message.Message) ([]byte, error) {
	if msg == nil {
		return nil, errspkg.ErrPayloadRequired
	}
	return jsonAPI.Marshal(wireMessage{
		UUID:     msg.UUID,
		Metadata: msg.Metadata,
		Payload:  msg.Payload,
	})
}

// UnmarshalMessage restores a message written by MarshalMessage.
func UnmarshalMessage(data []byte) (*message.Message, error) {
	var wire wireMessage
	if err := jsonAPI.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode stored message: %w", err)
	}
	msg := message.NewMessage(wire.UUID, wire.Payload)
	for k, v := range wire.Metadata {
		msg.Metadata.Set(k, v)
	}
	return msg, nil
}

// NewScheduled wraps inner into a Schedule request addressed to the scheduler
// node. inner is stamped as sent by origin at now.
func NewScheduled(origin topology.NodeID, inner *Envelope, wake, now time.Time) (*Envelope, error) {
	if inner == nil {
		return nil, errspkg.ErrPayloadRequired
	}
	if _, err := inner.Destination.Destination(); err != nil {
		return nil, err
	}
	stamped := inner.Clone()
	stamped.Stamp(origin, now)
	msg, err := ToMessage(stamped)
	if err != nil {
		return nil, err
	}
	raw, err := MarshalMessage(msg)
	if err != nil {
		return nil, err
	}
	return New(topology.NewRouteKey(topology.Scheduler, origin), Schedule{
		WakeTime: wake,
		RouteKey: stamped.Destination,
		Inner:    raw,
	}), nil
}
