package envelope

import (
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/nodebus/internal/runtime/topology"
)

// Payload is the closed set of values an envelope can carry.
type Payload interface {
	Kind() Kind
	isPayload()
}

// HeartBeat is the keep-alive every service emits.
type HeartBeat struct {
	Sequence uint64 `json:"sequence"`
	Note     string `json:"note,omitempty"`
}

// SpeechRecognition asks the audio node to listen for a grammar.
type SpeechRecognition struct {
	Grammar string        `json:"grammar"`
	Phrases []string      `json:"phrases,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// RecognitionResult reports what was recognised.
type RecognitionResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// SpeechSynthesis asks the speech node to say something.
type SpeechSynthesis struct {
	SSML  string `json:"ssml"`
	Voice string `json:"voice,omitempty"`
}

// Reset tells a node to drop its in-flight work and return to idle.
type Reset struct {
	Reason string `json:"reason,omitempty"`
}

// Cancel aborts a single in-flight operation.
type Cancel struct {
	Operation string `json:"operation"`
	Reason    string `json:"reason,omitempty"`
}

// Generic carries free-form structured data.
type Generic struct {
	Value *structpb.Struct
}

// NewGeneric builds a Generic payload from a plain map.
func NewGeneric(fields map[string]any) (Generic, error) {
	value, err := structpb.NewStruct(fields)
	if err != nil {
		return Generic{}, err
	}
	return Generic{Value: value}, nil
}

func (g Generic) MarshalJSON() ([]byte, error) {
	if g.Value == nil {
		return []byte("{}"), nil
	}
	return protojson.Marshal(g.Value)
}

func (g *Generic) UnmarshalJSON(data []byte) error {
	value := &structpb.Struct{}
	if err := protojson.Unmarshal(data, value); err != nil {
		return err
	}
	g.Value = value
	return nil
}

// Schedule asks the scheduler to publish Inner, a marshalled broker message,
// on RouteKey once WakeTime has passed.
type Schedule struct {
	WakeTime time.Time         `json:"wake_time"`
	RouteKey topology.RouteKey `json:"route_key"`
	Inner    []byte            `json:"inner"`
}

func (HeartBeat) Kind() Kind         { return KindHeartBeat }
func (SpeechRecognition) Kind() Kind { return KindSpeechRecognition }
func (RecognitionResult) Kind() Kind { return KindRecognitionResult }
func (SpeechSynthesis) Kind() Kind   { return KindSpeechSynthesis }
func (Reset) Kind() Kind             { return KindReset }
func (Cancel) Kind() Kind            { return KindCancel }
func (Generic) Kind() Kind           { return KindGeneric }
func (Schedule) Kind() Kind          { return KindSchedule }

func (HeartBeat) isPayload()         {}
func (SpeechRecognition) isPayload() {}
func (RecognitionResult) isPayload() {}
func (SpeechSynthesis) isPayload()   {}
func (Reset) isPayload()             {}
func (Cancel) isPayload()            {}
func (Generic) isPayload()           {}
func (Schedule) isPayload()          {}
