package envelope

import (
	"strconv"
	"strings"
)

// Kind tags the payload carried by an envelope.
type Kind int

const (
	KindUnknown           Kind = 0
	KindReset             Kind = 1000
	KindCancel            Kind = 1100
	KindSpeechRecognition Kind = 5000
	KindRecognitionResult Kind = 5010
	KindSpeechSynthesis   Kind = 6000
	KindGeneric           Kind = 7000
	KindSchedule          Kind = 8000
	KindHeartBeat         Kind = 9000
)

var kindNames = map[Kind]string{
	KindReset:             "Reset",
	KindCancel:            "Cancel",
	KindSpeechRecognition: "SpeechRecognition",
	KindRecognitionResult: "RecognitionResult",
	KindSpeechSynthesis:   "SpeechSynthesis",
	KindGeneric:           "Generic",
	KindSchedule:          "Schedule",
	KindHeartBeat:         "HeartBeat",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown(" + strconv.Itoa(int(k)) + ")"
}

// ParseKind accepts either the kind name or its numeric code.
func ParseKind(s string) (Kind, bool) {
	if n, err := strconv.Atoi(s); err == nil {
		k := Kind(n)
		_, ok := kindNames[k]
		return k, ok
	}
	for k, name := range kindNames {
		if strings.EqualFold(name, s) {
			return k, true
		}
	}
	return KindUnknown, false
}

// Status reports the progress of the operation an envelope refers to.
type Status int

const (
	StatusPending Status = iota
	StatusOK
	StatusContinue
	StatusWarning
	StatusCritical
	StatusFatal
)

var statusNames = [...]string{"Pending", "OK", "Continue", "Warning", "Critical", "Fatal"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "Status(" + strconv.Itoa(int(s)) + ")"
	}
	return statusNames[s]
}

// ParseStatus resolves a status name; unknown names yield StatusPending.
func ParseStatus(s string) Status {
	for i, name := range statusNames {
		if strings.EqualFold(name, s) {
			return Status(i)
		}
	}
	return StatusPending
}
