package voice

import "time"

// EventKind is the kind of event a recognizer emits.
type EventKind string

// Event is one callback of the speech recognizer, delivered on its Events channel.
type Event struct {
	Kind EventKind `json:"kind"`
	// Transcript is the recognized text of a result event.
	Transcript string `json:"transcript,omitempty"`
	// Final is true for a result the recognizer considers complete.
	Final bool `json:"final,omitempty"`
	// Error is the error kind of an error event, like "no-speech" or "network".
	Error string `json:"error,omitempty"`
}

// RecognizerConfig is fixed at construction time of a recognizer.
type RecognizerConfig struct {
	Language       string
	Continuous     bool
	InterimResults bool
}

// Recognizer is a speech recognition capability. Start may be called again after the recognizer
// emitted an end event. Events must stay open for the lifetime of the recognizer.
type Recognizer interface {
	Start() error
	Stop() error
	Events() <-chan Event
}

// Factory creates a recognizer for the given configuration.
type Factory func(cfg RecognizerConfig) (Recognizer, error)

// Timer is a pending call scheduled on a Clock.
type Timer interface {
	Stop() bool
}

// Clock schedules delayed calls.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// SessionState is the position of the recognizer session state machine.
type SessionState string

// Status is a snapshot of the voice controller.
type Status struct {
	Enabled    bool         `json:"enabled"`
	Listening  bool         `json:"listening"`
	Responding bool         `json:"responding"`
	State      SessionState `json:"state"`
	Interim    string       `json:"interim"`
	Language   string       `json:"language"`
}

type realClock struct{}

const (
	EventStart  EventKind = "start"
	EventResult EventKind = "result"
	EventError  EventKind = "error"
	EventEnd    EventKind = "end"

	// ErrorNoSpeech is reported when the recognizer heard nothing for a while; it stays open.
	ErrorNoSpeech = "no-speech"
	// ErrorAborted is reported by a recognizer that was stopped on purpose.
	ErrorAborted = "aborted"

	StateStopped   SessionState = "stopped"
	StateStarting  SessionState = "starting"
	StateListening SessionState = "listening"
	StateEnded     SessionState = "ended"
	StateErrored   SessionState = "errored"
)

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
