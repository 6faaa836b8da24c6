package chat

import (
	"slices"

	"github.com/MegaGrindStone/med-research-ui/internal/models"
)

// State is a snapshot of the chat held by the Controller. Values returned by the Controller are
// copies and may be kept by the caller.
type State struct {
	Messages []models.ChatMessage
	Input    string

	Phase Phase
	// Operation is the backend operation in flight, if any. Only one runs at a time.
	Operation Operation
	// Responding is the suppression flag: true from the moment a message is dispatched until its
	// stream completes or fails.
	Responding bool
	// Streaming is true once the first partial answer of the current turn arrived.
	Streaming bool

	UploadedFileName string
	UploadProgress   int
	Keywords         []string
	SimilarArticles  []models.Article
}

// Phase is the position of the send state machine: Idle, Sending, Streaming, Error.
type Phase string

// Operation names a backend operation that owns the controller while it runs.
type Operation string

const (
	PhaseIdle      Phase = "idle"
	PhaseSending   Phase = "sending"
	PhaseStreaming Phase = "streaming"
	PhaseError     Phase = "error"

	OperationNone   Operation = ""
	OperationSend   Operation = "send"
	OperationReset  Operation = "reset"
	OperationUpload Operation = "upload"
)

// Event is a transition of the chat state.
type Event interface {
	apply(s State) State
}

// Submitted is the acceptance of a user message. The message is appended before anything is sent.
type Submitted struct {
	Message models.ChatMessage
}

// ChunkReceived carries the accumulated answer after a partial piece arrived. Placeholder is the
// message appended if the transcript doesn't end with an assistant message yet; its Content is
// replaced by Accumulated.
type ChunkReceived struct {
	Accumulated string
	Placeholder models.ChatMessage
}

// SendFailed appends the error notice of a failed stream.
type SendFailed struct {
	Message models.ChatMessage
}

// SendFinished ends the send operation, whatever its outcome.
type SendFinished struct{}

// ResetStarted marks a session reset as in flight.
type ResetStarted struct{}

// ResetSucceeded replaces the transcript with a fresh greeting and clears the upload state.
type ResetSucceeded struct {
	Greeting models.ChatMessage
}

// ResetFailed appends an error notice and keeps the transcript.
type ResetFailed struct {
	Message models.ChatMessage
}

// UploadStarted marks a document upload as in flight.
type UploadStarted struct {
	Filename string
}

// UploadProgressed reports the upload percentage. Progress never goes backwards.
type UploadProgressed struct {
	Percent int
}

// UploadSucceeded records the backend's analysis of the uploaded document and appends Messages.
type UploadSucceeded struct {
	Result   models.UploadResult
	Messages []models.ChatMessage
}

// UploadFailed appends an error notice and clears the upload state.
type UploadFailed struct {
	Message models.ChatMessage
}

// InputChanged updates the input buffer.
type InputChanged struct {
	Text string
}

// Seeded returns the initial state holding only the greeting.
func Seeded(greeting models.ChatMessage) State {
	return State{
		Messages: []models.ChatMessage{greeting},
		Phase:    PhaseIdle,
	}
}

// Reduce applies the event to a copy of s and returns the new state. s is left untouched.
func Reduce(s State, ev Event) State {
	return ev.apply(s.clone())
}

func (s State) clone() State {
	s.Messages = slices.Clone(s.Messages)
	s.Keywords = slices.Clone(s.Keywords)
	s.SimilarArticles = slices.Clone(s.SimilarArticles)
	return s
}

// Idle reports whether no backend operation is in flight.
func (s State) Idle() bool {
	return s.Operation == OperationNone
}

func (e Submitted) apply(s State) State {
	if e.Message.Content == "" {
		return s
	}
	s.Messages = append(s.Messages, e.Message)
	s.Input = ""
	s.Operation = OperationSend
	s.Phase = PhaseSending
	s.Responding = true
	s.Streaming = false
	return s
}

func (e ChunkReceived) apply(s State) State {
	if n := len(s.Messages); n > 0 && s.Messages[n-1].Role == models.RoleAssistant {
		s.Messages[n-1].Content = e.Accumulated
	} else {
		msg := e.Placeholder
		msg.Role = models.RoleAssistant
		msg.Content = e.Accumulated
		s.Messages = append(s.Messages, msg)
	}
	s.Phase = PhaseStreaming
	s.Streaming = true
	return s
}

func (e SendFailed) apply(s State) State {
	s.Messages = append(s.Messages, e.Message)
	s.Phase = PhaseError
	s.Streaming = false
	return s
}

func (SendFinished) apply(s State) State {
	s.Operation = OperationNone
	s.Phase = PhaseIdle
	s.Responding = false
	s.Streaming = false
	return s
}

func (ResetStarted) apply(s State) State {
	s.Operation = OperationReset
	return s
}

func (e ResetSucceeded) apply(s State) State {
	s.Messages = []models.ChatMessage{e.Greeting}
	s.Operation = OperationNone
	s.Phase = PhaseIdle
	s.UploadedFileName = ""
	s.UploadProgress = 0
	s.Keywords = nil
	s.SimilarArticles = nil
	return s
}

func (e ResetFailed) apply(s State) State {
	s.Messages = append(s.Messages, e.Message)
	s.Operation = OperationNone
	return s
}

func (e UploadStarted) apply(s State) State {
	s.Operation = OperationUpload
	s.UploadedFileName = e.Filename
	s.UploadProgress = 0
	return s
}

func (e UploadProgressed) apply(s State) State {
	p := min(max(e.Percent, 0), 100)
	if p > s.UploadProgress {
		s.UploadProgress = p
	}
	return s
}

func (e UploadSucceeded) apply(s State) State {
	s.Messages = append(s.Messages, e.Messages...)
	s.Operation = OperationNone
	if e.Result.Filename != "" {
		s.UploadedFileName = e.Result.Filename
	}
	s.UploadProgress = 100
	s.Keywords = slices.Clone(e.Result.Keywords)
	s.SimilarArticles = slices.Clone(e.Result.SimilarArticles)
	return s
}

func (e UploadFailed) apply(s State) State {
	s.Messages = append(s.Messages, e.Message)
	s.Operation = OperationNone
	s.UploadedFileName = ""
	s.UploadProgress = 0
	return s
}

func (e InputChanged) apply(s State) State {
	s.Input = e.Text
	return s
}
