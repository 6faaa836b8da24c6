package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/MegaGrindStone/med-research-ui/internal/models"
)

// Backend is the research assistant API the controller talks to.
type Backend interface {
	Stream(ctx context.Context, message string) iter.Seq2[models.StreamEvent, error]
	Reset(ctx context.Context) error
	Upload(ctx context.Context, filename string, r io.Reader, progress func(percent int)) (models.UploadResult, error)
}

// Store mirrors the transcript into persistent storage. The controller calls it with every change
// of the transcript, in order.
type Store interface {
	Messages(ctx context.Context) ([]models.ChatMessage, error)
	AddMessage(ctx context.Context, message models.ChatMessage) error
	UpdateMessage(ctx context.Context, message models.ChatMessage) error
	ReplaceMessages(ctx context.Context, messages []models.ChatMessage) error
}

// Observer is notified after every transition with the state before and after it. Observers are
// called in transition order, outside of the controller's state lock, but they must not start a new
// transition synchronously.
type Observer func(prev, next State)

// Options configures a Controller.
type Options struct {
	// Greeting seeds an empty transcript.
	Greeting string
	// ResetGreeting seeds the transcript after a successful reset. Greeting is used if empty.
	ResetGreeting string
	// Store mirrors the transcript. Nothing is persisted if nil.
	Store Store
}

// Controller owns the chat transcript and the suppression flag. Every change goes through a
// transition of State, applied under a lock and mirrored into the Store.
type Controller struct {
	backend Backend
	store   Store

	greeting      string
	resetGreeting string

	mu      sync.Mutex
	state   State
	pending []change

	// notifyMu serialises observer calls; whoever holds it drains pending in transition order.
	notifyMu  sync.Mutex
	observers []Observer

	logger *slog.Logger
}

// ErrBusy is returned when an operation is requested while another one is still in flight.
var ErrBusy = errors.New("another operation is in progress")

// Messages appended to the transcript when an operation fails.
const (
	SendErrorMessage   = "Error sending message"
	ResetErrorMessage  = "Error resetting session"
	UploadErrorMessage = "Error uploading file"

	DefaultGreeting = "Hello! I'm your medical research assistant. Upload a PDF or ask me a question."

	errLoggerKey = "error"
)

// NewController creates a Controller. If the store holds a transcript, it's restored; otherwise the
// transcript is seeded with the greeting and stored.
func NewController(ctx context.Context, backend Backend, opts Options, logger *slog.Logger) (*Controller, error) {
	c := &Controller{
		backend:       backend,
		store:         opts.Store,
		greeting:      opts.Greeting,
		resetGreeting: opts.ResetGreeting,
		logger:        logger.With(slog.String("module", "chat")),
	}
	if c.greeting == "" {
		c.greeting = DefaultGreeting
	}
	if c.resetGreeting == "" {
		c.resetGreeting = c.greeting
	}
	if c.store == nil {
		c.store = nopStore{}
	}

	msgs, err := c.store.Messages(ctx)
	if err != nil {
		return nil, fmt.Errorf("error restoring transcript: %w", err)
	}
	if len(msgs) > 0 {
		c.state = State{Messages: msgs, Phase: PhaseIdle}
		return c, nil
	}

	c.state = Seeded(models.NewChatMessage(models.RoleAssistant, c.greeting))
	if err := c.store.ReplaceMessages(ctx, c.state.Messages); err != nil {
		return nil, fmt.Errorf("error storing greeting: %w", err)
	}
	return c, nil
}

// Subscribe registers an observer for all following transitions.
func (c *Controller) Subscribe(o Observer) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.observers = append(c.observers, o)
}

// State returns a copy of the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state.clone()
}

// SetInput updates the input buffer.
func (c *Controller) SetInput(text string) {
	c.dispatch(InputChanged{Text: text})
}

// SendMessage submits text as a user message and streams the assistant's answer into the transcript,
// folding every partial piece into a single assistant message. It blocks until the stream ends.
//
// Empty text is ignored. ErrBusy is returned if another operation is in flight. Any other failure is
// reported in the transcript and nil is returned. The suppression flag is set for the whole call.
func (c *Controller) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	if err := c.begin(Submitted{Message: models.NewChatMessage(models.RoleUser, text)}); err != nil {
		return err
	}
	defer c.dispatch(SendFinished{})

	placeholder := models.NewChatMessage(models.RoleAssistant, "")
	var fullResponse strings.Builder

	for ev, err := range c.backend.Stream(ctx, text) {
		if err != nil {
			c.logger.Error("Failed to stream response", slog.String(errLoggerKey, err.Error()))
			c.dispatch(SendFailed{Message: models.NewChatMessage(models.RoleAssistant, SendErrorMessage)})
			return nil
		}

		switch ev.Type {
		case models.StreamEventTypeStream:
			fullResponse.WriteString(ev.Content)
			c.dispatch(ChunkReceived{Accumulated: fullResponse.String(), Placeholder: placeholder})
		case models.StreamEventTypeError:
			c.logger.Warn("Backend reported a stream error", slog.String("content", ev.Content))
		default:
			c.logger.Debug("Ignoring stream event", slog.String("type", string(ev.Type)))
		}
	}

	return nil
}

// Reset asks the backend for a fresh session. On success the transcript is replaced with the reset
// greeting and the upload state is cleared; on failure an error notice is appended and the history is
// kept. ErrBusy is returned if another operation is in flight.
func (c *Controller) Reset(ctx context.Context) error {
	if err := c.begin(ResetStarted{}); err != nil {
		return err
	}

	if err := c.backend.Reset(ctx); err != nil {
		c.logger.Error("Failed to reset session", slog.String(errLoggerKey, err.Error()))
		c.dispatch(ResetFailed{Message: models.NewChatMessage(models.RoleAssistant, ResetErrorMessage)})
		return nil
	}

	c.dispatch(ResetSucceeded{Greeting: models.NewChatMessage(models.RoleAssistant, c.resetGreeting)})
	return nil
}

// Upload sends the document to the backend, reporting progress through the state. On success the
// backend's response and the list of similar articles are appended to the transcript. ErrBusy is
// returned if another operation is in flight.
func (c *Controller) Upload(ctx context.Context, filename string, r io.Reader) error {
	if err := c.begin(UploadStarted{Filename: filename}); err != nil {
		return err
	}

	res, err := c.backend.Upload(ctx, filename, r, func(percent int) {
		c.dispatch(UploadProgressed{Percent: percent})
	})
	if err != nil {
		c.logger.Error("Failed to upload file",
			slog.String("filename", filename),
			slog.String(errLoggerKey, err.Error()))

		notice := UploadErrorMessage
		var apiErr interface{ APIMessage() string }
		if errors.As(err, &apiErr) && apiErr.APIMessage() != "" {
			notice = fmt.Sprintf("%s: %s", UploadErrorMessage, apiErr.APIMessage())
		}
		c.dispatch(UploadFailed{Message: models.NewChatMessage(models.RoleAssistant, notice)})
		return nil
	}

	var msgs []models.ChatMessage
	if res.Response != "" {
		msgs = append(msgs, models.NewChatMessage(models.RoleAssistant, res.Response))
	}
	if articles := models.RenderArticles(res.SimilarArticles); articles != "" {
		msgs = append(msgs, models.NewChatMessage(models.RoleAssistant, articles))
	}
	c.dispatch(UploadSucceeded{Result: res, Messages: msgs})
	return nil
}

// begin applies ev if no operation is in flight, and ErrBusy otherwise.
func (c *Controller) begin(ev Event) error {
	return c.transition(ev, true)
}

func (c *Controller) dispatch(ev Event) {
	_ = c.transition(ev, false)
}

func (c *Controller) transition(ev Event, requireIdle bool) error {
	c.mu.Lock()
	if requireIdle && !c.state.Idle() {
		c.mu.Unlock()
		return ErrBusy
	}

	prev := c.state
	next := Reduce(prev, ev)
	c.state = next
	c.persist(prev.Messages, next.Messages)
	c.pending = append(c.pending, change{prev: prev, next: next})
	c.mu.Unlock()

	c.notify()
	return nil
}

type change struct {
	prev, next State
}

func (c *Controller) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, ch := range batch {
		for _, o := range c.observers {
			o(ch.prev.clone(), ch.next.clone())
		}
	}
}

// persist mirrors the difference between two transcripts into the store. Transcripts either grow,
// change their last message in place, or get replaced by a reset.
func (c *Controller) persist(prev, next []models.ChatMessage) {
	ctx := context.Background()

	if len(next) < len(prev) || (len(prev) > 0 && len(next) > 0 && prev[0].ID != next[0].ID) {
		if err := c.store.ReplaceMessages(ctx, next); err != nil {
			c.logger.Error("Failed to replace stored messages", slog.String(errLoggerKey, err.Error()))
		}
		return
	}

	for i := range prev {
		if prev[i].ID == next[i].ID && prev[i].Content == next[i].Content {
			continue
		}
		if err := c.store.UpdateMessage(ctx, next[i]); err != nil {
			c.logger.Error("Failed to update stored message",
				slog.String("messageID", next[i].ID),
				slog.String(errLoggerKey, err.Error()))
		}
	}
	for _, msg := range next[len(prev):] {
		if err := c.store.AddMessage(ctx, msg); err != nil {
			c.logger.Error("Failed to add stored message",
				slog.String("messageID", msg.ID),
				slog.String(errLoggerKey, err.Error()))
		}
	}
}

type nopStore struct{}

func (nopStore) Messages(context.Context) ([]models.ChatMessage, error) { return nil, nil }

func (nopStore) AddMessage(context.Context, models.ChatMessage) error { return nil }

func (nopStore) UpdateMessage(context.Context, models.ChatMessage) error { return nil }

func (nopStore) ReplaceMessages(context.Context, []models.ChatMessage) error { return nil }
