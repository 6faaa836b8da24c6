package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/MegaGrindStone/med-research-ui/internal/voice"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// recognizerBridge implements voice recognizers on top of the page's speech recognition. Commands
// are published over SSE to the page that turned voice mode on; the page posts the recognizer
// callbacks back to HandleVoiceEvents, addressed by recognizer ID.
type recognizerBridge struct {
	publish func(client string, cmd recognizerCommand) error

	mu sync.Mutex
	// client is the page running the recognizers created from now on. Empty means every page.
	client string
	active map[string]*browserRecognizer
}

type browserRecognizer struct {
	id     string
	client string
	cfg    voice.RecognizerConfig
	events chan voice.Event
	bridge *recognizerBridge
}

type recognizerCommand struct {
	ID             string `json:"id"`
	Action         string `json:"action"`
	Language       string `json:"language,omitempty"`
	Continuous     bool   `json:"continuous"`
	InterimResults bool   `json:"interimResults"`
}

type recognizerEvent struct {
	RecognizerID string `json:"recognizer_id"`
	Kind         string `json:"kind"`
	Transcript   string `json:"transcript"`
	Final        bool   `json:"final"`
	Error        string `json:"error"`
}

var (
	errUnknownRecognizer = errors.New("unknown recognizer")
	errRecognizerBusy    = errors.New("recognizer event buffer is full")
)

const recognizerEventBuffer = 32

func newRecognizerBridge(publish func(client string, cmd recognizerCommand) error) *recognizerBridge {
	return &recognizerBridge{
		publish: publish,
		active:  make(map[string]*browserRecognizer),
	}
}

// claim hands the recognizers created from now on to the given page. It reports whether the page
// changed.
func (b *recognizerBridge) claim(client string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client == client {
		return false
	}
	b.client = client
	return true
}

// New creates a recognizer the claiming page will construct on its first start command.
func (b *recognizerBridge) New(cfg voice.RecognizerConfig) (voice.Recognizer, error) {
	r := &browserRecognizer{
		id:     uuid.New().String(),
		cfg:    cfg,
		events: make(chan voice.Event, recognizerEventBuffer),
		bridge: b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	r.client = b.client
	b.active[r.id] = r
	return r, nil
}

func (b *recognizerBridge) deliver(id string, ev voice.Event) error {
	b.mu.Lock()
	r, ok := b.active[id]
	b.mu.Unlock()
	if !ok {
		return errUnknownRecognizer
	}

	select {
	case r.events <- ev:
		return nil
	default:
		return errRecognizerBusy
	}
}

func (r *browserRecognizer) Start() error {
	return r.bridge.publish(r.client, recognizerCommand{
		ID:             r.id,
		Action:         "start",
		Language:       r.cfg.Language,
		Continuous:     r.cfg.Continuous,
		InterimResults: r.cfg.InterimResults,
	})
}

// Stop forgets the recognizer before asking the page to stop it, so callbacks fired while stopping
// are refused.
func (r *browserRecognizer) Stop() error {
	r.bridge.mu.Lock()
	delete(r.bridge.active, r.id)
	r.bridge.mu.Unlock()

	return r.bridge.publish(r.client, recognizerCommand{ID: r.id, Action: "stop"})
}

func (r *browserRecognizer) Events() <-chan voice.Event {
	return r.events
}

// HandleVoice turns voice mode on or off through the "enabled" form field and changes the
// recognition language through the "language" field. The page enabling voice mode identifies itself
// with the "client" field, the ID it subscribed to HandleSSE with, and runs the recognizers from then
// on. It answers with the resulting voice status.
func (m Main) HandleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	language := r.FormValue("language")
	if language == "" {
		language = m.voice.Status().Language
	}
	if language == "" {
		language = m.defLang
	}

	if raw := r.FormValue("enabled"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, "Invalid enabled value", http.StatusBadRequest)
			return
		}
		if enabled {
			if m.bridge.claim(r.FormValue("client")) {
				// The running recognizer belongs to another page.
				m.voice.Disable()
			}
			if err := m.voice.Enable(language); err != nil {
				m.logger.Error("Failed to enable voice mode", slog.String(errLoggerKey, err.Error()))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		} else {
			m.voice.Disable()
		}
	}
	m.voice.SetLanguage(language)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m.voice.Status()); err != nil {
		m.logger.Error("Failed to encode voice status", slog.String(errLoggerKey, err.Error()))
	}
}

// HandleVoiceEvents receives the callbacks of a page recognizer. Events addressed to a recognizer
// that was stopped or never existed are refused with 410, which tells the page to drop it.
func (m Main) HandleVoiceEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var ev recognizerEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, fmt.Sprintf("Invalid event: %v", err), http.StatusBadRequest)
		return
	}
	if ev.RecognizerID == "" || ev.Kind == "" {
		http.Error(w, "recognizer_id and kind are required", http.StatusBadRequest)
		return
	}

	err := m.bridge.deliver(ev.RecognizerID, voice.Event{
		Kind:       voice.EventKind(ev.Kind),
		Transcript: ev.Transcript,
		Final:      ev.Final,
		Error:      ev.Error,
	})
	switch {
	case errors.Is(err, errUnknownRecognizer):
		http.Error(w, err.Error(), http.StatusGone)
	case errors.Is(err, errRecognizerBusy):
		m.logger.Warn("Dropping recognizer event",
			slog.String("recognizerID", ev.RecognizerID),
			slog.String("kind", ev.Kind))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (m Main) publishRecognizer(client string, cmd recognizerCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("error marshaling recognizer command: %w", err)
	}

	var topics []string
	if client != "" {
		topics = append(topics, clientTopic(client))
	}

	msg := sse.Message{Type: recognizerSSEType}
	msg.AppendData(string(data))
	if err := m.sseSrv.Publish(&msg, topics...); err != nil {
		return fmt.Errorf("error publishing recognizer command: %w", err)
	}
	return nil
}

func (m Main) publishVoice(st voice.Status) {
	data, err := json.Marshal(st)
	if err != nil {
		m.logger.Error("Failed to marshal voice status", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: voiceSSEType}
	msg.AppendData(string(data))
	if err := m.sseSrv.Publish(&msg); err != nil {
		m.logger.Error("Failed to publish voice status", slog.String(errLoggerKey, err.Error()))
	}
}

// subscribeSession subscribes a page to the broadcast topic, and to its own topic if it sent a
// "client" ID. The response headers are flushed right away so the page's EventSource opens before the
// first event is published.
func subscribeSession(sess *sse.Session) (sse.Subscription, bool) {
	topics := []string{sse.DefaultTopic}
	if client := sess.Req.URL.Query().Get("client"); client != "" {
		topics = append(topics, clientTopic(client))
	}

	if err := sess.Flush(); err != nil {
		return sse.Subscription{}, false
	}

	return sse.Subscription{
		Client:      sess,
		LastEventID: sess.LastEventID,
		Topics:      topics,
	}, true
}

func clientTopic(client string) string {
	return "client:" + client
}
