package chat_test

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/MegaGrindStone/med-research-ui/internal/chat"
	"github.com/MegaGrindStone/med-research-ui/internal/models"
)

type streamItem struct {
	event models.StreamEvent
	err   error
}

type mockBackend struct {
	items []streamItem

	// proceed, if set, is received from before the stream yields anything.
	proceed chan struct{}
	// started, if set, is closed once the stream was requested.
	started chan struct{}

	resetErr error

	uploadRes      models.UploadResult
	uploadErr      error
	uploadProgress []int

	mu       sync.Mutex
	messages []string
	// transcriptLens records the transcript length observed when a request was issued.
	transcriptLens []int
	controller     *chat.Controller
}

type mockStore struct {
	mu       sync.Mutex
	messages []models.ChatMessage
	adds     int
	updates  int
	replaces int
	err      error
}

type apiError struct{ msg string }

func (e apiError) Error() string { return "api error: " + e.msg }
func (e apiError) APIMessage() string { return e.msg }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newController(t *testing.T, b *mockBackend, opts chat.Options) *chat.Controller {
	t.Helper()

	c, err := chat.NewController(context.Background(), b, opts, discardLogger())
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	b.controller = c
	return c
}

func streamOf(contents ...string) []streamItem {
	items := make([]streamItem, len(contents))
	for i, c := range contents {
		items[i] = streamItem{event: models.StreamEvent{Type: models.StreamEventTypeStream, Content: c}}
	}
	return items
}

func TestNewController(t *testing.T) {
	t.Run("Seeds greeting", func(t *testing.T) {
		store := &mockStore{}
		c := newController(t, &mockBackend{}, chat.Options{Greeting: "Welcome", Store: store})

		s := c.State()
		if len(s.Messages) != 1 {
			t.Fatalf("messages len = %d, want 1", len(s.Messages))
		}
		if s.Messages[0].Role != models.RoleAssistant || s.Messages[0].Content != "Welcome" {
			t.Errorf("seeded message = %+v, want assistant greeting", s.Messages[0])
		}
		if s.Phase != chat.PhaseIdle || s.Responding {
			t.Errorf("state = %+v, want idle and not responding", s)
		}
		if len(store.messages) != 1 {
			t.Errorf("stored messages len = %d, want 1", len(store.messages))
		}
	})

	t.Run("Restores stored transcript", func(t *testing.T) {
		store := &mockStore{messages: []models.ChatMessage{
			{ID: "1", Role: models.RoleAssistant, Content: "Hi"},
			{ID: "2", Role: models.RoleUser, Content: "What is sepsis?"},
		}}
		c := newController(t, &mockBackend{}, chat.Options{Store: store})

		if got := len(c.State().Messages); got != 2 {
			t.Errorf("messages len = %d, want 2", got)
		}
	})

	t.Run("Store failure", func(t *testing.T) {
		store := &mockStore{err: errors.New("disk full")}
		if _, err := chat.NewController(context.Background(), &mockBackend{}, chat.Options{Store: store},
			discardLogger()); err == nil {
			t.Error("NewController() error = nil, want error")
		}
	})
}

func TestSendMessageEmpty(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t"} {
		b := &mockBackend{items: streamOf("A")}
		c := newController(t, b, chat.Options{})

		if err := c.SendMessage(context.Background(), text); err != nil {
			t.Errorf("SendMessage(%q) error = %v", text, err)
		}
		if got := len(c.State().Messages); got != 1 {
			t.Errorf("SendMessage(%q) messages len = %d, want 1", text, got)
		}
		if len(b.messages) != 0 {
			t.Errorf("SendMessage(%q) issued %d requests, want none", text, len(b.messages))
		}
	}
}

func TestSendMessageFoldsChunks(t *testing.T) {
	tests := []struct {
		name  string
		items []streamItem
		want  string
	}{
		{
			name:  "Two chunks",
			items: streamOf("A", "B"),
			want:  "AB",
		},
		{
			name: "Unknown and final events are ignored",
			items: []streamItem{
				{event: models.StreamEvent{Type: models.StreamEventTypeStream, Content: "Metformin "}},
				{event: models.StreamEvent{Type: "progress", Content: "50%"}},
				{event: models.StreamEvent{Type: models.StreamEventTypeStream, Content: "lowers glucose."}},
				{event: models.StreamEvent{Type: models.StreamEventTypeError, Content: "quota"}},
				{event: models.StreamEvent{Type: models.StreamEventTypeFinal, Content: "something else"}},
			},
			want: "Metformin lowers glucose.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockStore{}
			b := &mockBackend{items: tt.items}
			c := newController(t, b, chat.Options{Store: store})

			if err := c.SendMessage(context.Background(), "  question  "); err != nil {
				t.Fatalf("SendMessage() error = %v", err)
			}

			s := c.State()
			if len(s.Messages) != 3 {
				t.Fatalf("messages = %+v, want greeting, question and one answer", s.Messages)
			}
			if s.Messages[1].Role != models.RoleUser || s.Messages[1].Content != "question" {
				t.Errorf("user message = %+v, want trimmed question", s.Messages[1])
			}
			if s.Messages[2].Role != models.RoleAssistant || s.Messages[2].Content != tt.want {
				t.Errorf("assistant message = %+v, want content %q", s.Messages[2], tt.want)
			}
			if s.Responding || s.Streaming || s.Phase != chat.PhaseIdle || !s.Idle() {
				t.Errorf("state after send = %+v, want idle", s)
			}
			if b.messages[0] != "question" {
				t.Errorf("backend message = %q, want %q", b.messages[0], "question")
			}

			if got := store.messages[len(store.messages)-1].Content; got != tt.want {
				t.Errorf("stored answer = %q, want %q", got, tt.want)
			}
			if len(store.messages) != 3 {
				t.Errorf("stored messages len = %d, want 3", len(store.messages))
			}
		})
	}
}

func TestSendMessageAppendsUserMessageFirst(t *testing.T) {
	b := &mockBackend{items: streamOf("A")}
	c := newController(t, b, chat.Options{})

	if err := c.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if len(b.transcriptLens) != 1 || b.transcriptLens[0] != 2 {
		t.Errorf("transcript lengths at request = %v, want [2]", b.transcriptLens)
	}
}

func TestSendMessageNetworkError(t *testing.T) {
	b := &mockBackend{items: []streamItem{
		{event: models.StreamEvent{Type: models.StreamEventTypeStream, Content: "Partial"}},
		{err: errors.New("connection reset")},
	}}
	c := newController(t, b, chat.Options{})

	if err := c.SendMessage(context.Background(), "q"); err != nil {
		t.Fatalf("SendMessage() error = %v, want nil", err)
	}

	s := c.State()
	last := s.Messages[len(s.Messages)-1]
	if last.Role != models.RoleAssistant || last.Content != chat.SendErrorMessage {
		t.Errorf("last message = %+v, want error notice", last)
	}
	if len(s.Messages) != 4 {
		t.Errorf("messages len = %d, want greeting, question, partial answer and error", len(s.Messages))
	}
	if s.Responding {
		t.Error("Responding = true after failed stream, want false")
	}

	// The controller accepts the next message after a failure.
	b.items = streamOf("ok")
	if err := c.SendMessage(context.Background(), "again"); err != nil {
		t.Fatalf("SendMessage() after failure error = %v", err)
	}
	if got := c.State().Messages; got[len(got)-1].Content != "ok" {
		t.Errorf("last message = %+v, want the new answer", got[len(got)-1])
	}
}

func TestSendMessageRespondingTransitions(t *testing.T) {
	b := &mockBackend{items: streamOf("A", "B")}
	c := newController(t, b, chat.Options{})

	var mu sync.Mutex
	var phases []chat.Phase
	var responding []bool
	c.Subscribe(func(prev, next chat.State) {
		mu.Lock()
		defer mu.Unlock()
		if prev.Phase != next.Phase {
			phases = append(phases, next.Phase)
		}
		if prev.Responding != next.Responding {
			responding = append(responding, next.Responding)
		}
	})

	if err := c.SendMessage(context.Background(), "q"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	wantPhases := []chat.Phase{chat.PhaseSending, chat.PhaseStreaming, chat.PhaseIdle}
	if !equal(phases, wantPhases) {
		t.Errorf("phases = %v, want %v", phases, wantPhases)
	}
	if !equal(responding, []bool{true, false}) {
		t.Errorf("responding transitions = %v, want [true false]", responding)
	}
}

func TestSendMessageBusy(t *testing.T) {
	b := &mockBackend{
		items:   streamOf("A"),
		proceed: make(chan struct{}),
		started: make(chan struct{}),
	}
	c := newController(t, b, chat.Options{})

	done := make(chan error, 1)
	go func() {
		done <- c.SendMessage(context.Background(), "first")
	}()
	<-b.started

	if !c.State().Responding {
		t.Error("Responding = false while streaming, want true")
	}
	if err := c.SendMessage(context.Background(), "second"); !errors.Is(err, chat.ErrBusy) {
		t.Errorf("concurrent SendMessage() error = %v, want ErrBusy", err)
	}
	if err := c.Reset(context.Background()); !errors.Is(err, chat.ErrBusy) {
		t.Errorf("Reset() while streaming error = %v, want ErrBusy", err)
	}
	if err := c.Upload(context.Background(), "a.pdf", strings.NewReader("x")); !errors.Is(err, chat.ErrBusy) {
		t.Errorf("Upload() while streaming error = %v, want ErrBusy", err)
	}

	close(b.proceed)
	if err := <-done; err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	s := c.State()
	if len(s.Messages) != 3 {
		t.Errorf("messages len = %d, want 3 (the second message must not be appended)", len(s.Messages))
	}
}

func TestReset(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		store := &mockStore{}
		b := &mockBackend{
			items: streamOf("answer"),
			uploadRes: models.UploadResult{
				Response: "File processed",
				Filename: "trial.pdf",
				Keywords: []string{"statins"},
			},
		}
		c := newController(t, b, chat.Options{Greeting: "Hello", ResetGreeting: "Fresh start", Store: store})

		_ = c.Upload(context.Background(), "trial.pdf", strings.NewReader("pdf"))
		_ = c.SendMessage(context.Background(), "q")

		if err := c.Reset(context.Background()); err != nil {
			t.Fatalf("Reset() error = %v", err)
		}

		s := c.State()
		if len(s.Messages) != 1 || s.Messages[0].Content != "Fresh start" ||
			s.Messages[0].Role != models.RoleAssistant {
			t.Fatalf("messages after reset = %+v, want only the reset greeting", s.Messages)
		}
		if s.UploadedFileName != "" || s.UploadProgress != 0 || len(s.Keywords) != 0 {
			t.Errorf("upload state after reset = %q/%d/%v, want cleared",
				s.UploadedFileName, s.UploadProgress, s.Keywords)
		}
		if len(store.messages) != 1 || store.replaces != 2 {
			t.Errorf("store after reset: %d messages, %d replaces; want 1 message, 2 replaces",
				len(store.messages), store.replaces)
		}
	})

	t.Run("Failure keeps history", func(t *testing.T) {
		b := &mockBackend{items: streamOf("answer"), resetErr: errors.New("unreachable")}
		c := newController(t, b, chat.Options{})
		_ = c.SendMessage(context.Background(), "q")
		before := len(c.State().Messages)

		if err := c.Reset(context.Background()); err != nil {
			t.Fatalf("Reset() error = %v", err)
		}

		s := c.State()
		if len(s.Messages) != before+1 {
			t.Fatalf("messages len = %d, want %d", len(s.Messages), before+1)
		}
		if last := s.Messages[len(s.Messages)-1]; last.Content != chat.ResetErrorMessage {
			t.Errorf("last message = %+v, want reset error notice", last)
		}
		if !s.Idle() {
			t.Error("controller still busy after failed reset")
		}
	})
}

func TestUpload(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		b := &mockBackend{
			uploadProgress: []int{10, 55, 40, 100},
			uploadRes: models.UploadResult{
				Response: "File 'cohort.pdf' processed successfully!",
				Keywords: []string{"cohort", "diabetes"},
				SimilarArticles: []models.Article{
					{Title: "Diabetes cohorts", Authors: "D. Kim", Link: "https://example.org/a"},
				},
			},
		}
		c := newController(t, b, chat.Options{})

		var mu sync.Mutex
		var progress []int
		c.Subscribe(func(prev, next chat.State) {
			mu.Lock()
			defer mu.Unlock()
			if next.UploadProgress != prev.UploadProgress {
				progress = append(progress, next.UploadProgress)
			}
		})

		if err := c.Upload(context.Background(), "cohort.pdf", strings.NewReader("pdf")); err != nil {
			t.Fatalf("Upload() error = %v", err)
		}

		s := c.State()
		if s.UploadedFileName != "cohort.pdf" || s.UploadProgress != 100 {
			t.Errorf("upload state = %q/%d, want cohort.pdf/100", s.UploadedFileName, s.UploadProgress)
		}
		if !equal(s.Keywords, []string{"cohort", "diabetes"}) {
			t.Errorf("keywords = %v", s.Keywords)
		}
		if len(s.Messages) != 3 {
			t.Fatalf("messages = %+v, want greeting, response and articles", s.Messages)
		}
		if s.Messages[1].Content != "File 'cohort.pdf' processed successfully!" {
			t.Errorf("response message = %q", s.Messages[1].Content)
		}
		if !strings.Contains(s.Messages[2].Content, "[Diabetes cohorts](https://example.org/a)") {
			t.Errorf("articles message = %q", s.Messages[2].Content)
		}

		mu.Lock()
		defer mu.Unlock()
		if !equal(progress, []int{10, 55, 100}) {
			t.Errorf("progress = %v, want [10 55 100]", progress)
		}
	})

	t.Run("Failure", func(t *testing.T) {
		b := &mockBackend{uploadProgress: []int{30}, uploadErr: apiError{msg: "No file provided"}}
		c := newController(t, b, chat.Options{})

		if err := c.Upload(context.Background(), "empty.pdf", strings.NewReader("")); err != nil {
			t.Fatalf("Upload() error = %v", err)
		}

		s := c.State()
		if s.UploadedFileName != "" || s.UploadProgress != 0 {
			t.Errorf("upload state = %q/%d, want cleared", s.UploadedFileName, s.UploadProgress)
		}
		want := chat.UploadErrorMessage + ": No file provided"
		if last := s.Messages[len(s.Messages)-1]; last.Content != want {
			t.Errorf("last message = %q, want %q", last.Content, want)
		}
	})
}

func TestSetInputClearedOnSubmit(t *testing.T) {
	b := &mockBackend{items: streamOf("A")}
	c := newController(t, b, chat.Options{})

	c.SetInput("draft question")
	if got := c.State().Input; got != "draft question" {
		t.Fatalf("Input = %q, want draft", got)
	}
	_ = c.SendMessage(context.Background(), "draft question")
	if got := c.State().Input; got != "" {
		t.Errorf("Input = %q after submit, want empty", got)
	}
}

func equal[T comparable](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (m *mockBackend) Stream(_ context.Context, message string) iter.Seq2[models.StreamEvent, error] {
	return func(yield func(models.StreamEvent, error) bool) {
		m.mu.Lock()
		m.messages = append(m.messages, message)
		if m.controller != nil {
			m.transcriptLens = append(m.transcriptLens, len(m.controller.State().Messages))
		}
		items := m.items
		m.mu.Unlock()

		if m.started != nil {
			close(m.started)
		}
		if m.proceed != nil {
			<-m.proceed
		}

		for _, it := range items {
			if !yield(it.event, it.err) {
				return
			}
			if it.err != nil {
				return
			}
		}
	}
}

func (m *mockBackend) Reset(context.Context) error {
	return m.resetErr
}

func (m *mockBackend) Upload(
	_ context.Context,
	_ string,
	r io.Reader,
	progress func(int),
) (models.UploadResult, error) {
	_, _ = io.ReadAll(r)
	for _, p := range m.uploadProgress {
		progress(p)
	}
	return m.uploadRes, m.uploadErr
}

func (s *mockStore) Messages(context.Context) ([]models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]models.ChatMessage(nil), s.messages...), nil
}

func (s *mockStore) AddMessage(_ context.Context, msg models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adds++
	s.messages = append(s.messages, msg)
	return s.err
}

func (s *mockStore) UpdateMessage(_ context.Context, msg models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	for i := range s.messages {
		if s.messages[i].ID == msg.ID {
			s.messages[i] = msg
		}
	}
	return s.err
}

func (s *mockStore) ReplaceMessages(_ context.Context, msgs []models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaces++
	s.messages = append([]models.ChatMessage(nil), msgs...)
	return s.err
}
