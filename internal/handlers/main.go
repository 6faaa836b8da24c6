package handlers

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"sync"
	"time"

	medwebui "github.com/MegaGrindStone/med-research-ui"
	"github.com/MegaGrindStone/med-research-ui/internal/chat"
	"github.com/MegaGrindStone/med-research-ui/internal/voice"
	"github.com/tmaxmax/go-sse"
)

// Chat is the chat controller the handlers drive. Its state is rendered into the pages and pushed
// to connected clients on every transition.
type Chat interface {
	State() chat.State
	Subscribe(o chat.Observer)
	SendMessage(ctx context.Context, text string) error
	Reset(ctx context.Context) error
	Upload(ctx context.Context, filename string, r io.Reader) error
}

// VoiceConfig configures the voice mode of the web interface.
type VoiceConfig struct {
	// Language is the recognition language tag the page starts with.
	Language string
	// RestartDelay is the delay before an ended recognizer session is restarted.
	RestartDelay time.Duration
	// Clock schedules restarts. The wall clock is used if nil.
	Clock voice.Clock
}

// Main handles the web interface: it renders the pages, pushes transcript, upload progress and voice
// updates over server-sent events, and bridges the browser's speech recognizer to the voice
// controller.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	chat    Chat
	voice   *voice.Controller
	bridge  *recognizerBridge
	defLang string

	// ctx outlives requests; sends started from voice or the chat form run under it.
	ctx     context.Context
	cancel  context.CancelFunc
	sending *sync.WaitGroup

	logger *slog.Logger
}

const errLoggerKey = "error"

// NewMain creates a new Main for the chat controller. It parses the templates from the embedded
// filesystem, creates the voice controller backed by the browser recognizer bridge, and subscribes to
// the chat's transitions so that every connected client follows the transcript.
func NewMain(chatCtl Chat, voiceCfg VoiceConfig, logger *slog.Logger) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.New("").Funcs(templateFuncs).ParseFS(
		medwebui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, fmt.Errorf("error parsing templates: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := Main{
		sseSrv:    &sse.Server{OnSession: subscribeSession},
		templates: tmpl,
		chat:      chatCtl,
		defLang:   voiceCfg.Language,
		ctx:       ctx,
		cancel:    cancel,
		sending:   &sync.WaitGroup{},
		logger:    logger.With(slog.String("module", "main")),
	}
	m.bridge = newRecognizerBridge(m.publishRecognizer)

	vc, err := voice.NewController(voice.Options{
		Factory:      m.bridge.New,
		Submit:       m.submitTranscript,
		OnChange:     m.publishVoice,
		Clock:        voiceCfg.Clock,
		RestartDelay: voiceCfg.RestartDelay,
	}, logger)
	if err != nil {
		cancel()
		return Main{}, fmt.Errorf("error creating voice controller: %w", err)
	}
	m.voice = vc
	m.voice.SetLanguage(voiceCfg.Language)

	chatCtl.Subscribe(m.chatChanged)

	return m, nil
}

// Shutdown gracefully terminates the Main instance. It stops voice mode, cancels sends still in
// flight, broadcasts a close message to all connected clients and waits up to 5 seconds for
// connections to terminate. After the timeout, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	m.voice.Close()
	m.cancel()
	m.sending.Wait()

	e := &sse.Message{Type: closeSSEType}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// submitTranscript routes a finalized voice transcript into the chat. It runs the send on its own
// goroutine, as it blocks until the answer is streamed and the recognizer pump must keep going.
func (m Main) submitTranscript(text string) {
	m.startSend(text, "voice")
}

func (m Main) startSend(text, source string) {
	m.sending.Add(1)
	go func() {
		defer m.sending.Done()

		if err := m.chat.SendMessage(m.ctx, text); err != nil {
			m.logger.Warn("Message not sent",
				slog.String("source", source),
				slog.String(errLoggerKey, err.Error()))
		}
	}()
}
