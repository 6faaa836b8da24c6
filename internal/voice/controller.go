package voice

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Options configures a Controller.
type Options struct {
	// Factory creates the recognizer of every session. Required.
	Factory Factory
	// Submit receives every finalized transcript accepted while not responding. It's called outside
	// of the controller's lock, from the goroutine pumping recognizer events, so it must not block
	// for long.
	Submit func(text string)
	// OnChange is called with the latest status after every change.
	OnChange func(Status)
	// Clock schedules restarts. The wall clock is used if nil.
	Clock Clock
	// RestartDelay is the delay between the end of a session and its restart.
	RestartDelay time.Duration
}

// Controller drives a continuous voice capture session. It restarts the recognizer when it ends or
// fails, drops finalized transcripts while a response is being generated, and recreates the
// recognizer whenever the language or the responding flag changes.
type Controller struct {
	factory      Factory
	submit       func(string)
	onChange     func(Status)
	clock        Clock
	restartDelay time.Duration

	mu         sync.Mutex
	enabled    bool
	language   string
	responding bool
	listening  bool
	interim    string
	state      SessionState
	sess       *session
	gen        uint64
	restart    Timer
	restartSeq uint64

	notifyMu sync.Mutex
	pumps    sync.WaitGroup

	logger *slog.Logger
}

type session struct {
	gen  uint64
	rec  Recognizer
	done chan struct{}
}

// ErrNoFactory is returned by NewController when no recognizer factory was configured.
var ErrNoFactory = errors.New("recognizer factory is required")

const errLoggerKey = "error"

// NewController creates a disabled Controller.
func NewController(opts Options, logger *slog.Logger) (*Controller, error) {
	if opts.Factory == nil {
		return nil, ErrNoFactory
	}
	c := &Controller{
		factory:      opts.Factory,
		submit:       opts.Submit,
		onChange:     opts.OnChange,
		clock:        opts.Clock,
		restartDelay: opts.RestartDelay,
		state:        StateStopped,
		logger:       logger.With(slog.String("module", "voice")),
	}
	if c.clock == nil {
		c.clock = realClock{}
	}
	return c, nil
}

// Enable turns voice mode on with the given language tag and starts a recognizer session. Enabling
// an enabled controller with another language recreates the session. If the session can't be
// started, voice mode stays off and the error is returned.
func (c *Controller) Enable(language string) error {
	c.mu.Lock()
	if c.enabled && c.language == language {
		c.mu.Unlock()
		return nil
	}
	c.enabled = true
	c.language = language
	err := c.openLocked()
	if err != nil {
		c.enabled = false
	}
	c.mu.Unlock()

	c.changed()
	return err
}

// Disable turns voice mode off. The session is detached before the recognizer is stopped, so events
// it emits while stopping are ignored, and a pending restart is cancelled.
func (c *Controller) Disable() {
	c.mu.Lock()
	wasEnabled := c.enabled
	c.enabled = false
	c.closeLocked()
	c.mu.Unlock()

	if wasEnabled {
		c.changed()
	}
}

// SetLanguage changes the language tag, recreating the session if voice mode is on.
func (c *Controller) SetLanguage(language string) {
	c.mu.Lock()
	if c.language == language {
		c.mu.Unlock()
		return
	}
	c.language = language
	c.reconfigureLocked()
	c.mu.Unlock()

	c.changed()
}

// SetResponding mirrors the chat's suppression flag. A change recreates the session if voice mode
// is on.
func (c *Controller) SetResponding(responding bool) {
	c.mu.Lock()
	if c.responding == responding {
		c.mu.Unlock()
		return
	}
	c.responding = responding
	c.reconfigureLocked()
	c.mu.Unlock()

	c.changed()
}

// Status returns the current status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.statusLocked()
}

// Close disables voice mode and waits for the event pumps to return.
func (c *Controller) Close() {
	c.Disable()
	c.pumps.Wait()
}

func (c *Controller) statusLocked() Status {
	return Status{
		Enabled:    c.enabled,
		Listening:  c.listening,
		Responding: c.responding,
		State:      c.state,
		Interim:    c.interim,
		Language:   c.language,
	}
}

func (c *Controller) reconfigureLocked() {
	if !c.enabled {
		return
	}
	if err := c.openLocked(); err != nil {
		c.logger.Error("Failed to recreate recognizer session",
			slog.String("language", c.language),
			slog.String(errLoggerKey, err.Error()))
		c.enabled = false
	}
}

func (c *Controller) openLocked() error {
	c.closeLocked()

	rec, err := c.factory(RecognizerConfig{
		Language:       c.language,
		Continuous:     true,
		InterimResults: true,
	})
	if err != nil {
		c.state = StateErrored
		return fmt.Errorf("error creating recognizer: %w", err)
	}

	c.gen++
	s := &session{gen: c.gen, rec: rec, done: make(chan struct{})}
	c.sess = s
	c.state = StateStarting

	c.pumps.Add(1)
	go c.pump(s)

	if err := rec.Start(); err != nil {
		c.closeLocked()
		c.state = StateErrored
		return fmt.Errorf("error starting recognizer: %w", err)
	}

	c.logger.Debug("Recognizer session opened",
		slog.Uint64("session", s.gen),
		slog.String("language", c.language))
	return nil
}

func (c *Controller) closeLocked() {
	c.stopRestartLocked()

	if s := c.sess; s != nil {
		c.sess = nil
		close(s.done)
		if err := s.rec.Stop(); err != nil {
			c.logger.Warn("Failed to stop recognizer",
				slog.Uint64("session", s.gen),
				slog.String(errLoggerKey, err.Error()))
		}
	}

	c.listening = false
	c.interim = ""
	c.state = StateStopped
}

func (c *Controller) pump(s *session) {
	defer c.pumps.Done()

	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.rec.Events():
			if !ok {
				return
			}
			c.handle(s.gen, ev)
		}
	}
}

func (c *Controller) handle(gen uint64, ev Event) {
	c.mu.Lock()
	if c.sess == nil || c.sess.gen != gen {
		c.mu.Unlock()
		return
	}

	var submit string
	switch ev.Kind {
	case EventStart:
		c.listening = true
		c.state = StateListening
	case EventResult:
		if !ev.Final {
			c.interim = ev.Transcript
			break
		}
		c.interim = ""
		text := strings.TrimSpace(ev.Transcript)
		if text == "" {
			break
		}
		if c.responding {
			c.logger.Debug("Dropping final transcript while responding", slog.String("transcript", text))
			break
		}
		submit = text
	case EventError:
		if ev.Error == ErrorNoSpeech || ev.Error == ErrorAborted {
			c.logger.Debug("Recognizer reported", slog.String(errLoggerKey, ev.Error))
			break
		}
		c.logger.Warn("Recognizer failed", slog.String(errLoggerKey, ev.Error))
		c.listening = false
		c.state = StateErrored
		c.scheduleRestartLocked(gen)
	case EventEnd:
		c.listening = false
		if c.state != StateErrored {
			c.state = StateEnded
		}
		if !c.responding {
			c.scheduleRestartLocked(gen)
		}
	default:
		c.logger.Debug("Ignoring recognizer event", slog.String("kind", string(ev.Kind)))
	}
	c.mu.Unlock()

	c.changed()
	if submit != "" && c.submit != nil {
		c.submit(submit)
	}
}

func (c *Controller) scheduleRestartLocked(gen uint64) {
	if !c.enabled || c.restart != nil {
		return
	}
	c.restartSeq++
	seq := c.restartSeq
	c.restart = c.clock.AfterFunc(c.restartDelay, func() {
		c.restartSession(gen, seq)
	})
}

func (c *Controller) stopRestartLocked() {
	if c.restart != nil {
		c.restart.Stop()
		c.restart = nil
	}
}

func (c *Controller) restartSession(gen, seq uint64) {
	c.mu.Lock()
	if c.restartSeq == seq {
		c.restart = nil
	}
	s := c.sess
	if !c.enabled || s == nil || s.gen != gen {
		c.mu.Unlock()
		return
	}

	c.state = StateStarting
	if err := s.rec.Start(); err != nil {
		c.logger.Error("Failed to restart recognizer",
			slog.Uint64("session", gen),
			slog.String(errLoggerKey, err.Error()))
		c.state = StateErrored
	}
	c.mu.Unlock()

	c.changed()
}

func (c *Controller) changed() {
	if c.onChange == nil {
		return
	}

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.onChange(c.Status())
}
