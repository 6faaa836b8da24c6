package handlers

import (
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	"strings"

	"github.com/MegaGrindStone/med-research-ui/internal/chat"
	"github.com/tmaxmax/go-sse"
)

type progress struct {
	Filename   string
	Percent    int
	Keywords   []string
	Uploading  bool
	Responding bool
}

// SSE event types for real-time updates.
var (
	transcriptSSEType = sse.Type("transcript")
	progressSSEType   = sse.Type("progress")
	voiceSSEType      = sse.Type("voice")
	recognizerSSEType = sse.Type("recognizer")
	closeSSEType      = sse.Type("closeChat")
)

// voiceLanguages are the recognition languages offered by the page.
var voiceLanguages = []string{"en-US", "en-GB", "es-ES", "fr-FR", "de-DE", "it-IT", "pt-BR"}

var templateFuncs = template.FuncMap{
	"join":           strings.Join,
	"voiceLanguages": func() []string { return voiceLanguages },
}

// maxUploadSize bounds the request body of a document upload.
const maxUploadSize = 50 << 20

// HandleChats accepts a typed message through the "message" form field and starts streaming the
// answer in the background; the transcript reaches the page through the SSE stream. A blank message
// is accepted and ignored. While another operation is running the request is refused with 409.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := strings.TrimSpace(r.FormValue("message"))
	if msg == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !m.chat.State().Idle() {
		http.Error(w, chat.ErrBusy.Error(), http.StatusConflict)
		return
	}

	m.startSend(msg, "form")
	w.WriteHeader(http.StatusNoContent)
}

// HandleReset resets the backend session. The outcome, a fresh greeting or an error notice, is
// reflected in the transcript.
func (m Main) HandleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := m.chat.Reset(r.Context()); err != nil {
		m.writeOperationError(w, "reset", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleUpload forwards the PDF in the multipart "file" field to the backend. Progress is pushed
// over the SSE stream while the document is sent.
func (m Main) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		m.logger.Error("Failed to read uploaded file", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "File is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	if !strings.EqualFold(filepath.Ext(filename), ".pdf") {
		http.Error(w, "Only PDF files are supported", http.StatusBadRequest)
		return
	}

	if err := m.chat.Upload(r.Context(), filename, file); err != nil {
		m.writeOperationError(w, "upload", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSSE subscribes the client to transcript, progress, voice and recognizer updates.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

func (m Main) writeOperationError(w http.ResponseWriter, operation string, err error) {
	if errors.Is(err, chat.ErrBusy) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	m.logger.Error("Operation failed",
		slog.String("operation", operation),
		slog.String(errLoggerKey, err.Error()))
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// chatChanged follows the chat's transitions: it mirrors the suppression flag into voice mode and
// pushes the parts of the page that changed.
func (m Main) chatChanged(prev, next chat.State) {
	if prev.Responding != next.Responding {
		m.voice.SetResponding(next.Responding)
	}

	if !slices.Equal(prev.Messages, next.Messages) || prev.Phase != next.Phase {
		if err := m.publishTranscript(next); err != nil {
			m.logger.Error("Failed to publish transcript", slog.String(errLoggerKey, err.Error()))
		}
	}

	if p := progressOf(next); !equalProgress(progressOf(prev), p) {
		if err := m.publishProgress(p); err != nil {
			m.logger.Error("Failed to publish progress", slog.String(errLoggerKey, err.Error()))
		}
	}
}

func (m Main) publishTranscript(st chat.State) error {
	msgs, err := m.renderMessages(st)
	if err != nil {
		return err
	}

	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "messages", msgs); err != nil {
		return fmt.Errorf("error executing messages template: %w", err)
	}

	msg := sse.Message{Type: transcriptSSEType}
	msg.AppendData(sb.String())
	if err := m.sseSrv.Publish(&msg); err != nil {
		return fmt.Errorf("error publishing transcript: %w", err)
	}
	return nil
}

func (m Main) publishProgress(p progress) error {
	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "progress", p); err != nil {
		return fmt.Errorf("error executing progress template: %w", err)
	}

	msg := sse.Message{Type: progressSSEType}
	msg.AppendData(sb.String())
	if err := m.sseSrv.Publish(&msg); err != nil {
		return fmt.Errorf("error publishing progress: %w", err)
	}
	return nil
}

func progressOf(st chat.State) progress {
	return progress{
		Filename:   st.UploadedFileName,
		Percent:    st.UploadProgress,
		Keywords:   st.Keywords,
		Uploading:  st.Operation == chat.OperationUpload,
		Responding: st.Responding,
	}
}

func equalProgress(a, b progress) bool {
	return a.Filename == b.Filename &&
		a.Percent == b.Percent &&
		slices.Equal(a.Keywords, b.Keywords) &&
		a.Uploading == b.Uploading &&
		a.Responding == b.Responding
}
