package handlers

import (
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/med-research-ui/internal/chat"
	"github.com/MegaGrindStone/med-research-ui/internal/models"
	"github.com/MegaGrindStone/med-research-ui/internal/voice"
)

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Timestamp time.Time

	StreamingState string
}

type homePageData struct {
	Messages []message
	Progress progress
	Voice    voice.Status
}

// HandleHome renders the chat page with the current transcript, upload state and voice status.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := m.chat.State()
	msgs, err := m.renderMessages(st)
	if err != nil {
		m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := homePageData{
		Messages: msgs,
		Progress: progressOf(st),
		Voice:    m.voice.Status(),
	}
	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to execute home template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// renderMessages converts the transcript into its view. Assistant messages are markdown, user
// messages are shown as typed. While a send waits for its first partial answer, a loading message
// is appended.
func (m Main) renderMessages(st chat.State) ([]message, error) {
	msgs := make([]message, 0, len(st.Messages)+1)
	for i, cm := range st.Messages {
		msg := message{
			ID:             cm.ID,
			Role:           string(cm.Role),
			Timestamp:      cm.Timestamp,
			StreamingState: models.StreamingStateEnded,
		}

		switch cm.Role {
		case models.RoleAssistant:
			content, err := models.RenderMarkdown(cm.Content)
			if err != nil {
				return nil, fmt.Errorf("error rendering message %s: %w", cm.ID, err)
			}
			msg.Content = template.HTML(content)
			if st.Streaming && i == len(st.Messages)-1 {
				msg.StreamingState = models.StreamingStateStreaming
			}
		default:
			msg.Content = template.HTML(template.HTMLEscapeString(cm.Content))
		}

		msgs = append(msgs, msg)
	}

	if st.Phase == chat.PhaseSending {
		msgs = append(msgs, message{
			ID:             "pending",
			Role:           string(models.RoleAssistant),
			StreamingState: models.StreamingStateLoading,
		})
	}

	return msgs, nil
}
