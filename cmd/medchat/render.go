package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MegaGrindStone/med-research-ui/internal/chat"
	"github.com/MegaGrindStone/med-research-ui/internal/models"
	"github.com/charmbracelet/lipgloss"
)

var (
	userLabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	assistantLabelStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("135")).
				Bold(true)

	messageContentStyle = lipgloss.NewStyle().
				PaddingLeft(2)

	progressStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	keywordStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("212")).
			Bold(true)
)

// renderer prints the transcript as it changes. The assistant message being streamed is written
// piece by piece as its content grows.
type renderer struct {
	mu  sync.Mutex
	out io.Writer

	// hideUser leaves user messages out, for when the user just typed them.
	hideUser bool

	// seen is the number of messages printed in full.
	seen int
	// streamingID is the message currently written piece by piece, and written how much of it.
	streamingID string
	written     int

	lastPercent int
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out}
}

// skip marks the first n messages as printed.
func (r *renderer) skip(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seen = n
}

func (r *renderer) observe(prev, next chat.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.renderProgress(prev, next)

	if len(next.Messages) < r.seen || (r.seen > 0 && len(prev.Messages) > 0 && len(next.Messages) > 0 &&
		prev.Messages[0].ID != next.Messages[0].ID) {
		r.seen = 0
		r.streamingID = ""
		fmt.Fprintln(r.out, progressStyle.Render("── new session ──"))
	}

	for i := r.seen; i < len(next.Messages); i++ {
		msg := next.Messages[i]
		last := i == len(next.Messages)-1

		if last && next.Streaming && msg.Role == models.RoleAssistant {
			if r.streamingID != msg.ID {
				r.streamingID = msg.ID
				r.written = 0
				fmt.Fprintln(r.out, label(msg.Role))
				fmt.Fprint(r.out, "  ")
			}
			r.writeDelta(msg.Content)
			return
		}

		if msg.ID == r.streamingID {
			r.writeDelta(msg.Content)
			fmt.Fprint(r.out, "\n\n")
			r.streamingID = ""
		} else {
			r.print(msg)
		}
		r.seen = i + 1
	}
}

func (r *renderer) writeDelta(content string) {
	if r.written > len(content) {
		r.written = 0
	}
	delta := content[r.written:]
	r.written = len(content)
	fmt.Fprint(r.out, strings.ReplaceAll(delta, "\n", "\n  "))
}

func (r *renderer) print(msg models.ChatMessage) {
	if msg.Role == models.RoleUser && r.hideUser {
		return
	}
	fmt.Fprintln(r.out, label(msg.Role))
	fmt.Fprintln(r.out, messageContentStyle.Render(msg.Content))
	fmt.Fprintln(r.out)
}

func (r *renderer) renderProgress(prev, next chat.State) {
	uploading := next.Operation == chat.OperationUpload
	if uploading && (prev.Operation != chat.OperationUpload || next.UploadProgress != r.lastPercent) {
		r.lastPercent = next.UploadProgress
		fmt.Fprintf(r.out, "\r%s", progressStyle.Render(
			fmt.Sprintf("Uploading %s… %3d%%", next.UploadedFileName, next.UploadProgress)))
	}
	if !uploading && prev.Operation == chat.OperationUpload {
		r.lastPercent = 0
		fmt.Fprintln(r.out)
		if len(next.Keywords) > 0 {
			fmt.Fprintln(r.out, keywordStyle.Render("Keywords: "+strings.Join(next.Keywords, ", ")))
		}
	}
}

func label(role models.Role) string {
	if role == models.RoleUser {
		return userLabelStyle.Render("You")
	}
	return assistantLabelStyle.Render("Assistant")
}
