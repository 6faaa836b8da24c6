package models

import (
	"time"

	"github.com/google/uuid"
)

// ChatMessage represents a single entry of the chat transcript. It carries the participant's role,
// the text content and the time it was created. The ID is used to mirror in-place updates of the
// message into the store while a response is streamed into it.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed or spoken by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the assistant, including error notices.
	RoleAssistant Role = "assistant"
)

// StreamEvent is a single event decoded from the backend response stream. The backend frames each
// event as `data: <json>` followed by a blank line.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Content string          `json:"content"`
}

// StreamEventType represents the type of a stream event.
type StreamEventType string

const (
	// StreamEventTypeStream carries a partial piece of the assistant's answer.
	StreamEventTypeStream StreamEventType = "stream"
	// StreamEventTypeFinal carries the complete answer once the backend finished generating it.
	StreamEventTypeFinal StreamEventType = "final"
	// StreamEventTypeError carries a backend-side failure description.
	StreamEventTypeError StreamEventType = "error"
)

// Article is a research article suggested by the backend after a document upload.
type Article struct {
	Title   string `json:"title"`
	Authors string `json:"authors"`
	Link    string `json:"link"`
}

// UploadResult is the backend's answer to a successful document upload.
type UploadResult struct {
	Response        string    `json:"response"`
	Filename        string    `json:"filename"`
	Keywords        []string  `json:"keywords,omitempty"`
	SimilarArticles []Article `json:"similar_articles,omitempty"`
}

// NewChatMessage creates a message with a fresh ID and the current time.
func NewChatMessage(role Role, content string) ChatMessage {
	return ChatMessage{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}
