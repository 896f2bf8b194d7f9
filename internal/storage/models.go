package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Message is a single turn in a conversation. Messages are append-only:
// once stored they are never edited or removed.
type Message struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is the durable record of one CV optimization session.
// CurrentHTML is the canonical rendering source: it always matches the HTML
// that produced the most recently returned PDF.
type Conversation struct {
	ID                 string    `json:"id"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
	JobPosition        string    `json:"jobPosition"`
	Company            string    `json:"company"`
	JobDescription     string    `json:"jobDescription"`
	OriginalResumeText string    `json:"originalResumeText"`
	OriginalFileName   string    `json:"originalFileName"`
	// InitialHTML is the document produced by the very first turn. Refinement
	// prompts anchor the model on it so long conversations never lose the
	// original full-document example.
	InitialHTML string    `json:"initialHtml"`
	CurrentHTML string    `json:"currentHtml"`
	Messages    []Message `json:"messages"`
}

// ConversationSummary is the listing view of a conversation.
type ConversationSummary struct {
	ID               string    `json:"id"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
	JobPosition      string    `json:"jobPosition"`
	Company          string    `json:"company"`
	OriginalFileName string    `json:"originalFileName"`
	MessageCount     int       `json:"messageCount"`
}

// Preference is a learned formatting rule applied to all future documents.
// Rules are globally scoped and deduplicated case-insensitively.
type Preference struct {
	Rule               string    `json:"rule"`
	SourceConversation string    `json:"source"`
	AddedAt            time.Time `json:"addedAt"`
}

// Job is a queued background task. Jobs are claimed by a single worker and
// run at most MaxAttempts times; preference scans enqueue with MaxAttempts 1
// so a failed scan is recorded and never retried.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
