package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Conversations are stored one JSON file per record, keyed by sanitized id.
// There is no cross-request locking: two concurrent saves of the same
// conversation race and the last writer wins.

var unsafeIDChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// NewConversationID returns a fresh unpredictable conversation id containing
// only path-safe characters.
func NewConversationID() string {
	return "conv_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// sanitizeID strips every character outside [a-zA-Z0-9_-]. Distinct external
// ids that sanitize to the same string collide on disk; id generation keeps
// that probability negligible for ids we minted ourselves.
func sanitizeID(id string) string {
	return unsafeIDChars.ReplaceAllString(id, "")
}

func (s *Store) conversationPath(id string) string {
	return filepath.Join(s.convDir, sanitizeID(id)+".json")
}

// CreateConversation assigns an id and timestamps if unset and persists the
// record.
func (s *Store) CreateConversation(c *Conversation) error {
	if c.ID == "" {
		c.ID = NewConversationID()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	return s.writeConversation(c)
}

// LoadConversation reads a conversation by id. Unknown ids and unreadable
// records both surface as ErrNotFound; corruption is logged, not propagated.
func (s *Store) LoadConversation(id string) (Conversation, error) {
	data, err := os.ReadFile(s.conversationPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("reading conversation %s: %w", sanitizeID(id), err)
	}

	var c Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		slog.Warn("conversation record is corrupt", "id", sanitizeID(id), "error", err)
		return Conversation{}, ErrNotFound
	}
	return c, nil
}

// SaveConversation overwrites the full record, bumping UpdatedAt.
func (s *Store) SaveConversation(c *Conversation) error {
	c.UpdatedAt = time.Now().UTC()
	return s.writeConversation(c)
}

// writeConversation writes atomically via temp file + rename so a crashed
// write never leaves a half-written record behind.
func (s *Store) writeConversation(c *Conversation) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling conversation %s: %w", c.ID, err)
	}

	target := s.conversationPath(c.ID)
	tmp, err := os.CreateTemp(s.convDir, ".conv-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing conversation %s: %w", c.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming conversation %s: %w", c.ID, err)
	}
	return nil
}

// ListConversations returns summaries of all stored conversations sorted by
// UpdatedAt descending. Individually corrupt records are skipped rather than
// failing the whole listing.
func (s *Store) ListConversations() ([]ConversationSummary, error) {
	entries, err := os.ReadDir(s.convDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []ConversationSummary{}, nil
		}
		return nil, fmt.Errorf("reading conversations directory: %w", err)
	}

	summaries := make([]ConversationSummary, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.convDir, entry.Name()))
		if err != nil {
			slog.Warn("skipping unreadable conversation file", "file", entry.Name(), "error", err)
			continue
		}

		var c Conversation
		if err := json.Unmarshal(data, &c); err != nil {
			slog.Warn("skipping corrupt conversation file", "file", entry.Name(), "error", err)
			continue
		}

		summaries = append(summaries, ConversationSummary{
			ID:               c.ID,
			CreatedAt:        c.CreatedAt,
			UpdatedAt:        c.UpdatedAt,
			JobPosition:      c.JobPosition,
			Company:          c.Company,
			OriginalFileName: c.OriginalFileName,
			MessageCount:     len(c.Messages),
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

// DeleteConversation removes a conversation record.
func (s *Store) DeleteConversation(id string) error {
	path := s.conversationPath(id)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("checking conversation %s: %w", sanitizeID(id), err)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("deleting conversation %s: %w", sanitizeID(id), err)
	}
	return nil
}
