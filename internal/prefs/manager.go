// Package prefs manages the global learned-preference collection and the
// background classification that grows it.
package prefs

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/cvopt/internal/storage"
)

// PreferenceStore defines the storage operations the Manager needs.
// Implemented by storage.Store.
type PreferenceStore interface {
	ListPreferences() ([]storage.Preference, error)
	AddPreference(rule, sourceConversation string) error
}

// Manager provides read/append access to the preference collection.
// Reads fail soft: a broken store yields an empty rule list, never an error
// surfaced to a turn.
type Manager struct {
	store PreferenceStore
}

// NewManager creates a Manager over the given store.
func NewManager(store PreferenceStore) *Manager {
	return &Manager{store: store}
}

// List returns all preferences in insertion order, or an empty slice when
// the store is unavailable.
func (m *Manager) List() []storage.Preference {
	prefs, err := m.store.ListPreferences()
	if err != nil {
		slog.Warn("failed to load preferences, continuing without", "error", err)
		return nil
	}
	return prefs
}

// Add appends a rule to the collection. Duplicates (case-insensitive) are
// silently ignored by the store; blank rules are ignored here.
func (m *Manager) Add(rule, sourceConversation string) error {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return nil
	}
	if err := m.store.AddPreference(rule, sourceConversation); err != nil {
		return fmt.Errorf("saving preference: %w", err)
	}
	slog.Info("preference saved", "rule", rule, "source", sourceConversation)
	return nil
}

// PromptBlock renders the preference collection as the instruction block
// injected verbatim into every model prompt. Empty when no rules exist.
func (m *Manager) PromptBlock() string {
	prefs := m.List()
	if len(prefs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\n\nUSER PREFERENCES (learned from past conversations - ALWAYS apply these):")
	for i, p := range prefs {
		sb.WriteString(fmt.Sprintf("\n%d. %s", i+1, p.Rule))
	}
	return sb.String()
}
