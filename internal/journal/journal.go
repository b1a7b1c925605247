package journal

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/vnmchuo/dream-interpreter/internal/prompt"
)

var (
	ErrEntryNotFound = errors.New("journal entry not found")
	ErrDreamRequired = errors.New("dream is required")
	ErrDreamTooLong  = errors.New("dream is too long")
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Entry is a dream the user chose to keep, with the reading they got for it.
type Entry struct {
	ID             string    `json:"id"`
	UserID         string    `json:"-"`
	Dream          string    `json:"dream"`
	Interpretation string    `json:"interpretation,omitempty"`
	Mood           string    `json:"mood,omitempty"`
	Fortune        string    `json:"fortune,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Validate trims the entry and applies the same dream limits as the
// streaming endpoints.
func (e *Entry) Validate() error {
	e.Dream = strings.TrimSpace(e.Dream)
	e.Interpretation = strings.TrimSpace(e.Interpretation)
	e.Mood = strings.TrimSpace(e.Mood)
	e.Fortune = strings.TrimSpace(e.Fortune)

	if e.Dream == "" {
		return ErrDreamRequired
	}
	if utf8.RuneCountInString(e.Dream) > prompt.MaxDreamLength {
		return ErrDreamTooLong
	}
	return nil
}

// ClampLimit maps a requested page size onto [1, MaxListLimit].
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}

// Store keeps journal entries. Every method is scoped to one user.
type Store interface {
	Create(ctx context.Context, e *Entry) error
	List(ctx context.Context, userID string, limit int) ([]*Entry, error)
	Delete(ctx context.Context, userID, id string) error
}
