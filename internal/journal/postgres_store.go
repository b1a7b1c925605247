package journal

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const Schema = `
CREATE TABLE IF NOT EXISTS journal_entries (
    id             UUID PRIMARY KEY,
    user_id        TEXT NOT NULL,
    dream          TEXT NOT NULL,
    interpretation TEXT NOT NULL DEFAULT '',
    mood           TEXT NOT NULL DEFAULT '',
    fortune        TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_journal_entries_user_created ON journal_entries (user_id, created_at DESC);
`

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply journal schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, e *Entry) error {
	if e.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	query := `
		INSERT INTO journal_entries (id, user_id, dream, interpretation, mood, fortune)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`
	err := s.db.QueryRow(ctx, query,
		e.ID, e.UserID, e.Dream, e.Interpretation, e.Mood, e.Fortune,
	).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create journal entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	query := `
		SELECT id, user_id, dream, interpretation, mood, fortune, created_at
		FROM journal_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, userID, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query journal entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*Entry, 0)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Dream, &e.Interpretation, &e.Mood, &e.Fortune, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal entries: %w", err)
	}
	return entries, nil
}

// Delete removes one of the user's entries. An id that belongs to someone
// else is reported as not found.
func (s *PostgresStore) Delete(ctx context.Context, userID, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrEntryNotFound
	}

	tag, err := s.db.Exec(ctx, `DELETE FROM journal_entries WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete journal entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}
