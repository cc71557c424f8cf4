package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/provisioner/internal/model"
)

// RecordAttempt appends a registration attempt to the log.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, a model.Attempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (id, email, strategy, success, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.Email, a.Strategy, boolToInt(a.Success), a.Reason, a.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording attempt: %w", err)
	}
	return nil
}

// RecentAttempts returns up to limit attempts, newest first.
func (s *SQLiteStore) RecentAttempts(ctx context.Context, limit int) ([]model.Attempt, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryxContext(ctx,
		"SELECT id, email, strategy, success, reason, created_at FROM attempts ORDER BY created_at DESC, rowid DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying attempts: %w", err)
	}
	defer rows.Close()

	var attempts []model.Attempt
	for rows.Next() {
		var (
			a       model.Attempt
			success int
		)
		if err := rows.Scan(&a.ID, &a.Email, &a.Strategy, &success, &a.Reason, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning attempt row: %w", err)
		}
		a.Success = success == 1
		attempts = append(attempts, a)
	}

	return attempts, rows.Err()
}
