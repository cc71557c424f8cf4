package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/provisioner/internal/model"
)

// SaveAccount inserts a provisioned account. Email and password are required.
func (s *SQLiteStore) SaveAccount(ctx context.Context, account model.Account) error {
	if strings.TrimSpace(account.Email) == "" {
		return fmt.Errorf("account email must not be empty")
	}
	if account.Password == "" {
		return fmt.Errorf("account password must not be empty")
	}
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, password, token, refresh_token, usage, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		account.ID, account.Email, account.Password,
		account.Token, account.RefreshToken, account.Usage,
		account.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving account %s: %w", account.Email, err)
	}
	return nil
}

// ListAccounts retrieves accounts matching filter, oldest first unless
// SortDesc is set.
func (s *SQLiteStore) ListAccounts(
	ctx context.Context,
	filter AccountFilter,
) ([]model.Account, error) {
	var conditions []string
	var args []interface{}

	if filter.Query != nil && *filter.Query != "" {
		conditions = append(conditions, "email LIKE ?")
		args = append(args, "%"+*filter.Query+"%")
	}

	query := "SELECT * FROM accounts"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	direction := "ASC"
	if filter.SortDesc {
		direction = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY created_at %s, rowid %s", direction, direction)

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	var accounts []model.Account
	if err := s.db.SelectContext(ctx, &accounts, query, args...); err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	return accounts, nil
}

// GetAccountByEmail returns the most recent account for email, or
// ErrNotFound.
func (s *SQLiteStore) GetAccountByEmail(
	ctx context.Context,
	email string,
) (*model.Account, error) {
	var a model.Account
	err := s.db.GetContext(ctx, &a,
		"SELECT * FROM accounts WHERE email = ? ORDER BY created_at DESC, rowid DESC LIMIT 1",
		email,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", email, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting account %s: %w", email, err)
	}
	return &a, nil
}

// DeleteAccount removes an account by id.
func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting account %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}
