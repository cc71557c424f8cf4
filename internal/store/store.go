package store

import (
	"context"
	"errors"

	"github.com/nhle/provisioner/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// AccountFilter controls filtering and pagination for account queries.
type AccountFilter struct {
	Query    *string // substring of the email address
	SortDesc bool    // newest first
	Limit    int
	Offset   int
}

// Store defines the persistence interface for provisioned accounts and
// the registration attempt log.
type Store interface {
	// === Accounts ===

	SaveAccount(ctx context.Context, account model.Account) error
	ListAccounts(ctx context.Context, filter AccountFilter) ([]model.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*model.Account, error)
	DeleteAccount(ctx context.Context, id string) error

	// === Attempts ===

	RecordAttempt(ctx context.Context, attempt model.Attempt) error
	RecentAttempts(ctx context.Context, limit int) ([]model.Attempt, error)
}
