package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/provisioner/internal/model"
	"github.com/nhle/provisioner/internal/store"
	"github.com/nhle/provisioner/tests/testutil"
)

var _ store.Store = (*store.SQLiteStore)(nil)

func TestSaveAndListAccounts(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, email := range []string{"ann@relay.example", "bob@relay.example", "cyd@other.example"} {
		require.NoError(t, s.SaveAccount(ctx, model.Account{
			Email:     email,
			Password:  "pw",
			Token:     "tok-" + email,
			Usage:     "0 / 150",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := s.ListAccounts(ctx, store.AccountFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "ann@relay.example", all[0].Email)
	assert.NotEmpty(t, all[0].ID)
	assert.Equal(t, "0 / 150", all[0].Usage)
	assert.True(t, all[0].CreatedAt.Equal(base))

	q := "relay"
	newest, err := s.ListAccounts(ctx, store.AccountFilter{Query: &q, SortDesc: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, newest, 1)
	assert.Equal(t, "bob@relay.example", newest[0].Email)

	rest, err := s.ListAccounts(ctx, store.AccountFilter{Offset: 2})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "cyd@other.example", rest[0].Email)
}

func TestSaveAccount_Validation(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.Error(t, s.SaveAccount(ctx, model.Account{Password: "pw"}))
	require.Error(t, s.SaveAccount(ctx, model.Account{Email: "a@b.example"}))
}

func TestGetAndDeleteAccount(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAccount(ctx, model.Account{Email: "a@b.example", Password: "pw", RefreshToken: "rt"}))

	got, err := s.GetAccountByEmail(ctx, "a@b.example")
	require.NoError(t, err)
	assert.Equal(t, "rt", got.RefreshToken)

	require.NoError(t, s.DeleteAccount(ctx, got.ID))
	_, err = s.GetAccountByEmail(ctx, "a@b.example")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.DeleteAccount(ctx, got.ID), store.ErrNotFound)
}

func TestAttempts(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordAttempt(ctx, model.Attempt{Email: "a@b.example", Strategy: "code", Reason: "verification code not received", CreatedAt: base}))
	require.NoError(t, s.RecordAttempt(ctx, model.Attempt{Email: "c@d.example", Strategy: "polling", Success: true, CreatedAt: base.Add(time.Hour)}))

	attempts, err := s.RecentAttempts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.True(t, attempts[0].Success)
	assert.Equal(t, "c@d.example", attempts[0].Email)
	assert.False(t, attempts[1].Success)
	assert.Equal(t, "verification code not received", attempts[1].Reason)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.db")

	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveAccount(context.Background(), model.Account{Email: "a@b.example", Password: "pw"}))
	require.NoError(t, s.Close())

	s, err = store.NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	accounts, err := s.ListAccounts(context.Background(), store.AccountFilter{})
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}
