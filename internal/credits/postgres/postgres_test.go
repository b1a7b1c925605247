package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/dream-interpreter/internal/credits"
)

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return m.queryRowFunc(ctx, sql, args...)
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func TestMigrate_AppliesFunctions(t *testing.T) {
	var applied string
	db := &mockDB{execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		applied = sql
		return pgconn.CommandTag{}, nil
	}}

	require.NoError(t, Migrate(context.Background(), db))
	assert.Contains(t, applied, "FUNCTION try_deduct_credits")
	assert.Contains(t, applied, "FOR UPDATE")
	assert.Contains(t, applied, "FUNCTION apply_referral")
	assert.Contains(t, applied, "pg_advisory_xact_lock")
	assert.Contains(t, applied, "WITH RECURSIVE chain")
}

func TestTryDeduct_CallsStoredProcedure(t *testing.T) {
	var gotArgs []any
	db := &mockDB{queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
		assert.Contains(t, sql, "try_deduct_credits($1, $2, $3, $4, $5)")
		gotArgs = args
		return &mockRow{scanFunc: func(dest ...any) error {
			*dest[0].(*bool) = true
			*dest[1].(*int64) = 4
			*dest[2].(*bool) = true
			*dest[3].(*int64) = 5
			return nil
		}}
	}}

	l := New(db, credits.Policy{StartingBalance: 3, ReferralBonus: 5})
	res, err := l.TryDeduct(context.Background(), "user-1", 1)
	require.NoError(t, err)
	assert.Equal(t, &credits.DeductResult{Success: true, Remaining: 4, BonusClaimed: true, BonusAmount: 5}, res)
	require.Len(t, gotArgs, 5)
	assert.Equal(t, "user-1", gotArgs[0])
	assert.Equal(t, int64(1), gotArgs[1])
	assert.Equal(t, int64(3), gotArgs[2])
	assert.Equal(t, int64(5), gotArgs[4])
}

func TestTryDeduct_Insufficient(t *testing.T) {
	db := &mockDB{queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
		return &mockRow{scanFunc: func(dest ...any) error {
			*dest[0].(*bool) = false
			*dest[1].(*int64) = 0
			return nil
		}}
	}}

	res, err := New(db, credits.Policy{}).TryDeduct(context.Background(), "user-1", 1)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, credits.MessageInsufficient, res.Message)
}

func TestTryDeduct_DBError(t *testing.T) {
	db := &mockDB{queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
		return &mockRow{scanFunc: func(dest ...any) error { return errors.New("connection reset") }}
	}}

	_, err := New(db, credits.Policy{}).TryDeduct(context.Background(), "user-1", 1)
	assert.Error(t, err)
}

func TestClaimDailyBonus_AlreadyClaimed(t *testing.T) {
	calls := 0
	db := &mockDB{queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
		calls++
		if calls == 1 {
			assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), args[2], "bonus day should be the UTC date")
			return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
		}
		return &mockRow{scanFunc: func(dest ...any) error {
			*dest[0].(*int64) = 9
			return nil
		}}
	}}

	res, err := New(db, credits.Policy{DailyBonusAmount: 1}).
		ClaimDailyBonus(context.Background(), "user-1", time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, res.Claimed)
	assert.Equal(t, int64(9), res.Balance)
}

func TestApplyReferral(t *testing.T) {
	tests := []struct {
		name   string
		status string
		want   error
	}{
		{"ok", "ok", nil},
		{"unknown code", "invalid", credits.ErrInvalidReferral},
		{"self", "self", credits.ErrSelfReferral},
		{"already referred", "already", credits.ErrAlreadyReferred},
		{"closes a cycle", "cycle", credits.ErrInvalidReferral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &mockDB{
				queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
					assert.Contains(t, sql, "apply_referral($1, $2, $3, $4)")
					assert.Equal(t, "bob", args[0])
					assert.Equal(t, "ABC123", args[1], "code should be normalized")
					assert.Equal(t, int64(3), args[2])
					return &mockRow{scanFunc: func(dest ...any) error {
						*dest[0].(*string) = tt.status
						return nil
					}}
				},
				execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
					assert.Fail(t, "ApplyReferral must run as a single call", "unexpected Exec %q", sql)
					return pgconn.CommandTag{}, nil
				},
			}

			err := New(db, credits.Policy{StartingBalance: 3}).ApplyReferral(context.Background(), "bob", " abc123 ")
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestApplyReferral_DBError(t *testing.T) {
	db := &mockDB{queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
		return &mockRow{scanFunc: func(dest ...any) error { return errors.New("deadlock detected") }}
	}}

	err := New(db, credits.Policy{}).ApplyReferral(context.Background(), "bob", "abc123")
	require.Error(t, err)
	assert.NotErrorIs(t, err, credits.ErrInvalidReferral)
}

func TestApplyReferral_UnknownStatus(t *testing.T) {
	db := &mockDB{queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
		return &mockRow{scanFunc: func(dest ...any) error {
			*dest[0].(*string) = "maybe"
			return nil
		}}
	}}

	err := New(db, credits.Policy{}).ApplyReferral(context.Background(), "bob", "abc123")
	assert.ErrorContains(t, err, "maybe")
}
