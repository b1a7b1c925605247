package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vnmchuo/dream-interpreter/internal/credits"
)

//go:embed schema.sql
var schema string

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrate creates the credit tables and the stored functions.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply credits schema: %w", err)
	}
	return nil
}

type Ledger struct {
	db     DB
	policy credits.Policy
}

func New(db DB, policy credits.Policy) *Ledger {
	return &Ledger{db: db, policy: policy}
}

func (l *Ledger) ensure(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("user id required")
	}
	query := `
		INSERT INTO credit_accounts (user_id, balance, referral_code)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err := l.db.Exec(ctx, query, userID, l.policy.StartingBalance, credits.NewReferralCode()); err != nil {
		return fmt.Errorf("failed to create credit account: %w", err)
	}
	return nil
}

func (l *Ledger) TryDeduct(ctx context.Context, userID string, cost int64) (*credits.DeductResult, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	query := `
		SELECT out_success, out_remaining, out_bonus_claimed, out_bonus_amount
		FROM try_deduct_credits($1, $2, $3, $4, $5)
	`
	var res credits.DeductResult
	err := l.db.QueryRow(ctx, query,
		userID, cost, l.policy.StartingBalance, credits.NewReferralCode(), l.policy.ReferralBonus,
	).Scan(&res.Success, &res.Remaining, &res.BonusClaimed, &res.BonusAmount)
	if err != nil {
		return nil, fmt.Errorf("failed to deduct credits: %w", err)
	}
	if !res.Success {
		res.Message = credits.MessageInsufficient
	}
	return &res, nil
}

func (l *Ledger) Account(ctx context.Context, userID string) (*credits.Account, error) {
	if err := l.ensure(ctx, userID); err != nil {
		return nil, err
	}
	query := `
		SELECT user_id, balance, referral_code, COALESCE(referred_by, ''), referral_rewarded, last_bonus_date, created_at
		FROM credit_accounts
		WHERE user_id = $1
	`
	var a credits.Account
	err := l.db.QueryRow(ctx, query, userID).Scan(
		&a.UserID, &a.Balance, &a.ReferralCode, &a.ReferredBy, &a.ReferralRewarded, &a.LastBonusDate, &a.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get credit account: %w", err)
	}
	return &a, nil
}

func (l *Ledger) ClaimDailyBonus(ctx context.Context, userID string, now time.Time) (*credits.BonusResult, error) {
	if err := l.ensure(ctx, userID); err != nil {
		return nil, err
	}
	today := credits.Day(now)
	query := `
		UPDATE credit_accounts
		SET balance = balance + $2, last_bonus_date = $3
		WHERE user_id = $1 AND (last_bonus_date IS NULL OR last_bonus_date < $3)
		RETURNING balance
	`
	res := &credits.BonusResult{}
	err := l.db.QueryRow(ctx, query, userID, l.policy.DailyBonusAmount, today).Scan(&res.Balance)
	switch {
	case err == nil:
		res.Claimed = true
		res.Amount = l.policy.DailyBonusAmount
		return res, nil
	case errors.Is(err, pgx.ErrNoRows):
		if err := l.db.QueryRow(ctx, `SELECT balance FROM credit_accounts WHERE user_id = $1`, userID).Scan(&res.Balance); err != nil {
			return nil, fmt.Errorf("failed to get balance: %w", err)
		}
		return res, nil
	default:
		return nil, fmt.Errorf("failed to claim daily bonus: %w", err)
	}
}

// ApplyReferral runs as one apply_referral call, so the lookup, the cycle
// check and the update share a transaction.
func (l *Ledger) ApplyReferral(ctx context.Context, userID, code string) error {
	if userID == "" {
		return errors.New("user id required")
	}
	var status string
	err := l.db.QueryRow(ctx, `SELECT apply_referral($1, $2, $3, $4)`,
		userID, credits.NormalizeCode(code), l.policy.StartingBalance, credits.NewReferralCode(),
	).Scan(&status)
	if err != nil {
		return fmt.Errorf("failed to apply referral: %w", err)
	}
	switch status {
	case "ok":
		return nil
	case "invalid", "cycle":
		return credits.ErrInvalidReferral
	case "self":
		return credits.ErrSelfReferral
	case "already":
		return credits.ErrAlreadyReferred
	}
	return fmt.Errorf("unexpected apply_referral status %q", status)
}

var _ credits.Ledger = (*Ledger)(nil)
