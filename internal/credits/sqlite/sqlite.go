package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/vnmchuo/dream-interpreter/internal/credits"
)

const dateLayout = "2006-01-02"

// Ledger implements credits.Ledger backed by SQLite. It holds a single
// connection, so transactions are serialized in process.
type Ledger struct {
	db     *sql.DB
	policy credits.Policy
}

// New opens (or creates) a SQLite ledger at the given path.
func New(path string, policy credits.Policy) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{`PRAGMA journal_mode=WAL`, `PRAGMA busy_timeout=5000`} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	l := &Ledger{db: db, policy: policy}
	if err := l.initSchema(); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS credit_accounts (
	user_id TEXT PRIMARY KEY,
	balance INTEGER NOT NULL CHECK(balance >= 0),
	referral_code TEXT NOT NULL UNIQUE,
	referred_by TEXT,
	referral_rewarded INTEGER NOT NULL DEFAULT 0,
	last_bonus_date TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) ensure(ctx context.Context, tx *sql.Tx, userID string) error {
	if userID == "" {
		return errors.New("user id required")
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO credit_accounts(user_id, balance, referral_code)
VALUES(?, ?, ?)
ON CONFLICT(user_id) DO NOTHING`, userID, l.policy.StartingBalance, credits.NewReferralCode())
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func balanceOf(ctx context.Context, tx *sql.Tx, userID string) (int64, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, `SELECT balance FROM credit_accounts WHERE user_id = ?`, userID).Scan(&balance)
	return balance, err
}

func (l *Ledger) TryDeduct(ctx context.Context, userID string, cost int64) (*credits.DeductResult, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := l.ensure(ctx, tx, userID); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
UPDATE credit_accounts SET balance = balance - ?
WHERE user_id = ? AND balance >= ?`, cost, userID, cost)
	if err != nil {
		return nil, fmt.Errorf("deduct: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	result := &credits.DeductResult{Success: n == 1}
	if !result.Success {
		result.Message = credits.MessageInsufficient
	} else {
		var referredBy sql.NullString
		var rewarded bool
		if err := tx.QueryRowContext(ctx, `
SELECT referred_by, referral_rewarded FROM credit_accounts WHERE user_id = ?`, userID).Scan(&referredBy, &rewarded); err != nil {
			return nil, err
		}
		if referredBy.Valid && !rewarded && l.policy.ReferralBonus > 0 {
			if _, err := tx.ExecContext(ctx, `
UPDATE credit_accounts SET balance = balance + ?, referral_rewarded = 1 WHERE user_id = ?`,
				l.policy.ReferralBonus, userID); err != nil {
				return nil, fmt.Errorf("reward referee: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
UPDATE credit_accounts SET balance = balance + ? WHERE user_id = ?`,
				l.policy.ReferralBonus, referredBy.String); err != nil {
				return nil, fmt.Errorf("reward referrer: %w", err)
			}
			result.BonusClaimed = true
			result.BonusAmount = l.policy.ReferralBonus
		}
	}

	if result.Remaining, err = balanceOf(ctx, tx, userID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

func (l *Ledger) Account(ctx context.Context, userID string) (*credits.Account, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := l.ensure(ctx, tx, userID); err != nil {
		return nil, err
	}

	var (
		a          credits.Account
		referredBy sql.NullString
		lastBonus  sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
SELECT user_id, balance, referral_code, referred_by, referral_rewarded, last_bonus_date, created_at
FROM credit_accounts WHERE user_id = ?`, userID).Scan(
		&a.UserID, &a.Balance, &a.ReferralCode, &referredBy, &a.ReferralRewarded, &lastBonus, &a.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	a.ReferredBy = referredBy.String
	if lastBonus.Valid {
		d, err := time.Parse(dateLayout, lastBonus.String)
		if err != nil {
			return nil, fmt.Errorf("parse last bonus date: %w", err)
		}
		a.LastBonusDate = &d
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &a, nil
}

func (l *Ledger) ClaimDailyBonus(ctx context.Context, userID string, now time.Time) (*credits.BonusResult, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := l.ensure(ctx, tx, userID); err != nil {
		return nil, err
	}

	// Dates are stored as YYYY-MM-DD so string comparison orders them.
	today := credits.Day(now).Format(dateLayout)
	res, err := tx.ExecContext(ctx, `
UPDATE credit_accounts SET balance = balance + ?, last_bonus_date = ?
WHERE user_id = ? AND (last_bonus_date IS NULL OR last_bonus_date < ?)`,
		l.policy.DailyBonusAmount, today, userID, today)
	if err != nil {
		return nil, fmt.Errorf("claim daily bonus: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	result := &credits.BonusResult{Claimed: n == 1}
	if result.Claimed {
		result.Amount = l.policy.DailyBonusAmount
	}
	if result.Balance, err = balanceOf(ctx, tx, userID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

func (l *Ledger) ApplyReferral(ctx context.Context, userID, code string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := l.ensure(ctx, tx, userID); err != nil {
		return err
	}

	var referrer string
	err = tx.QueryRowContext(ctx, `
SELECT user_id FROM credit_accounts WHERE referral_code = ?`, credits.NormalizeCode(code)).Scan(&referrer)
	if errors.Is(err, sql.ErrNoRows) {
		return credits.ErrInvalidReferral
	}
	if err != nil {
		return fmt.Errorf("lookup referral code: %w", err)
	}
	if referrer == userID {
		return credits.ErrSelfReferral
	}

	// Reject codes whose referral chain already leads back to userID.
	var cycle bool
	err = tx.QueryRowContext(ctx, `
WITH RECURSIVE chain(user_id) AS (
	SELECT referred_by FROM credit_accounts WHERE user_id = ? AND referred_by IS NOT NULL
	UNION
	SELECT a.referred_by FROM credit_accounts a JOIN chain c ON a.user_id = c.user_id
	WHERE a.referred_by IS NOT NULL
)
SELECT EXISTS (SELECT 1 FROM chain WHERE user_id = ?)`, referrer, userID).Scan(&cycle)
	if err != nil {
		return fmt.Errorf("check referral chain: %w", err)
	}
	if cycle {
		return credits.ErrInvalidReferral
	}

	res, err := tx.ExecContext(ctx, `
UPDATE credit_accounts SET referred_by = ? WHERE user_id = ? AND referred_by IS NULL`, referrer, userID)
	if err != nil {
		return fmt.Errorf("apply referral: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return credits.ErrAlreadyReferred
	}
	return tx.Commit()
}

var _ credits.Ledger = (*Ledger)(nil)
