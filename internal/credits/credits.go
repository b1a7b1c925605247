package credits

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidReferral = errors.New("referral code not found")
	ErrSelfReferral    = errors.New("cannot use your own referral code")
	ErrAlreadyReferred = errors.New("account already has a referrer")
)

// MessageInsufficient is the reason carried by a declined deduction.
const MessageInsufficient = "insufficient credits"

// Account is a user's credit balance. Balance is never negative.
type Account struct {
	UserID           string     `json:"user_id"`
	Balance          int64      `json:"balance"`
	ReferralCode     string     `json:"referral_code"`
	ReferredBy       string     `json:"referred_by,omitempty"`
	ReferralRewarded bool       `json:"referral_rewarded"`
	LastBonusDate    *time.Time `json:"last_bonus_date,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// DeductResult is the outcome of TryDeduct. Remaining is the balance after
// the deduction on success and the untouched balance on failure.
type DeductResult struct {
	Success      bool
	Remaining    int64
	Message      string
	BonusClaimed bool
	BonusAmount  int64
}

type BonusResult struct {
	Claimed bool  `json:"claimed"`
	Amount  int64 `json:"amount"`
	Balance int64 `json:"balance"`
}

// Ledger is the persistent credit store. Every method creates the account
// with the starting balance if it does not exist yet.
type Ledger interface {
	// TryDeduct atomically removes cost from the balance if it covers it.
	// A pending referral reward is paid to both parties in the same step.
	TryDeduct(ctx context.Context, userID string, cost int64) (*DeductResult, error)
	Account(ctx context.Context, userID string) (*Account, error)
	// ClaimDailyBonus credits the daily bonus at most once per UTC day.
	ClaimDailyBonus(ctx context.Context, userID string, now time.Time) (*BonusResult, error)
	ApplyReferral(ctx context.Context, userID, code string) error
}

// Policy holds the amounts a ledger backend hands out.
type Policy struct {
	StartingBalance  int64
	DailyBonusAmount int64
	ReferralBonus    int64
}

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NewReferralCode returns a short upper-case code for sharing.
func NewReferralCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:10])
}

// NormalizeCode makes user-entered codes comparable to stored ones.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
