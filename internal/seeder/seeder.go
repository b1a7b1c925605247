package seeder

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vnmchuo/dream-interpreter/internal/auth"
	"github.com/vnmchuo/dream-interpreter/internal/credits"
)

const (
	TestSessionToken = "test-session-token-12345"
	TestUserID       = "00000000-0000-0000-0000-000000000001"
)

// SeedTestSession creates a long-lived session for TestUserID and opens the
// user's credit account, so a local setup can call the API straight away.
func SeedTestSession(ctx context.Context, store auth.Store, ledger credits.Ledger) {
	sess := &auth.Session{
		UserID:    TestUserID,
		TokenHash: auth.HashToken(TestSessionToken),
		ExpiresAt: time.Now().AddDate(1, 0, 0),
	}

	if err := store.Create(ctx, sess); err != nil {
		log.Warn().Err(err).Msg("seeder: session may already exist, skipping")
	} else {
		log.Info().Str("token", TestSessionToken).Str("user_id", TestUserID).Msg("seeder: test session created")
	}

	acct, err := ledger.Account(ctx, TestUserID)
	if err != nil {
		log.Error().Err(err).Msg("seeder: failed to open credit account")
		return
	}
	log.Info().Int64("balance", acct.Balance).Str("referral_code", acct.ReferralCode).Msg("seeder: credit account ready")
}
