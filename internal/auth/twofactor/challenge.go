package twofactor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zovohq/zovo/internal/cache"
	"github.com/zovohq/zovo/pkg/crypto"
	apperrors "github.com/zovohq/zovo/pkg/errors"
	"github.com/zovohq/zovo/pkg/metrics"
)

const (
	// DefaultChallengeTTL bounds how long a pending login may wait for its
	// second factor.
	DefaultChallengeTTL = 5 * time.Minute

	challengeKeyPrefix = "storage:2fa:"
	challengeTokenLen  = 32
)

// Challenge is the state parked behind a pending-login token: who still owes
// a second factor and which login path put them there. The provider name lets
// clients route back to the right completion URL.
type Challenge struct {
	UserID   string `json:"user_id"`
	Provider string `json:"provider"`
}

// ChallengeService parks half-authenticated logins in the shared cache. A
// challenge token is opaque, single-use and expires on its own; redeeming it
// with a valid code completes the login.
type ChallengeService struct {
	store cache.Store
	ttl   time.Duration
}

// NewChallengeService builds a challenge service on the shared cache store.
func NewChallengeService(store cache.Store, ttl time.Duration) (*ChallengeService, error) {
	if store == nil {
		return nil, errors.New("twofactor: challenge store is required")
	}
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &ChallengeService{store: store, ttl: ttl}, nil
}

// Issue parks a user id and the originating login path behind a fresh opaque
// token.
func (s *ChallengeService) Issue(ctx context.Context, userID, provider string) (string, error) {
	if userID == "" {
		return "", errors.New("twofactor: user id is required")
	}

	token, err := crypto.GenerateToken(challengeTokenLen)
	if err != nil {
		return "", fmt.Errorf("twofactor: generate challenge token: %w", err)
	}

	payload, err := json.Marshal(Challenge{UserID: userID, Provider: provider})
	if err != nil {
		return "", fmt.Errorf("twofactor: encode challenge: %w", err)
	}

	if err := s.store.Set(ctx, challengeKey(token), payload, s.ttl); err != nil {
		return "", fmt.Errorf("twofactor: store challenge: %w", err)
	}
	return token, nil
}

// Lookup resolves a pending challenge without consuming it. Unknown and
// expired tokens are indistinguishable by design.
func (s *ChallengeService) Lookup(ctx context.Context, token string) (Challenge, error) {
	if token == "" {
		return Challenge{}, apperrors.ErrChallengeExpired
	}

	value, ok, err := s.store.Get(ctx, challengeKey(token))
	if err != nil {
		return Challenge{}, fmt.Errorf("twofactor: load challenge: %w", err)
	}
	if !ok {
		metrics.TwoFactorVerifications.WithLabelValues("expired").Inc()
		return Challenge{}, apperrors.ErrChallengeExpired
	}

	var challenge Challenge
	if err := json.Unmarshal(value, &challenge); err != nil {
		return Challenge{}, fmt.Errorf("twofactor: decode challenge: %w", err)
	}
	return challenge, nil
}

// Redeem verifies the submitted code for the challenge's user and consumes
// the token on success. An invalid code leaves the token in place so the user
// may retry until the TTL runs out.
func (s *ChallengeService) Redeem(ctx context.Context, token, code string, verify func(ctx context.Context, userID, code string) error) (Challenge, error) {
	challenge, err := s.Lookup(ctx, token)
	if err != nil {
		return Challenge{}, err
	}

	if err := verify(ctx, challenge.UserID, code); err != nil {
		metrics.TwoFactorVerifications.WithLabelValues("invalid").Inc()
		return Challenge{}, err
	}

	if err := s.store.Delete(ctx, challengeKey(token)); err != nil {
		return Challenge{}, fmt.Errorf("twofactor: consume challenge: %w", err)
	}

	metrics.TwoFactorVerifications.WithLabelValues("success").Inc()
	return challenge, nil
}

func challengeKey(token string) string {
	return challengeKeyPrefix + token
}
