// Package token issues and redeems the download links that gate access to
// purchased packs.
package token

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"examhub/internal/apperr"
	"examhub/internal/logger"
	"examhub/internal/model"
)

var (
	ErrNotFound = apperr.NotFound("download link not found")
	// ErrInvalidToken covers both expired and exhausted tokens.
	ErrInvalidToken = apperr.Invalid("download link expired or exhausted")
	// ErrConflict is returned when the atomic decrement matched nothing,
	// usually because a concurrent download used the last remaining use.
	ErrConflict = apperr.Conflict("download link already used")
)

// Store persists tokens. Implementations must make Decrement a single
// atomic compare-and-decrement.
type Store interface {
	// Upsert creates the token for t.ItemID, or resets the expiry and use
	// count of the existing one. It returns the stored token.
	Upsert(ctx context.Context, t model.DownloadToken) (model.DownloadToken, error)
	Get(ctx context.Context, token string) (model.DownloadToken, error)
	// Decrement removes one use if the token still has uses left and has
	// not expired at now. It reports whether a use was taken.
	Decrement(ctx context.Context, token string, now time.Time) (bool, error)
}

// Service is the token lifecycle on top of a Store.
type Service struct {
	store Store
	clock clockwork.Clock
}

func NewService(store Store, clock clockwork.Clock) *Service {
	return &Service{store: store, clock: clock}
}

// NewToken returns 32 random hex characters.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Issue grants maxUses downloads of itemID for ttl. Issuing again for the
// same item keeps the link but restores its expiry and uses.
func (s *Service) Issue(ctx context.Context, itemID string, ttl time.Duration, maxUses int) (model.DownloadToken, error) {
	if itemID == "" || ttl <= 0 || maxUses <= 0 {
		return model.DownloadToken{}, apperr.Invalid("invalid token parameters")
	}
	t, err := s.store.Upsert(ctx, model.DownloadToken{
		ID:            uuid.NewString(),
		ItemID:        itemID,
		Token:         NewToken(),
		ExpiresAt:     s.clock.Now().Add(ttl).UTC(),
		RemainingUses: maxUses,
	})
	if err != nil {
		return model.DownloadToken{}, err
	}
	logger.Infof("[token] issued download link for item %s (uses=%d, expires=%s)", itemID, t.RemainingUses, t.ExpiresAt.Format(time.RFC3339))
	return t, nil
}

// Validate returns the token if it can still be used.
func (s *Service) Validate(ctx context.Context, tok string) (model.DownloadToken, error) {
	t, err := s.store.Get(ctx, tok)
	if err != nil {
		return model.DownloadToken{}, err
	}
	if !t.ValidAt(s.clock.Now()) {
		return t, ErrInvalidToken
	}
	return t, nil
}

// Consume takes one use of tok.
func (s *Service) Consume(ctx context.Context, tok string) error {
	ok, err := s.store.Decrement(ctx, tok, s.clock.Now())
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := s.store.Get(ctx, tok); errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return ErrConflict
}
