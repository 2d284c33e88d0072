package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"caucode/internal/domain"
	"caucode/internal/store"
)

// SessionService owns the session rows the hourly sweep deletes. Token
// issuance lives in the API layer; this service only persists and
// reaps.
type SessionService struct {
	repo store.Repository
	log  zerolog.Logger
}

func NewSessionService(repo store.Repository, log zerolog.Logger) *SessionService {
	return &SessionService{repo: repo, log: log}
}

func (s *SessionService) Create(ctx context.Context, userHandle, tokenHash string, ttl time.Duration) (string, error) {
	id, err := s.repo.CreateSession(ctx, domain.Session{
		UserHandle: userHandle,
		TokenHash:  tokenHash,
		ExpiresAt:  time.Now().UTC().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("create session for %q: %w", userHandle, err)
	}
	return id, nil
}

// CleanupExpired deletes sessions past their expiry.
func (s *SessionService) CleanupExpired(ctx context.Context) (int, error) {
	n, err := s.repo.DeleteExpiredSessions(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	if n > 0 {
		s.log.Info().Int("deleted", n).Msg("expired sessions cleaned up")
	}
	return n, nil
}
