package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"caucode/internal/domain"
	"caucode/internal/solvedac"
	"caucode/internal/store"
	"caucode/internal/taskq"
)

const (
	verificationTTL         = 30 * time.Minute
	maxVerificationAttempts = 3
	verificationCodePrefix  = "caucode-"
)

// CheckStats aggregates one monitoring pass over pending verifications.
type CheckStats struct {
	TotalChecked int `json:"total_checked"`
	Verified     int `json:"verified"`
	StillPending int `json:"still_pending"`
	Failed       int `json:"failed"`
	Errors       int `json:"errors"`
}

// VerificationService proves ownership of a solved.ac handle: the user
// places an issued code in their profile bio, and the periodic monitor
// checks for it.
type VerificationService struct {
	repo     store.Repository
	api      UserAPI
	profiles *ProfileService
	log      zerolog.Logger
}

func NewVerificationService(repo store.Repository, api UserAPI, profiles *ProfileService, log zerolog.Logger) *VerificationService {
	return &VerificationService{repo: repo, api: api, profiles: profiles, log: log}
}

// Start issues a new verification request for a handle.
func (s *VerificationService) Start(ctx context.Context, handle string) (domain.Verification, error) {
	v := domain.Verification{
		Handle:    handle,
		Code:      verificationCodePrefix + strings.Split(uuid.NewString(), "-")[0],
		Status:    domain.VerificationPending,
		ExpiresAt: time.Now().UTC().Add(verificationTTL),
	}
	id, err := s.repo.CreateVerification(ctx, v)
	if err != nil {
		return domain.Verification{}, fmt.Errorf("create verification for %q: %w", handle, err)
	}
	v.ID = id
	s.log.Info().Str("handle", handle).Str("verification_id", id).Msg("verification started")
	return v, nil
}

// CheckPending walks every live pending verification, fetches the bio
// and settles the request: verified (code present), another counted
// attempt, or failed once attempts run out. Upstream errors do not
// consume an attempt.
func (s *VerificationService) CheckPending(ctx context.Context) (CheckStats, error) {
	pending, err := s.repo.ListPendingVerifications(ctx, time.Now().UTC())
	if err != nil {
		return CheckStats{}, fmt.Errorf("list pending verifications: %w", err)
	}

	stats := CheckStats{TotalChecked: len(pending)}
	for _, v := range pending {
		switch outcome := s.checkOne(ctx, v); outcome {
		case domain.VerificationVerified:
			stats.Verified++
		case domain.VerificationFailed:
			stats.Failed++
		case domain.VerificationPending:
			stats.StillPending++
		default:
			stats.Errors++
		}
	}

	s.log.Info().
		Int("checked", stats.TotalChecked).
		Int("verified", stats.Verified).
		Int("still_pending", stats.StillPending).
		Int("failed", stats.Failed).
		Int("errors", stats.Errors).
		Msg("verification monitoring pass complete")
	return stats, nil
}

func (s *VerificationService) checkOne(ctx context.Context, v domain.Verification) string {
	u, err := s.api.UserShow(ctx, v.Handle)
	if err != nil {
		if errors.Is(err, solvedac.ErrUserNotFound) {
			// A vanished handle still consumes an attempt.
			return s.recordMiss(ctx, v)
		}
		s.log.Error().Err(err).Str("handle", v.Handle).Msg("verification check failed upstream")
		return ""
	}

	if !strings.Contains(u.Bio, v.Code) {
		return s.recordMiss(ctx, v)
	}

	now := time.Now().UTC()
	if err := s.repo.MarkVerified(ctx, v.ID, now); err != nil {
		s.log.Error().Err(err).Str("verification_id", v.ID).Msg("failed to mark verified")
		return ""
	}
	if err := s.repo.UpsertProfile(ctx, domain.Profile{
		Handle:      u.Handle,
		Verified:    true,
		Tier:        u.Tier,
		Rating:      u.Rating,
		SolvedCount: u.SolvedCount,
		Class:       u.Class,
		Bio:         u.Bio,
	}); err != nil {
		s.log.Error().Err(err).Str("handle", v.Handle).Msg("failed to store verified profile")
	}
	if _, err := s.profiles.ScheduleSync(v.Handle, taskq.PriorityHigh); err != nil {
		s.log.Error().Err(err).Str("handle", v.Handle).Msg("failed to schedule post-verification sync")
	}

	s.log.Info().Str("handle", v.Handle).Str("verification_id", v.ID).Msg("profile verified")
	return domain.VerificationVerified
}

func (s *VerificationService) recordMiss(ctx context.Context, v domain.Verification) string {
	if err := s.repo.RecordVerificationAttempt(ctx, v.ID, maxVerificationAttempts); err != nil {
		s.log.Error().Err(err).Str("verification_id", v.ID).Msg("failed to record verification attempt")
		return ""
	}
	if v.Attempts+1 >= maxVerificationAttempts {
		return domain.VerificationFailed
	}
	return domain.VerificationPending
}

// CleanupExpired flips overdue pending verifications to expired.
func (s *VerificationService) CleanupExpired(ctx context.Context) (int, error) {
	n, err := s.repo.ExpireVerifications(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("expire verifications: %w", err)
	}
	if n > 0 {
		s.log.Info().Int("expired", n).Msg("expired verifications cleaned up")
	}
	return n, nil
}
