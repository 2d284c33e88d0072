package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"caucode/internal/domain"
	"caucode/internal/solvedac"
	"caucode/internal/store"
	"caucode/internal/taskq"
)

// UserAPI is the slice of the solved.ac client the services need.
type UserAPI interface {
	UserShow(ctx context.Context, handle string) (*solvedac.User, error)
}

// Submitter is the slice of the task queue the services need.
type Submitter interface {
	Submit(name string, fn taskq.WorkFunc, opts taskq.Options) (string, error)
}

// Profile-sync task policy, matching how this service has always
// scheduled syncs: cheap to retry, quick to time out.
const (
	syncMaxRetries = 2
	syncRetryDelay = 5 * time.Minute
	syncTimeout    = time.Minute
)

// SyncReport summarizes one bulk resync fan-out.
type SyncReport struct {
	Candidates int `json:"candidates"`
	Scheduled  int `json:"scheduled_tasks"`
}

// ProfileService keeps locally cached solved.ac profiles fresh. Syncs
// are idempotent: re-running one overwrites the row with the latest
// upstream state.
type ProfileService struct {
	repo       store.Repository
	api        UserAPI
	tasks      Submitter
	staleAfter time.Duration
	log        zerolog.Logger
}

func NewProfileService(repo store.Repository, api UserAPI, tasks Submitter, staleAfter time.Duration, log zerolog.Logger) *ProfileService {
	if staleAfter <= 0 {
		staleAfter = 6 * time.Hour
	}
	return &ProfileService{repo: repo, api: api, tasks: tasks, staleAfter: staleAfter, log: log}
}

// SyncProfile fetches the current upstream profile and stores it.
func (s *ProfileService) SyncProfile(ctx context.Context, handle string) error {
	u, err := s.api.UserShow(ctx, handle)
	if err != nil {
		return fmt.Errorf("sync profile %q: %w", handle, err)
	}

	existing, err := s.repo.GetProfile(ctx, handle)
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("load profile %q: %w", handle, err)
	}

	now := time.Now().UTC()
	p := domain.Profile{
		Handle:       u.Handle,
		Verified:     existing.Verified,
		Tier:         u.Tier,
		Rating:       u.Rating,
		SolvedCount:  u.SolvedCount,
		Class:        u.Class,
		Bio:          u.Bio,
		LastSyncedAt: &now,
	}
	if err := s.repo.UpsertProfile(ctx, p); err != nil {
		return fmt.Errorf("store profile %q: %w", handle, err)
	}

	s.log.Debug().Str("handle", handle).Int("tier", u.Tier).Msg("profile synced")
	return nil
}

// ScheduleSync enqueues a deferred sync of one profile.
func (s *ProfileService) ScheduleSync(handle string, prio taskq.Priority) (string, error) {
	id, err := s.tasks.Submit(
		"profile_sync_"+handle,
		func(ctx context.Context) (any, error) {
			return nil, s.SyncProfile(ctx, handle)
		},
		taskq.Options{
			Priority:   prio,
			MaxRetries: syncMaxRetries,
			RetryDelay: syncRetryDelay,
			Timeout:    syncTimeout,
		},
	)
	if err != nil {
		return "", fmt.Errorf("schedule sync for %q: %w", handle, err)
	}
	s.log.Info().Str("handle", handle).Str("task_id", id).Msg("profile sync scheduled")
	return id, nil
}

// SyncAllStale fans out one low-priority sync task per verified profile
// whose last sync is older than the staleness window.
func (s *ProfileService) SyncAllStale(ctx context.Context) (SyncReport, error) {
	cutoff := time.Now().UTC().Add(-s.staleAfter)
	profiles, err := s.repo.ListStaleProfiles(ctx, cutoff)
	if err != nil {
		return SyncReport{}, fmt.Errorf("list stale profiles: %w", err)
	}

	report := SyncReport{Candidates: len(profiles)}
	for _, p := range profiles {
		if _, err := s.ScheduleSync(p.Handle, taskq.PriorityLow); err != nil {
			s.log.Error().Err(err).Str("handle", p.Handle).Msg("failed to schedule profile sync")
			continue
		}
		report.Scheduled++
	}

	s.log.Info().
		Int("candidates", report.Candidates).
		Int("scheduled", report.Scheduled).
		Msg("bulk profile resync scheduled")
	return report, nil
}
