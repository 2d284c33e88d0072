package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"caucode/internal/scheduler"
	"caucode/internal/taskq"
)

// RegisterJobs wires the five recurring jobs onto the scheduler. The
// callbacks are thin: they call a service method and let the scheduler
// log the outcome.
func RegisterJobs(
	sched *scheduler.Scheduler,
	profiles *ProfileService,
	verifications *VerificationService,
	sessions *SessionService,
	queue *taskq.Queue,
	log zerolog.Logger,
) error {
	daily, err := scheduler.Cron("0 0 * * *")
	if err != nil {
		return err
	}

	jobs := []scheduler.Job{
		{
			ID:      "monitor_verifications",
			Name:    "Monitor Pending Verifications",
			Trigger: scheduler.Every(5 * time.Minute),
			Callback: func(ctx context.Context) error {
				stats, err := verifications.CheckPending(ctx)
				if err != nil {
					return err
				}
				log.Info().
					Int("checked", stats.TotalChecked).
					Int("verified", stats.Verified).
					Msg("verification monitoring complete")
				// Sweep overdue requests on the same pass.
				_, err = verifications.CleanupExpired(ctx)
				return err
			},
		},
		{
			ID:      "cleanup_sessions",
			Name:    "Cleanup Expired Sessions",
			Trigger: scheduler.Every(time.Hour),
			Callback: func(ctx context.Context) error {
				_, err := sessions.CleanupExpired(ctx)
				return err
			},
		},
		{
			ID:      "cleanup_verifications",
			Name:    "Cleanup Expired Verifications",
			Trigger: scheduler.Every(30 * time.Minute),
			Callback: func(ctx context.Context) error {
				_, err := verifications.CleanupExpired(ctx)
				return err
			},
		},
		{
			ID:      "sync_user_profiles",
			Name:    "Sync User Profiles",
			Trigger: scheduler.Every(6 * time.Hour),
			Callback: func(ctx context.Context) error {
				_, err := profiles.SyncAllStale(ctx)
				return err
			},
		},
		{
			ID:      "daily_system_check",
			Name:    "Daily System Health Check",
			Trigger: daily,
			Callback: func(ctx context.Context) error {
				sessionsSwept, err := sessions.CleanupExpired(ctx)
				if err != nil {
					return err
				}
				verificationsSwept, err := verifications.CleanupExpired(ctx)
				if err != nil {
					return err
				}
				stats := queue.Stats()
				log.Info().
					Int("sessions_swept", sessionsSwept).
					Int("verifications_swept", verificationsSwept).
					Uint64("tasks_total", stats.Total).
					Uint64("tasks_completed", stats.Completed).
					Uint64("tasks_failed", stats.Failed).
					Msg("daily system check complete")
				return nil
			},
		},
	}

	for _, j := range jobs {
		if err := sched.Register(j); err != nil {
			return fmt.Errorf("register job %q: %w", j.ID, err)
		}
	}
	return nil
}
