package repository

import (
	"context"
	"time"

	"session-provisioner/internal/cleanupjob/domain"
)

// Repository defines persistence for cleanup jobs.
type Repository interface {
	// Create schedules a new pending job.
	Create(ctx context.Context, j *domain.Job) error
	// ClaimDue marks up to limit due jobs as running and returns them. A job is due when it is
	// pending and its run_at has passed, or when it has been running since before now-lease.
	// Jobs claimed by a concurrent caller are skipped.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*domain.Job, error)
	// MarkDone completes a job.
	MarkDone(ctx context.Context, id string, at time.Time) error
	// MarkFailed records a terminal failure for a job.
	MarkFailed(ctx context.Context, id, msg string, at time.Time) error
	// ListByUser returns every job for userID, newest first.
	ListByUser(ctx context.Context, userID string) ([]*domain.Job, error)
}
