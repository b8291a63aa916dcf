package repository

import (
	"context"
	"database/sql"
	"time"

	"session-provisioner/internal/cleanupjob/domain"
)

const jobColumns = `id, user_id, session_id, ref, commit_hash, run_at, status, attempts,
	last_error, claimed_at, created_at, completed_at`

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a cleanup job repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create persists the job as pending. The job must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, j *domain.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	j.Status = domain.StatusPending
	_, err := r.db.ExecContext(ctx, `INSERT INTO cleanup_jobs
		(id, user_id, session_id, ref, commit_hash, run_at, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)`,
		j.ID, j.UserID, j.SessionID, j.Ref, j.Commit, j.RunAt, string(j.Status), j.CreatedAt)
	return err
}

// ClaimDue claims due jobs with FOR UPDATE SKIP LOCKED so concurrent reapers never share a job.
func (r *PostgresRepository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `UPDATE cleanup_jobs
		SET status = 'running', attempts = attempts + 1, claimed_at = $1
		WHERE id IN (
			SELECT id FROM cleanup_jobs
			WHERE (status = 'pending' AND run_at <= $1)
			   OR (status = 'running' AND claimed_at < $2)
			ORDER BY run_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		now, now.Add(-lease), limit)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

// MarkDone sets the job to done and clears its error.
func (r *PostgresRepository) MarkDone(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE cleanup_jobs
		SET status = 'done', last_error = NULL, completed_at = $2 WHERE id = $1`, id, at)
	return err
}

// MarkFailed sets the job to failed with msg. Failed jobs are never claimed again.
func (r *PostgresRepository) MarkFailed(ctx context.Context, id, msg string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE cleanup_jobs
		SET status = 'failed', last_error = $2, completed_at = $3 WHERE id = $1`, id, msg, at)
	return err
}

// ListByUser returns the jobs for userID, newest first.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM cleanup_jobs
		WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]*domain.Job, error) {
	defer rows.Close()
	var out []*domain.Job
	for rows.Next() {
		var j domain.Job
		var status string
		var lastErr sql.NullString
		var claimedAt, completedAt sql.NullTime
		if err := rows.Scan(&j.ID, &j.UserID, &j.SessionID, &j.Ref, &j.Commit, &j.RunAt, &status, &j.Attempts,
			&lastErr, &claimedAt, &j.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		j.Status = domain.Status(status)
		j.LastError = lastErr.String
		if claimedAt.Valid {
			t := claimedAt.Time
			j.ClaimedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			j.CompletedAt = &t
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}
