package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"session-provisioner/internal/cleanupjob/domain"
	"session-provisioner/internal/pairing"
	"session-provisioner/internal/telemetry"
	userdomain "session-provisioner/internal/user/domain"
)

// ReaperConfig holds the reaper settings.
type ReaperConfig struct {
	// SessionsDir is the parent of every session's credential area.
	SessionsDir string
	// Interval is the polling period of Run.
	Interval time.Duration
	// BatchSize caps the jobs claimed per poll.
	BatchSize int
	// Lease is how long a claimed job may run before another reaper takes it over.
	Lease time.Duration
}

// Reaper removes published credentials once their cleanup job is due.
type Reaper struct {
	cfg       ReaperConfig
	jobs      JobRepo
	users     UserRepo
	workspace Workspace
	fs        afero.Fs
	events    telemetry.EventEmitter
	logger    *slog.Logger
	inst      instruments
	now       func() time.Time
}

// NewReaper returns a reaper. events may be nil.
func NewReaper(cfg ReaperConfig, jobs JobRepo, users UserRepo, workspace Workspace, fs afero.Fs, events telemetry.EventEmitter, logger *slog.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		cfg:       cfg,
		jobs:      jobs,
		users:     users,
		workspace: workspace,
		fs:        fs,
		events:    events,
		logger:    logger,
		inst:      newInstruments(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run polls for due jobs until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("reaper: run", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims the due jobs and processes them. It returns how many jobs were claimed
// and the failures joined together.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	jobs, err := r.jobs.ClaimDue(ctx, r.now(), r.cfg.Lease, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("reaper: claim jobs: %w", err)
	}
	var errs []error
	for _, job := range jobs {
		if err := r.process(ctx, job); err != nil {
			errs = append(errs, err)
		}
	}
	return len(jobs), errors.Join(errs...)
}

func (r *Reaper) process(ctx context.Context, job *domain.Job) error {
	log := r.logger.With("job_id", job.ID, "user_id", job.UserID, "session_id", job.SessionID, "ref", job.Ref, "commit", job.Commit)
	spanCtx, end := r.inst.start(ctx, stageCleanup, job.UserID)
	outcome, err := r.reap(spanCtx, job)
	end(err)

	if err != nil {
		log.Error("reaper: cleanup failed", "attempt", job.Attempts, "error", err)
		if merr := r.jobs.MarkFailed(ctx, job.ID, err.Error(), r.now()); merr != nil {
			log.Error("reaper: mark job failed", "error", merr)
		}
		r.recordFailure(ctx, job, err, log)
		telemetry.EmitAsync(r.events, ctx, telemetry.NewEvent(telemetry.EventCleanupFailed, job.UserID, job.SessionID).
			With("ref", job.Ref).With("commit", job.Commit).WithError(err))
		return fmt.Errorf("%w: job %s: %v", ErrCleanupFailure, job.ID, err)
	}

	r.removeCredentials(ctx, job, log)
	if err := r.jobs.MarkDone(ctx, job.ID, r.now()); err != nil {
		log.Error("reaper: mark job done", "error", err)
	}
	typ := telemetry.EventCleanupSucceeded
	if outcome != outcomeDeleted {
		typ = telemetry.EventCleanupSkipped
	}
	log.Info("reaper: cleanup done", "outcome", outcome)
	telemetry.EmitAsync(r.events, ctx, telemetry.NewEvent(typ, job.UserID, job.SessionID).
		With("ref", job.Ref).With("commit", job.Commit).With("outcome", outcome))
	return nil
}

const (
	outcomeDeleted    = "deleted"
	outcomeAbsent     = "absent"
	outcomeSuperseded = "superseded"
)

// reap deletes the job's branch if it still points at the job's commit. A branch that moved
// on belongs to a later publish and is left alone.
func (r *Reaper) reap(ctx context.Context, job *domain.Job) (string, error) {
	tip, ok, err := r.workspace.RemoteRef(ctx, job.Ref)
	if err != nil {
		return "", fmt.Errorf("look up %s: %w", job.Ref, err)
	}
	if !ok {
		return outcomeAbsent, nil
	}
	if tip != job.Commit {
		return outcomeSuperseded, nil
	}
	if err := r.workspace.DeleteRemoteRef(ctx, job.Ref, job.Commit); err != nil {
		// The lease fails when the branch moved after the lookup.
		if tip, ok, lerr := r.workspace.RemoteRef(ctx, job.Ref); lerr == nil && (!ok || tip != job.Commit) {
			return outcomeSuperseded, nil
		}
		return "", fmt.Errorf("delete %s: %w", job.Ref, err)
	}
	return outcomeDeleted, nil
}

// removeCredentials deletes the local credential area once the session it belongs to is deployed.
func (r *Reaper) removeCredentials(ctx context.Context, job *domain.Job, log *slog.Logger) {
	rec, err := r.users.GetByID(ctx, job.UserID)
	if err != nil {
		log.Warn("reaper: load user", "error", err)
		return
	}
	if rec == nil || rec.SessionID != job.SessionID || rec.Status != userdomain.StatusDeployed {
		return
	}
	store, err := pairing.OpenCredentialStore(r.fs, filepath.Join(r.cfg.SessionsDir, job.SessionID))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn("reaper: open credential area", "error", err)
		}
		return
	}
	if err := store.Remove(); err != nil {
		log.Warn("reaper: remove credential area", "error", err)
	}
}

func (r *Reaper) recordFailure(ctx context.Context, job *domain.Job, cause error, log *slog.Logger) {
	rec, err := r.users.GetByID(ctx, job.UserID)
	if err != nil || rec == nil || rec.SessionID != job.SessionID {
		return
	}
	rec.LastError = "cleanup: " + cause.Error()
	rec.UpdatedAt = r.now()
	if err := r.users.Update(ctx, rec); err != nil {
		log.Error("reaper: record cleanup failure", "error", err)
	}
}
