package provisioner

import (
	"context"
	"time"

	jobdomain "session-provisioner/internal/cleanupjob/domain"
	"session-provisioner/internal/heroku"
	userdomain "session-provisioner/internal/user/domain"
)

// UserRepo is the user record store needed by the provisioner.
type UserRepo interface {
	GetByID(ctx context.Context, userID string) (*userdomain.Record, error)
	List(ctx context.Context) ([]*userdomain.Record, error)
	Create(ctx context.Context, r *userdomain.Record) error
	Update(ctx context.Context, r *userdomain.Record) error
	Delete(ctx context.Context, userID string) error
}

// JobRepo is the cleanup job store needed by the provisioner and the reaper.
type JobRepo interface {
	Create(ctx context.Context, j *jobdomain.Job) error
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*jobdomain.Job, error)
	MarkDone(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id, msg string, at time.Time) error
	ListByUser(ctx context.Context, userID string) ([]*jobdomain.Job, error)
}

// Workspace is the shared git working copy credentials are published from.
type Workspace interface {
	Publish(ctx context.Context, ref, message string, write func(dir string) error) (string, error)
	RemoteRef(ctx context.Context, ref string) (string, bool, error)
	DeleteRemoteRef(ctx context.Context, ref, commit string) error
}

// Platform is the hosting platform apps are deployed to.
type Platform interface {
	CreateApp(ctx context.Context, name string) (*heroku.App, error)
	SetConfigVars(ctx context.Context, app string, vars map[string]string) error
	CreateBuild(ctx context.Context, app, sourceURL, version string) (*heroku.Build, error)
	DeleteApp(ctx context.Context, app string) error
}
