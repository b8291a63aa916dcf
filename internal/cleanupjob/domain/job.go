package domain

import (
	"errors"
	"time"
)

// Job is a durably scheduled removal of one published credential commit.
type Job struct {
	ID          string
	UserID      string
	SessionID   string
	Ref         string // remote branch holding the credentials
	Commit      string // commit the branch must still point at to be removed
	RunAt       time.Time
	Status      Status
	Attempts    int
	LastError   string
	ClaimedAt   *time.Time
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Status is the processing state of a job.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Validate checks the fields required to schedule the job.
func (j *Job) Validate() error {
	if j.ID == "" {
		return errors.New("job id is required")
	}
	if j.UserID == "" || j.SessionID == "" {
		return errors.New("user id and session id are required")
	}
	if j.Ref == "" || j.Commit == "" {
		return errors.New("ref and commit are required")
	}
	if j.RunAt.IsZero() {
		return errors.New("run_at is required")
	}
	return nil
}
