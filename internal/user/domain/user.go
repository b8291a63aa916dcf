package domain

import (
	"errors"
	"time"
)

// Record is the persisted per-user provisioning record. It outlives the process
// and is never deleted once the pairing code was issued; it is the audit trail of
// one user's session lifecycle.
type Record struct {
	UserID        string
	PhoneNumber   string // digits only
	SessionID     string
	Status        Status
	HerokuApp     string // empty until deployed
	PublishRef    string // branch the credentials were published on; empty until published
	PublishCommit string // exact commit produced by the last publish
	LastError     string // last deferred failure, prefixed with its stage
	ConnectedAt   *time.Time
	DeployedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Status is the finite progression of a user's session.
type Status string

const (
	StatusPending          Status = "pending"
	StatusPairing          Status = "pairing"
	StatusConnected        Status = "connected"
	StatusDeployed         Status = "deployed"
	StatusDeploymentFailed Status = "deployment_failed"
)

// Statuses lists every defined status in progression order.
var Statuses = []Status{StatusPending, StatusPairing, StatusConnected, StatusDeployed, StatusDeploymentFailed}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending:          {StatusPairing},
	StatusPairing:          {StatusConnected},
	StatusConnected:        {StatusDeployed, StatusDeploymentFailed},
	StatusDeploymentFailed: {StatusDeployed, StatusDeploymentFailed},
}

// CanTransition reports whether a record in status from may move to status to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Validate validates the record for persistence. Returns an error describing the first validation failure.
func (r *Record) Validate() error {
	if r.UserID == "" {
		return errors.New("user id is required")
	}
	if r.PhoneNumber == "" {
		return errors.New("phone number is required")
	}
	if r.SessionID == "" {
		return errors.New("session id is required")
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	if !r.Status.Valid() {
		return errors.New("unknown status " + string(r.Status))
	}
	return nil
}
