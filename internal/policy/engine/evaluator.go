package engine

import "context"

// AdmissionInput describes a pairing request to be admitted or refused.
type AdmissionInput struct {
	UserID         string
	Phone          string // digits only
	ActiveSessions int    // live sessions at the time of the request
}

// AdmissionResult is the policy decision for one pairing request.
type AdmissionResult struct {
	Allowed bool
	Reasons []string // why the request was refused; empty when allowed
}

// Evaluator decides whether a pairing request may start.
type Evaluator interface {
	EvaluateAdmission(ctx context.Context, in AdmissionInput) (AdmissionResult, error)
}
