package provisioner

import "errors"

// Sentinel errors; the HTTP adapter maps them to status codes.
var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrPairingDenied      = errors.New("pairing denied")
	ErrDuplicateUser      = errors.New("user already exists")
	ErrHandshakeFailure   = errors.New("pairing handshake failed")
	ErrPublishFailure     = errors.New("publishing credentials failed")
	ErrDeployFailure      = errors.New("deployment failed")
	ErrCleanupFailure     = errors.New("cleanup failed")
	ErrNotFound           = errors.New("user not found")
	ErrInvalidState       = errors.New("invalid state for operation")
	ErrWorkflowInProgress = errors.New("a publish or deploy is already running for this user")
)
