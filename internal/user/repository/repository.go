package repository

import (
	"context"
	"errors"

	"session-provisioner/internal/user/domain"
)

// ErrDuplicate is returned by Create when a record for the user already exists.
var ErrDuplicate = errors.New("user record already exists")

// Repository defines persistence for user records.
type Repository interface {
	// GetByID returns the record for userID, or nil if not found.
	GetByID(ctx context.Context, userID string) (*domain.Record, error)
	// List returns all records ordered by connection time, most recent first; never-connected records last.
	List(ctx context.Context) ([]*domain.Record, error)
	// Create inserts a new record. Returns ErrDuplicate if the user already has one.
	Create(ctx context.Context, r *domain.Record) error
	// Update overwrites the mutable fields of an existing record.
	Update(ctx context.Context, r *domain.Record) error
	// Delete removes the record. Used only to compensate a failed pairing handshake.
	Delete(ctx context.Context, userID string) error
}
