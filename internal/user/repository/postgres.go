package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"session-provisioner/internal/db"
	"session-provisioner/internal/user/domain"
)

const selectColumns = `user_id, phone_number, session_id, status, heroku_app, publish_ref, publish_commit,
	last_error, connected_at, deployed_at, created_at, updated_at`

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a user repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the record for userID, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, userID string) (*domain.Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM users WHERE user_id = $1`, userID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// List returns all records ordered by connected_at descending, never-connected records last.
func (r *PostgresRepository) List(ctx context.Context) ([]*domain.Record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM users
		ORDER BY connected_at DESC NULLS LAST, created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Create persists a new record. Returns ErrDuplicate on a primary key conflict.
func (r *PostgresRepository) Create(ctx context.Context, rec *domain.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (user_id, phone_number, session_id, status, heroku_app, publish_ref, publish_commit,
			last_error, connected_at, deployed_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rec.UserID, rec.PhoneNumber, rec.SessionID, string(rec.Status),
		nullString(rec.HerokuApp), nullString(rec.PublishRef), nullString(rec.PublishCommit), nullString(rec.LastError),
		timeToNullTime(rec.ConnectedAt), timeToNullTime(rec.DeployedAt), rec.CreatedAt, rec.UpdatedAt,
	)
	if db.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// Update writes every mutable field of rec. A missing row is not an error.
func (r *PostgresRepository) Update(ctx context.Context, rec *domain.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET phone_number = $2, session_id = $3, status = $4, heroku_app = $5, publish_ref = $6,
			publish_commit = $7, last_error = $8, connected_at = $9, deployed_at = $10, updated_at = $11
		WHERE user_id = $1`,
		rec.UserID, rec.PhoneNumber, rec.SessionID, string(rec.Status),
		nullString(rec.HerokuApp), nullString(rec.PublishRef), nullString(rec.PublishCommit), nullString(rec.LastError),
		timeToNullTime(rec.ConnectedAt), timeToNullTime(rec.DeployedAt), rec.UpdatedAt,
	)
	return err
}

// Delete removes the record for userID. A missing row is not an error.
func (r *PostgresRepository) Delete(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE user_id = $1`, userID)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*domain.Record, error) {
	var rec domain.Record
	var status string
	var herokuApp, ref, commit, lastErr sql.NullString
	var connectedAt, deployedAt sql.NullTime
	if err := s.Scan(&rec.UserID, &rec.PhoneNumber, &rec.SessionID, &status, &herokuApp, &ref, &commit,
		&lastErr, &connectedAt, &deployedAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Status = domain.Status(status)
	rec.HerokuApp = herokuApp.String
	rec.PublishRef = ref.String
	rec.PublishCommit = commit.String
	rec.LastError = lastErr.String
	rec.ConnectedAt = nullTimeToPtr(connectedAt)
	rec.DeployedAt = nullTimeToPtr(deployedAt)
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timeToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullTimeToPtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	return &n.Time
}
