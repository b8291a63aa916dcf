// Package provisioner runs a user's session from pairing through credential publication,
// deployment and reaping.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	jobdomain "session-provisioner/internal/cleanupjob/domain"
	"session-provisioner/internal/pairing"
	"session-provisioner/internal/policy/engine"
	"session-provisioner/internal/session/domain"
	"session-provisioner/internal/session/registry"
	"session-provisioner/internal/telemetry"
	userdomain "session-provisioner/internal/user/domain"
	userrepo "session-provisioner/internal/user/repository"
)

const (
	minPhoneDigits = 8
	maxPhoneDigits = 15

	// persistTimeout bounds record writes made outside a caller's request.
	persistTimeout = 10 * time.Second
)

var errClosed = errors.New("provisioner: service is closed")

// Config holds the orchestration settings.
type Config struct {
	// SessionsDir is the parent of every session's credential area.
	SessionsDir string
	// AppPrefix starts every generated app name.
	AppPrefix string
	// CleanupGrace is the delay between a publish and the removal of its branch.
	CleanupGrace time.Duration
}

// Deps are the collaborators of a Service. Admission and Events may be nil.
type Deps struct {
	Users     UserRepo
	Jobs      JobRepo
	Registry  *registry.Registry
	Protocol  pairing.Client
	Admission engine.Evaluator
	Publisher *Publisher
	Deployer  *Deployer
	Events    telemetry.EventEmitter
	// Fs holds the credential areas.
	Fs     afero.Fs
	Logger *slog.Logger
}

// Service is the session lifecycle orchestrator.
type Service struct {
	cfg       Config
	users     UserRepo
	jobs      JobRepo
	registry  *registry.Registry
	protocol  pairing.Client
	admission engine.Evaluator
	publisher *Publisher
	deployer  *Deployer
	events    telemetry.EventEmitter
	fs        afero.Fs
	logger    *slog.Logger
	inst      instruments
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{} // user ids with a running pipeline
}

// NewService returns a Service. Close must be called to stop its background work.
func NewService(cfg Config, deps Deps) *Service {
	if cfg.CleanupGrace <= 0 {
		cfg.CleanupGrace = 60 * time.Second
	}
	if deps.Registry == nil {
		deps.Registry = registry.New()
	}
	if deps.Fs == nil {
		deps.Fs = afero.NewOsFs()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:       cfg,
		users:     deps.Users,
		jobs:      deps.Jobs,
		registry:  deps.Registry,
		protocol:  deps.Protocol,
		admission: deps.Admission,
		publisher: deps.Publisher,
		deployer:  deps.Deployer,
		events:    deps.Events,
		fs:        deps.Fs,
		logger:    deps.Logger,
		inst:      newInstruments(),
		now:       func() time.Time { return time.Now().UTC() },
		ctx:       ctx,
		cancel:    cancel,
		inFlight:  make(map[string]struct{}),
	}
}

// StartPairing opens a protocol session for userID and returns its id and the pairing code
// the user types on their phone. Everything after the code is driven by protocol events.
func (s *Service) StartPairing(ctx context.Context, userID, phone string) (sessionID, code string, err error) {
	if s.ctx.Err() != nil {
		return "", "", errClosed
	}
	userID = strings.TrimSpace(userID)
	digits := domain.DigitsOnly(phone)
	if userID == "" {
		return "", "", fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if n := len(digits); n < minPhoneDigits || n > maxPhoneDigits {
		return "", "", fmt.Errorf("%w: phone number must have %d to %d digits", ErrInvalidRequest, minPhoneDigits, maxPhoneDigits)
	}
	if err := s.admit(ctx, userID, digits); err != nil {
		return "", "", err
	}
	if s.registry.GetByUser(userID) != nil {
		return "", "", ErrDuplicateUser
	}
	existing, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return "", "", fmt.Errorf("provisioner: load user: %w", err)
	}
	if existing != nil && !reclaimable(existing) {
		return "", "", ErrDuplicateUser
	}

	now := s.now()
	sess := domain.Session{
		ID:          domain.NewID(userID, now),
		UserID:      userID,
		PhoneNumber: digits,
		CreatedAt:   now,
	}
	sess.CredentialDir = s.sessionDir(sess.ID)
	log := s.logger.With("user_id", userID, "session_id", sess.ID)

	store, err := pairing.NewCredentialStore(s.fs, sess.CredentialDir)
	if err != nil {
		return "", "", fmt.Errorf("provisioner: %w", err)
	}
	handle, err := s.protocol.Open(ctx, store)
	if err != nil {
		_ = store.Remove()
		return "", "", fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
	}
	entry := registry.NewEntry(sess, handle, store)
	if err := s.registry.Put(entry); err != nil {
		_ = handle.Close()
		_ = store.Remove()
		if errors.Is(err, registry.ErrUserActive) {
			return "", "", ErrDuplicateUser
		}
		return "", "", err
	}

	var staleSession string
	if existing != nil {
		staleSession = existing.SessionID
	}

	// From here on a failure must undo the registry entry, the handle, the credential area
	// and the record.
	rec, restore, err := s.claimRecord(ctx, existing, sess)
	if err != nil {
		s.discard(entry)
		return "", "", err
	}

	ready := make(chan bool, 1)
	s.wg.Add(1)
	go s.runActor(entry, ready)

	abort := func(cause error) {
		ready <- false
		s.discard(entry)
		if err := restore(); err != nil {
			log.Error("provisioner: roll back user record", "error", err)
		}
		s.emit(telemetry.NewEvent(telemetry.EventPairingFailed, userID, sess.ID).WithError(cause))
	}

	code, err = handle.RequestPairingCode(ctx, digits)
	if err != nil {
		abort(err)
		log.Warn("provisioner: pairing code request failed", "error", err)
		return "", "", fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
	}
	rec.Status = userdomain.StatusPairing
	rec.UpdatedAt = s.now()
	if err := s.users.Update(ctx, rec); err != nil {
		abort(err)
		return "", "", fmt.Errorf("provisioner: update user: %w", err)
	}
	ready <- true

	// The reclaimed attempt never connected, so its credential area holds nothing worth keeping.
	if staleSession != "" && staleSession != sess.ID {
		s.removeArea(staleSession, log)
	}

	log.Info("provisioner: pairing started")
	s.emit(telemetry.NewEvent(telemetry.EventPairingStarted, userID, sess.ID))
	return sess.ID, code, nil
}

func (s *Service) admit(ctx context.Context, userID, digits string) error {
	if s.admission == nil {
		return nil
	}
	res, err := s.admission.EvaluateAdmission(ctx, engine.AdmissionInput{
		UserID:         userID,
		Phone:          digits,
		ActiveSessions: s.registry.Len(),
	})
	if err != nil {
		return fmt.Errorf("provisioner: admission: %w", err)
	}
	if !res.Allowed {
		return fmt.Errorf("%w: %s", ErrPairingDenied, strings.Join(res.Reasons, "; "))
	}
	return nil
}

// reclaimable reports whether a record belongs to a pairing attempt that can no longer
// complete. The caller has already checked that the user has no live session.
func reclaimable(r *userdomain.Record) bool {
	return r.Status == userdomain.StatusPending || r.Status == userdomain.StatusPairing
}

// claimRecord writes the pending record for sess, either fresh or over a stale attempt.
// restore undoes the write.
func (s *Service) claimRecord(ctx context.Context, existing *userdomain.Record, sess domain.Session) (*userdomain.Record, func() error, error) {
	if existing == nil {
		rec := &userdomain.Record{
			UserID:      sess.UserID,
			PhoneNumber: sess.PhoneNumber,
			SessionID:   sess.ID,
			Status:      userdomain.StatusPending,
			CreatedAt:   sess.CreatedAt,
			UpdatedAt:   sess.CreatedAt,
		}
		if err := s.users.Create(ctx, rec); err != nil {
			if errors.Is(err, userrepo.ErrDuplicate) {
				return nil, nil, ErrDuplicateUser
			}
			return nil, nil, fmt.Errorf("provisioner: create user: %w", err)
		}
		return rec, func() error {
			ctx, cancel := s.persistCtx()
			defer cancel()
			return s.users.Delete(ctx, sess.UserID)
		}, nil
	}

	prev := *existing
	rec := existing
	rec.PhoneNumber = sess.PhoneNumber
	rec.SessionID = sess.ID
	rec.Status = userdomain.StatusPending
	rec.LastError = ""
	rec.ConnectedAt = nil
	rec.UpdatedAt = sess.CreatedAt
	if err := s.users.Update(ctx, rec); err != nil {
		return nil, nil, fmt.Errorf("provisioner: reclaim user: %w", err)
	}
	s.logger.Info("provisioner: reclaimed stale pairing", "user_id", sess.UserID, "previous_session_id", prev.SessionID)
	return rec, func() error {
		ctx, cancel := s.persistCtx()
		defer cancel()
		prev.UpdatedAt = s.now()
		return s.users.Update(ctx, &prev)
	}, nil
}

// Retrigger reruns publish and deploy for a connected user whose last attempt did not deploy.
// The pipeline runs in the background; its outcome is visible through GetStatus.
func (s *Service) Retrigger(ctx context.Context, userID string) error {
	if s.ctx.Err() != nil {
		return errClosed
	}
	rec, err := s.users.GetByID(ctx, strings.TrimSpace(userID))
	if err != nil {
		return fmt.Errorf("provisioner: load user: %w", err)
	}
	if rec == nil {
		return ErrNotFound
	}
	if rec.Status != userdomain.StatusConnected && rec.Status != userdomain.StatusDeploymentFailed {
		return fmt.Errorf("%w: status is %s", ErrInvalidState, rec.Status)
	}
	if !s.acquire(rec.UserID) {
		return ErrWorkflowInProgress
	}
	store, err := pairing.OpenCredentialStore(s.fs, s.sessionDir(rec.SessionID))
	if err != nil {
		s.release(rec.UserID)
		return fmt.Errorf("%w: credentials of session %s are gone", ErrInvalidState, rec.SessionID)
	}

	s.logger.Info("provisioner: retrigger", "user_id", rec.UserID, "session_id", rec.SessionID, "status", rec.Status)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(rec.UserID)
		_ = s.runPipeline(s.ctx, rec.UserID, rec.SessionID, store)
	}()
	return nil
}

// GetStatus returns the record of userID.
func (s *Service) GetStatus(ctx context.Context, userID string) (*userdomain.Record, error) {
	rec, err := s.users.GetByID(ctx, strings.TrimSpace(userID))
	if err != nil {
		return nil, fmt.Errorf("provisioner: load user: %w", err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

// CleanupJobs returns the cleanup jobs scheduled for userID, newest first.
func (s *Service) CleanupJobs(ctx context.Context, userID string) ([]*jobdomain.Job, error) {
	jobs, err := s.jobs.ListByUser(ctx, strings.TrimSpace(userID))
	if err != nil {
		return nil, fmt.Errorf("provisioner: list cleanup jobs: %w", err)
	}
	return jobs, nil
}

// ListSessions returns every record, most recently connected first.
func (s *Service) ListSessions(ctx context.Context) ([]*userdomain.Record, error) {
	recs, err := s.users.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("provisioner: list users: %w", err)
	}
	return recs, nil
}

// ActiveSessions returns the sessions live in this process.
func (s *Service) ActiveSessions() []domain.Session {
	return s.registry.List()
}

// Close stops accepting work, closes every live handle and waits for actors and pipelines.
func (s *Service) Close() error {
	s.cancel()
	for _, e := range s.registry.Drain() {
		_ = e.Handle.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Service) sessionDir(sessionID string) string {
	return filepath.Join(s.cfg.SessionsDir, sessionID)
}

func (s *Service) removeArea(sessionID string, log *slog.Logger) {
	if filepath.Base(sessionID) != sessionID || sessionID == "." || sessionID == ".." {
		log.Warn("provisioner: refusing to remove credential area", "stale_session_id", sessionID)
		return
	}
	if err := s.fs.RemoveAll(s.sessionDir(sessionID)); err != nil {
		log.Warn("provisioner: remove stale credential area", "stale_session_id", sessionID, "error", err)
	}
}

// acquire marks a pipeline as running for userID. It reports false if one already is.
func (s *Service) acquire(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[userID]; ok {
		return false
	}
	s.inFlight[userID] = struct{}{}
	return true
}

func (s *Service) release(userID string) {
	s.mu.Lock()
	delete(s.inFlight, userID)
	s.mu.Unlock()
}

// evict removes e from the registry if it is still the registered entry for its session.
func (s *Service) evict(e *registry.Entry) bool {
	id := e.Session().ID
	if s.registry.Get(id) != e {
		return false
	}
	return s.registry.Remove(id) != nil
}

// discard evicts e, closes its handle and removes its credential area.
func (s *Service) discard(e *registry.Entry) {
	s.evict(e)
	_ = e.Handle.Close()
	if err := e.Store.Remove(); err != nil {
		s.logger.Warn("provisioner: remove credential area", "dir", e.Store.Dir(), "error", err)
	}
}

func (s *Service) persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(s.ctx), persistTimeout)
}

// updateRecord applies fn to the current record of userID and saves it. It does nothing if the
// record no longer belongs to sessionID.
func (s *Service) updateRecord(userID, sessionID string, fn func(r *userdomain.Record)) (*userdomain.Record, error) {
	ctx, cancel := s.persistCtx()
	defer cancel()
	rec, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.SessionID != sessionID {
		return nil, fmt.Errorf("record of %s no longer belongs to session %s", userID, sessionID)
	}
	fn(rec)
	rec.UpdatedAt = s.now()
	if err := s.users.Update(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Service) emit(ev *telemetry.Event) {
	telemetry.EmitAsync(s.events, s.ctx, ev)
}
