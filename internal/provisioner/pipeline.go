package provisioner

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"session-provisioner/internal/cleanupjob/domain"
	"session-provisioner/internal/pairing"
	"session-provisioner/internal/telemetry"
	userdomain "session-provisioner/internal/user/domain"
)

// runPipeline publishes the credentials in store and deploys them. Failures are recorded on
// the user's record and returned; nothing is retried.
func (s *Service) runPipeline(ctx context.Context, userID, sessionID string, store *pairing.CredentialStore) error {
	log := s.logger.With("user_id", userID, "session_id", sessionID)
	appName := AppName(s.cfg.AppPrefix, userID, s.now())

	pubCtx, endPublish := s.inst.start(ctx, stagePublish, userID)
	pub, err := s.publisher.Publish(pubCtx, userID, appName, store)
	endPublish(err)
	if err != nil {
		log.Error("provisioner: publish failed", "error", err)
		if _, uerr := s.updateRecord(userID, sessionID, func(r *userdomain.Record) {
			r.LastError = "publish: " + err.Error()
		}); uerr != nil {
			log.Error("provisioner: record publish failure", "error", uerr)
		}
		s.emit(telemetry.NewEvent(telemetry.EventPublishFailed, userID, sessionID).WithError(err))
		return fmt.Errorf("%w: %v", ErrPublishFailure, err)
	}
	log.Info("provisioner: credentials published", "ref", pub.Ref, "commit", pub.Commit)
	if _, err := s.updateRecord(userID, sessionID, func(r *userdomain.Record) {
		r.PublishRef = pub.Ref
		r.PublishCommit = pub.Commit
	}); err != nil {
		log.Error("provisioner: record publication", "error", err)
	}
	s.emit(telemetry.NewEvent(telemetry.EventPublishSucceeded, userID, sessionID).
		With("ref", pub.Ref).With("commit", pub.Commit))

	// The branch is reaped whatever the deploy outcome; a later retrigger publishes a new commit.
	defer s.scheduleCleanup(userID, sessionID, pub)

	depCtx, endDeploy := s.inst.start(ctx, stageDeploy, userID)
	dep, err := s.deployer.Deploy(depCtx, userID, appName, pub)
	endDeploy(err)
	if err != nil {
		log.Error("provisioner: deploy failed", "app", appName, "error", err)
		if _, uerr := s.updateRecord(userID, sessionID, func(r *userdomain.Record) {
			r.Status = userdomain.StatusDeploymentFailed
			r.LastError = "deploy: " + err.Error()
		}); uerr != nil {
			log.Error("provisioner: record deploy failure", "error", uerr)
		}
		s.emit(telemetry.NewEvent(telemetry.EventDeployFailed, userID, sessionID).With("app", appName).WithError(err))
		return fmt.Errorf("%w: %v", ErrDeployFailure, err)
	}

	at := s.now()
	if _, err := s.updateRecord(userID, sessionID, func(r *userdomain.Record) {
		r.Status = userdomain.StatusDeployed
		r.HerokuApp = dep.App
		r.DeployedAt = &at
		r.LastError = ""
	}); err != nil {
		log.Error("provisioner: record deployment", "error", err)
		return err
	}
	log.Info("provisioner: deployed", "app", dep.App, "build_id", dep.BuildID)
	s.emit(telemetry.NewEvent(telemetry.EventDeploySucceeded, userID, sessionID).
		With("app", dep.App).With("build_id", dep.BuildID))
	return nil
}

func (s *Service) scheduleCleanup(userID, sessionID string, pub Publication) {
	now := s.now()
	job := &domain.Job{
		ID:        uuid.NewString(),
		UserID:    userID,
		SessionID: sessionID,
		Ref:       pub.Ref,
		Commit:    pub.Commit,
		RunAt:     now.Add(s.cfg.CleanupGrace),
		Status:    domain.StatusPending,
		CreatedAt: now,
	}
	ctx, cancel := s.persistCtx()
	defer cancel()
	if err := s.jobs.Create(ctx, job); err != nil {
		s.logger.Error("provisioner: schedule cleanup", "user_id", userID, "ref", pub.Ref, "commit", pub.Commit, "error", err)
		return
	}
	s.logger.Info("provisioner: cleanup scheduled", "user_id", userID, "job_id", job.ID, "run_at", job.RunAt)
}
