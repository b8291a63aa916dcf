package provisioner

import (
	"log/slog"

	"session-provisioner/internal/pairing"
	"session-provisioner/internal/session/registry"
	"session-provisioner/internal/telemetry"
	userdomain "session-provisioner/internal/user/domain"
)

// runActor consumes the protocol events of one session in arrival order. Connection events
// wait on ready, which StartPairing resolves once the pairing code is out (true) or the
// attempt was rolled back (false).
func (s *Service) runActor(e *registry.Entry, ready <-chan bool) {
	defer s.wg.Done()
	sess := e.Session()
	log := s.logger.With("user_id", sess.UserID, "session_id", sess.ID)

	resolved, admitted := false, false
	gate := func() bool {
		if !resolved {
			select {
			case admitted = <-ready:
			case <-s.ctx.Done():
			}
			resolved = true
		}
		return admitted
	}

	for ev := range e.Handle.Events() {
		switch ev.Kind {
		case pairing.EventCredentialsUpdate:
			if err := e.Store.SaveAll(ev.Credentials); err != nil {
				log.Error("provisioner: save credentials", "error", err)
			}
		case pairing.EventConnectionUpdate:
			if !gate() {
				continue
			}
			switch ev.Connection {
			case pairing.ConnectionOpen:
				s.onConnected(e, log)
			case pairing.ConnectionClose:
				if !e.Session().Connected {
					s.onPairingClosed(e, ev.Reason, log)
					return
				}
				log.Info("provisioner: connection closed", "reason", ev.Reason)
			}
		}
	}
	// The stream ended without a close event (sidecar gone, stream error, expired code).
	// Wait for StartPairing's verdict and treat it as a close if pairing never finished.
	if gate() && !e.Session().Connected {
		s.onPairingClosed(e, "event stream ended", log)
	}
}

// onConnected records the connection and starts the publish and deploy pipeline.
// Only the first open event of a session gets past MarkConnected.
func (s *Service) onConnected(e *registry.Entry, log *slog.Logger) {
	at := s.now()
	if !e.MarkConnected(at) {
		return
	}
	sess := e.Session()
	_, err := s.updateRecord(sess.UserID, sess.ID, func(r *userdomain.Record) {
		r.Status = userdomain.StatusConnected
		r.ConnectedAt = &at
		r.LastError = ""
	})
	if err != nil {
		log.Error("provisioner: record connection", "error", err)
		s.retire(e, log)
		return
	}
	log.Info("provisioner: session connected")
	s.emit(telemetry.NewEvent(telemetry.EventSessionConnected, sess.UserID, sess.ID))

	if !s.acquire(sess.UserID) {
		log.Warn("provisioner: pipeline already running, skipping")
		s.retire(e, log)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(sess.UserID)
		_ = s.runPipeline(s.ctx, sess.UserID, sess.ID, e.Store)
		s.retire(e, log)
	}()
}

// retire evicts a connected session and closes its handle. The credential area stays for
// retriggers and is removed by the reaper.
func (s *Service) retire(e *registry.Entry, log *slog.Logger) {
	s.evict(e)
	if err := e.Handle.Close(); err != nil {
		log.Warn("provisioner: close handle", "error", err)
	}
}

// onPairingClosed tears down a session whose connection closed before it was established.
func (s *Service) onPairingClosed(e *registry.Entry, reason string, log *slog.Logger) {
	if !s.evict(e) {
		return
	}
	sess := e.Session()
	_ = e.Handle.Close()
	if err := e.Store.Remove(); err != nil {
		log.Warn("provisioner: remove credential area", "error", err)
	}
	if _, err := s.updateRecord(sess.UserID, sess.ID, func(r *userdomain.Record) {
		r.LastError = "pairing: closed: " + reason
	}); err != nil {
		log.Error("provisioner: record closed pairing", "error", err)
	}
	log.Info("provisioner: pairing closed before connection", "reason", reason)
	s.emit(telemetry.NewEvent(telemetry.EventPairingClosed, sess.UserID, sess.ID).With("reason", reason))
}
