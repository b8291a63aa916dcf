// Package httpapi is the HTTP surface of the provisioner.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	jobdomain "session-provisioner/internal/cleanupjob/domain"
	sessiondomain "session-provisioner/internal/session/domain"
	userdomain "session-provisioner/internal/user/domain"
)

const maxBodyBytes = 1 << 20

// Provisioner is the orchestrator API the handlers call.
type Provisioner interface {
	StartPairing(ctx context.Context, userID, phone string) (sessionID, code string, err error)
	Retrigger(ctx context.Context, userID string) error
	GetStatus(ctx context.Context, userID string) (*userdomain.Record, error)
	ListSessions(ctx context.Context) ([]*userdomain.Record, error)
	CleanupJobs(ctx context.Context, userID string) ([]*jobdomain.Job, error)
	ActiveSessions() []sessiondomain.Session
}

// HealthChecker reports dependency readiness.
type HealthChecker interface {
	Check(ctx context.Context) error
}

type Handler struct {
	svc    Provisioner
	health HealthChecker
	logger *slog.Logger
}

type pairRequest struct {
	UserID      string `json:"user_id"`
	PhoneNumber string `json:"phone_number"`
}

type pairResponse struct {
	SessionID   string `json:"session_id"`
	PairingCode string `json:"pairing_code"`
}

type recordResponse struct {
	UserID        string     `json:"user_id"`
	PhoneNumber   string     `json:"phone_number"`
	SessionID     string     `json:"session_id"`
	Status        string     `json:"status"`
	HerokuApp     string     `json:"heroku_app,omitempty"`
	PublishRef    string     `json:"publish_ref,omitempty"`
	PublishCommit string     `json:"publish_commit,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	ConnectedAt   *time.Time `json:"connected_at,omitempty"`
	DeployedAt    *time.Time `json:"deployed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type jobResponse struct {
	ID          string     `json:"id"`
	Ref         string     `json:"ref"`
	Commit      string     `json:"commit"`
	Status      string     `json:"status"`
	RunAt       time.Time  `json:"run_at"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type statusResponse struct {
	recordResponse
	CleanupJobs []jobResponse `json:"cleanup_jobs"`
}

type listResponse struct {
	Sessions []recordResponse `json:"sessions"`
}

// NewHandler returns the API handler. health may be nil.
func NewHandler(svc Provisioner, health HealthChecker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, health: health, logger: logger}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("POST /api/pair", h.handlePair)
	mux.HandleFunc("POST /api/sessions/{userID}/deploy", h.handleDeploy)
	mux.HandleFunc("GET /api/status/{userID}", h.handleStatus)
	mux.HandleFunc("GET /api/sessions", h.handleList)
	return mux
}

// New wraps the routes with tracing, request logging and, when verifier is set, bearer auth.
func New(h *Handler, verifier TokenVerifier) http.Handler {
	var next http.Handler = h.Routes()
	if verifier != nil {
		next = AuthMiddleware(verifier, next)
	}
	next = LoggingMiddleware(h.logger, next)
	return otelhttp.NewHandler(next, "provisioner-api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			if r.Pattern != "" {
				return r.Pattern
			}
			return r.Method + " " + r.URL.Path
		}))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Check(r.Context()); err != nil {
			h.logger.Warn("httpapi: health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "active_sessions": len(h.svc.ActiveSessions())})
}

func (h *Handler) handlePair(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	if req.UserID == "" || req.PhoneNumber == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id and phone_number are required")
		return
	}

	sessionID, code, err := h.svc.StartPairing(r.Context(), req.UserID, req.PhoneNumber)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pairResponse{SessionID: sessionID, PairingCode: code})
}

func (h *Handler) handleDeploy(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.PathValue("userID"))
	if err := h.svc.Retrigger(r.Context(), userID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"user_id": userID, "status": "accepted"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetStatus(r.Context(), r.PathValue("userID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	jobs, err := h.svc.CleanupJobs(r.Context(), rec.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := statusResponse{recordResponse: toRecordResponse(rec), CleanupJobs: make([]jobResponse, 0, len(jobs))}
	for _, j := range jobs {
		out.CleanupJobs = append(out.CleanupJobs, jobResponse{
			ID:          j.ID,
			Ref:         j.Ref,
			Commit:      j.Commit,
			Status:      string(j.Status),
			RunAt:       j.RunAt,
			Attempts:    j.Attempts,
			LastError:   j.LastError,
			CompletedAt: j.CompletedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := h.svc.ListSessions(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := listResponse{Sessions: make([]recordResponse, 0, len(recs))}
	for _, rec := range recs {
		out.Sessions = append(out.Sessions, toRecordResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func toRecordResponse(r *userdomain.Record) recordResponse {
	return recordResponse{
		UserID:        r.UserID,
		PhoneNumber:   r.PhoneNumber,
		SessionID:     r.SessionID,
		Status:        string(r.Status),
		HerokuApp:     r.HerokuApp,
		PublishRef:    r.PublishRef,
		PublishCommit: r.PublishCommit,
		LastError:     r.LastError,
		ConnectedAt:   r.ConnectedAt,
		DeployedAt:    r.DeployedAt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}
