// Package api wires the HTTP surface of the ingestion service: authenticated
// job run ingestion with rate limiting, run lookup, and the admin unblock
// endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"carbon-telemetry/internal/auth"
	"carbon-telemetry/internal/config"
	"carbon-telemetry/internal/ingest"
	"carbon-telemetry/internal/models"
	"carbon-telemetry/internal/queue"
	"carbon-telemetry/internal/ratelimit"
	"carbon-telemetry/internal/store"
	"carbon-telemetry/internal/telemetry"
)

// KeyResolver authenticates an inbound API token (implemented by
// *auth.Resolver).
type KeyResolver interface {
	Resolve(ctx context.Context, token string) (models.ApiKey, error)
}

// Ingester validates and persists a job run payload (implemented by
// *ingest.Service).
type Ingester interface {
	Ingest(ctx context.Context, projectID, organizationID string, req ingest.Request) (models.JobRun, bool, error)
}

// Escalation tracks rate-limit denials per credential (implemented by
// *ratelimit.Escalator).
type Escalation interface {
	RecordDenial(ctx context.Context, key models.ApiKey, scope string)
}

// Computer derives energy and emissions for a stored run (implemented by
// *emissions.Computer).
type Computer interface {
	Compute(ctx context.Context, jobRunID string) error
}

// RunStore is the read and admin surface the handlers need (implemented by
// *store.Store).
type RunStore interface {
	GetJobRun(ctx context.Context, id string) (models.JobRun, error)
	GetAPIKey(ctx context.Context, id string) (models.ApiKey, error)
	CreateAPIKey(ctx context.Context, name, hashedKey, prefix, organizationID, projectID string) (string, error)
	UnblockAPIKey(ctx context.Context, id string) error
	AppendAudit(ctx context.Context, ev models.AuditEvent) error
}

// Server wires HTTP handlers for the ingestion API.
type Server struct {
	cfg       config.Config
	store     RunStore
	resolver  KeyResolver
	limiter   ratelimit.Limiter
	escalator Escalation
	ingester  Ingester
	computer  Computer
	queue     *queue.ComputeQueue
	log       *slog.Logger
}

// New constructs the API server. A nil queue means emissions are computed
// inline with ingestion.
func New(cfg config.Config, st RunStore, resolver KeyResolver, limiter ratelimit.Limiter,
	escalator Escalation, ingester Ingester, computer Computer, q *queue.ComputeQueue, log *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		resolver:  resolver,
		limiter:   limiter,
		escalator: escalator,
		ingester:  ingester,
		computer:  computer,
		queue:     q,
		log:       log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/v1/job-runs", s.handleIngest)
	r.Get("/v1/job-runs/{id}", s.handleGetJobRun)
	r.Post("/v1/api-keys", s.handleCreateKey)
	r.Post("/v1/api-keys/{id}/unblock", s.handleUnblock)
	return r
}

type errorResponse struct {
	Error  string `json:"error"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	key, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	decision, err := s.limiter.Check(r.Context(), "ingest", key.ID,
		s.cfg.RateLimitIngestPerMinute, s.cfg.RateLimitBurstMultiplier)
	if err != nil {
		// Fail open: a broken counter store must not take ingestion down.
		s.log.Warn("rate limit check failed", "error", err, "api_key_id", key.ID)
		decision = ratelimit.Decision{Allowed: true, Limit: s.cfg.RateLimitIngestPerMinute}
	}
	writeRateHeaders(w, decision)
	if !decision.Allowed {
		telemetry.RateLimitRejects.Inc()
		s.escalator.RecordDenial(r.Context(), key, "ingest")
		w.Header().Set("Retry-After", strconv.Itoa(decision.ResetSeconds))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
		return
	}

	var req ingest.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}

	run, created, err := s.ingester.Ingest(r.Context(), key.ProjectID, key.OrganizationID, req)
	if err != nil {
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			telemetry.ValidationErrors.Inc()
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
				Error: "validation failed", Field: verr.Field, Reason: verr.Reason,
			})
			return
		}
		var rerr *ingest.ReferentialError
		if errors.As(err, &rerr) {
			telemetry.ValidationErrors.Inc()
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
				Error: "validation failed", Field: rerr.Field, Reason: rerr.Reason,
			})
			return
		}
		// The concurrent-duplicate retry already ran inside the upsert; a
		// unique violation surviving it cannot be resolved on this request.
		if store.IsUniqueViolation(err) {
			writeJSON(w, http.StatusConflict, errorResponse{Error: "conflicting concurrent ingestion, retry"})
			return
		}
		// An explicit id that resolves to no stored run.
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "job run not found"})
			return
		}
		s.log.Error("ingest failed", "error", err, "api_key_id", key.ID)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	if created {
		telemetry.RunsIngested.Inc()
	} else {
		telemetry.RunsDeduped.Inc()
	}

	s.scheduleCompute(r, run.ID)
	s.audit(r, key, "job_run.ingest", "success", "job_run", &run.ID)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, run)
}

// scheduleCompute hands the run to the worker queue, or computes inline when
// no queue is configured or the enqueue fails. Computation never affects the
// ingestion response.
func (s *Server) scheduleCompute(r *http.Request, jobRunID string) {
	if s.queue != nil {
		err := s.queue.Enqueue(r.Context(), jobRunID)
		if err == nil {
			return
		}
		s.log.Warn("compute enqueue failed, computing inline", "error", err, "job_run_id", jobRunID)
	}
	if s.computer == nil {
		return
	}
	if err := s.computer.Compute(r.Context(), jobRunID); err != nil {
		s.log.Error("inline compute failed", "error", err, "job_run_id", jobRunID)
	}
}

func (s *Server) handleGetJobRun(w http.ResponseWriter, r *http.Request) {
	key, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	run, err := s.store.GetJobRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "job run not found"})
			return
		}
		s.log.Error("get job run failed", "error", err, "job_run_id", id)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	// Credentials only see their own project's runs.
	if run.ProjectID != key.ProjectID {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "job run not found"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type createKeyRequest struct {
	Name           string `json:"name"`
	OrganizationID string `json:"organization_id"`
	ProjectID      string `json:"project_id"`
}

type createKeyResponse struct {
	ID        string `json:"id"`
	Key       string `json:"key"` // plaintext, shown exactly once
	KeyPrefix string `json:"key_prefix"`
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AdminToken == "" || r.Header.Get("X-Admin-Token") != s.cfg.AdminToken {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
		return
	}
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	if req.Name == "" || req.OrganizationID == "" || req.ProjectID == "" {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error: "validation failed", Reason: "name, organization_id and project_id are required",
		})
		return
	}
	plaintext, hash, prefix, err := auth.Generate()
	if err != nil {
		s.log.Error("key generation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	id, err := s.store.CreateAPIKey(r.Context(), req.Name, hash, prefix, req.OrganizationID, req.ProjectID)
	if err != nil {
		s.log.Error("key creation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	if err := s.store.AppendAudit(r.Context(), models.AuditEvent{
		OrganizationID: req.OrganizationID,
		ActorType:      "admin",
		Action:         "api_key.create",
		Status:         "success",
		ResourceType:   "api_key",
		ResourceID:     &id,
		RequestID:      requestID(r),
	}); err != nil {
		s.log.Warn("audit append failed", "error", err, "action", "api_key.create")
	}
	writeJSON(w, http.StatusCreated, createKeyResponse{ID: id, Key: plaintext, KeyPrefix: prefix})
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AdminToken == "" || r.Header.Get("X-Admin-Token") != s.cfg.AdminToken {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
		return
	}
	id := chi.URLParam(r, "id")
	key, err := s.store.GetAPIKey(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "api key not found"})
			return
		}
		s.log.Error("load api key failed", "error", err, "api_key_id", id)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	if err := s.store.UnblockAPIKey(r.Context(), id); err != nil {
		s.log.Error("unblock failed", "error", err, "api_key_id", id)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	auditErr := s.store.AppendAudit(r.Context(), models.AuditEvent{
		OrganizationID: key.OrganizationID,
		ActorType:      "admin",
		Action:         "api_key.unblock",
		Status:         "success",
		ResourceType:   "api_key",
		ResourceID:     &id,
		RequestID:      requestID(r),
	})
	if auditErr != nil {
		s.log.Warn("audit append failed", "error", auditErr, "action", "api_key.unblock")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unblocked"})
}

// authenticate resolves the X-API-Key header. It writes the failure response
// itself and reports whether the caller may proceed.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (models.ApiKey, bool) {
	token := r.Header.Get("X-API-Key")
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing api key"})
		return models.ApiKey{}, false
	}
	key, err := s.resolver.Resolve(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrBlocked) {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "api key temporarily blocked"})
			return models.ApiKey{}, false
		}
		if errors.Is(err, auth.ErrInvalidKey) {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid api key"})
			return models.ApiKey{}, false
		}
		s.log.Error("api key resolution failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return models.ApiKey{}, false
	}
	return key, true
}

func (s *Server) audit(r *http.Request, key models.ApiKey, action, status, resourceType string, resourceID *string) {
	err := s.store.AppendAudit(r.Context(), models.AuditEvent{
		OrganizationID: key.OrganizationID,
		ActorType:      "api_key",
		ActorAPIKeyID:  &key.ID,
		Action:         action,
		Status:         status,
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		RequestID:      requestID(r),
	})
	if err != nil {
		s.log.Warn("audit append failed", "error", err, "action", action)
	}
}

func requestID(r *http.Request) string {
	if v := r.Header.Get("X-Request-ID"); v != "" {
		return v
	}
	return uuid.NewString()
}

func writeRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(d.ResetSeconds))
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
