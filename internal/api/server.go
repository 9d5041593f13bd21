package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"tax-sync-tracker/internal/backend"
	"tax-sync-tracker/internal/config"
	"tax-sync-tracker/internal/progress"
	"tax-sync-tracker/internal/ratelimit"
	"tax-sync-tracker/internal/submit"
	"tax-sync-tracker/internal/telemetry"
	"tax-sync-tracker/internal/tracker"
)

// Server wires HTTP handlers for the sync tracking surface. Authorization is
// enforced upstream; every request here is already scoped to a company the
// caller may see.
type Server struct {
	cfg       config.Config
	agg       *progress.Aggregator
	submitter *submit.Service
	limiter   *ratelimit.SubmissionLimiter
	log       *slog.Logger
}

// New constructs the API server. limiter may be nil to disable submission
// throttling.
func New(cfg config.Config, agg *progress.Aggregator, submitter *submit.Service, limiter *ratelimit.SubmissionLimiter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		agg:       agg,
		submitter: submitter,
		limiter:   limiter,
		log:       log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api/v1/companies/{companyID}", func(r chi.Router) {
		r.Get("/sync-status", s.handleSyncStatus)
		r.Post("/syncs", s.handleSubmitSync)
		r.Get("/sync-history", s.handleSyncHistory)
	})
	return r
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	companyID, err := companyParam(r)
	if err != nil {
		http.Error(w, "invalid company id", http.StatusBadRequest)
		return
	}
	snap, err := s.agg.Snapshot(r.Context(), companyID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type submitRequest struct {
	JobName        string         `json:"job_name"`
	DisplayName    string         `json:"display_name"`
	Queue          string         `json:"queue"`
	Metadata       map[string]any `json:"metadata"`
	ChainJobName   string         `json:"chain_job_name"`
	IdempotencyKey string         `json:"idempotency_key"`
}

func (s *Server) handleSubmitSync(w http.ResponseWriter, r *http.Request) {
	companyID, err := companyParam(r)
	if err != nil {
		http.Error(w, "invalid company id", http.StatusBadRequest)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.JobName == "" {
		http.Error(w, "job_name is required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), companyID)
		if err != nil {
			// Limiter errors fail open; a dead Redis surfaces through the
			// submit path.
			s.log.Warn("api: rate limit check failed", "company", companyID, "error", err)
		} else if !allowed {
			telemetry.SubmissionsThrottled.Inc()
			http.Error(w, "too many sync submissions for this company", http.StatusTooManyRequests)
			return
		}
	}

	tr, err := s.submitter.TrackAndSubmit(r.Context(), submit.Request{
		CompanyID:      companyID,
		JobName:        req.JobName,
		DisplayName:    req.DisplayName,
		Queue:          req.Queue,
		Metadata:       req.Metadata,
		ChainJobName:   req.ChainJobName,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, tr)
}

func (s *Server) handleSyncHistory(w http.ResponseWriter, r *http.Request) {
	companyID, err := companyParam(r)
	if err != nil {
		http.Error(w, "invalid company id", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	hist, err := s.agg.History(r.Context(), companyID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": hist})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tracker.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, tracker.ErrDuplicateJob):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, backend.ErrUnavailable):
		http.Error(w, "queue backend unavailable", http.StatusServiceUnavailable)
	default:
		s.log.Error("api: request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func companyParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "companyID"), 10, 64)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
