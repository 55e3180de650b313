package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"remindsync/internal/config"
	"remindsync/internal/domain"
	"remindsync/internal/events"
	"remindsync/internal/ics"
	"remindsync/internal/metrics"
	"remindsync/internal/models"
	"remindsync/internal/reconcile"
	"remindsync/internal/report"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// SyncEngine is the part of *reconcile.Engine the API drives.
type SyncEngine interface {
	SyncRecord(ctx context.Context, recordID string, opts reconcile.SyncOptions) (*reconcile.Result, error)
	PurgeRecord(ctx context.Context, recordID string) (*reconcile.Result, error)
	Reindex(ctx context.Context, recordID string) (models.EventMap, error)
	Preview(ctx context.Context, recordID string) (*models.SyncRecord, []models.EventDescriptor, error)
	StartBulk(ctx context.Context, recordIDs []string, force bool) (*models.BulkSyncJob, error)
	SyncOrganization(ctx context.Context, orgID string, force bool) (*models.BulkSyncJob, error)
}

type RecordReader interface {
	GetRecord(ctx context.Context, id string) (*models.SyncRecord, error)
	report.RecordLister
}

// Deps are the collaborators behind the HTTP handlers.
type Deps struct {
	Engine  SyncEngine
	Records RecordReader
	Jobs    domain.BulkJobRepository
	Events  domain.EventPublisher
	// Ready backs /readyz; nil means always ready.
	Ready    func(ctx context.Context) error
	Location *time.Location
}

// HTTPServer exposes the sync operations over HTTP.
type HTTPServer struct {
	cfg      config.APIConfig
	deps     Deps
	server   *http.Server
	auth     *HTTPAuth
	validate *validator.Validate
	now      func() time.Time
	logger   zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, deps Deps, logger *zerolog.Logger) *HTTPServer {
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	srv := &HTTPServer{
		cfg:      cfg,
		deps:     deps,
		auth:     NewHTTPAuth(cfg),
		validate: validator.New(),
		now:      time.Now,
		logger:   logger.With().Str("component", "api").Logger(),
	}

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	return srv
}

func (s *HTTPServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth.Wrap)

		r.Route("/records/{id}", func(r chi.Router) {
			r.Post("/sync", s.handleSync)
			r.Post("/purge", s.handlePurge)
			r.Post("/reindex", s.handleReindex)
			r.Post("/events", s.handleRecordEvent)
			r.Get("/sync-status", s.handleSyncStatus)
			r.Get("/preview.ics", s.handlePreview)
		})
		r.Post("/bulk-sync", s.handleBulkSync)
		r.Get("/bulk-jobs/{id}", s.handleBulkJob)
		r.Get("/reports/sync-status.xlsx", s.handleStatusReport)
	})
	return r
}

// Handler returns the routed handler, mainly for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	force, err := parseBoolQuery(r, "force")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.deps.Engine.SyncRecord(r.Context(), chi.URLParam(r, "id"), reconcile.SyncOptions{Force: force})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultBody(res))
}

func (s *HTTPServer) handlePurge(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Engine.PurgeRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultBody(res))
}

func (s *HTTPServer) handleReindex(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	found, err := s.deps.Engine.Reindex(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recordId": id, "eventMap": found, "events": len(found)})
}

func (s *HTTPServer) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Records.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	eventMap := rec.EventMap
	if eventMap == nil {
		eventMap = models.EventMap{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recordId":   rec.ID,
		"revision":   rec.Revision,
		"archived":   rec.Archived,
		"syncStatus": rec.SyncStatus,
		"eventMap":   eventMap,
	})
}

func (s *HTTPServer) handlePreview(w http.ResponseWriter, r *http.Request) {
	rec, desired, err := s.deps.Engine.Preview(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := ics.Export(&buf, rec, desired, s.now()); err != nil {
		s.logger.Error().Err(err).Str("record_id", rec.ID).Msg("render preview")
		writeError(w, http.StatusInternalServerError, "render preview failed")
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.ID+".ics"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

type recordEventRequest struct {
	Type  string `json:"type" validate:"required,oneof=record_saved record_archived record_deleted"`
	OrgID string `json:"org_id" validate:"omitempty,max=128"`
	Force bool   `json:"force"`
}

// handleRecordEvent lets the system that owns record CRUD report a write.
func (s *HTTPServer) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	var body recordEventRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event dispatch disabled")
		return
	}
	payload := events.RecordEventPayload{RecordID: chi.URLParam(r, "id"), OrgID: body.OrgID, Force: body.Force}
	if err := s.deps.Events.PublishJSON(body.Type, payload); err != nil {
		s.logger.Error().Err(err).Str("record_id", payload.RecordID).Str("type", body.Type).Msg("publish record event")
		writeError(w, http.StatusServiceUnavailable, "dispatch failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "type": body.Type, "recordId": payload.RecordID})
}

type bulkSyncRequest struct {
	RecordIDs []string `json:"record_ids" validate:"omitempty,max=10000,dive,required,max=128"`
	OrgID     string   `json:"org_id" validate:"omitempty,max=128"`
	Force     bool     `json:"force"`
}

func (s *HTTPServer) handleBulkSync(w http.ResponseWriter, r *http.Request) {
	var body bulkSyncRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	if (len(body.RecordIDs) == 0) == (body.OrgID == "") {
		writeError(w, http.StatusBadRequest, "exactly one of record_ids or org_id is required")
		return
	}

	var (
		job *models.BulkSyncJob
		err error
	)
	if body.OrgID != "" {
		job, err = s.deps.Engine.SyncOrganization(r.Context(), body.OrgID, body.Force)
	} else {
		job, err = s.deps.Engine.StartBulk(r.Context(), body.RecordIDs, body.Force)
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *HTTPServer) handleBulkJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	job.Normalize()
	writeJSON(w, http.StatusOK, job)
}

func (s *HTTPServer) handleStatusReport(w http.ResponseWriter, r *http.Request) {
	var states []models.SyncState
	for _, raw := range splitCSV(r.URL.Query().Get("status")) {
		st := models.SyncState(strings.ToUpper(raw))
		switch st {
		case models.StatusSynced, models.StatusPartialSync, models.StatusError:
			states = append(states, st)
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", raw))
			return
		}
	}

	var buf bytes.Buffer
	if err := report.WriteSyncStatus(r.Context(), &buf, s.deps.Records, states, s.deps.Location); err != nil {
		s.logger.Error().Err(err).Msg("render status report")
		writeError(w, http.StatusInternalServerError, "render report failed")
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="sync-status.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *HTTPServer) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return "invalid request: " + strings.Join(fields, "; ")
}

// writeEngineError maps domain failures onto HTTP status codes.
func (s *HTTPServer) writeEngineError(w http.ResponseWriter, err error) {
	var apiErr *domain.APIError
	switch {
	case errors.Is(err, domain.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "record not found")
	case errors.Is(err, domain.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "bulk job not found")
	case errors.Is(err, domain.ErrRevisionConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrCredentialRevoked), errors.Is(err, domain.ErrPrimaryCalendarForbidden):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrCredentialUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &apiErr):
		writeError(w, http.StatusBadGateway, apiErr.Error())
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type resultResponse struct {
	*reconcile.Result
	Error string `json:"error,omitempty"`
}

func resultBody(res *reconcile.Result) resultResponse {
	return resultResponse{Result: res, Error: res.Message()}
}

func parseBoolQuery(r *http.Request, name string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return v, nil
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}
		metrics.IncHTTP(r.Method + " " + endpoint)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("dur", time.Since(start)).
			Msg("http request")
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-API-Extra")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
