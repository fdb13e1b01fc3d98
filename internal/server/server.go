package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ezpaarse-project/ezmesure-harvester/pkg/harvest"
)

// Harvester is the part of the orchestrator exposed over HTTP.
type Harvester interface {
	Trigger(ctx context.Context, opts harvest.TriggerOptions) (*harvest.Run, error)
	Run(ctx context.Context, id string) (*harvest.Run, error)
	Runs(ctx context.Context, filter harvest.RunFilter) ([]*harvest.Run, error)
	CancelRun(ctx context.Context, id string) error
	Job(ctx context.Context, id string) (*harvest.Job, error)
	Jobs(ctx context.Context, filter harvest.JobFilter) ([]*harvest.Job, error)
	CancelJob(ctx context.Context, id string) error
	RetryJob(ctx context.Context, id string) (*harvest.Job, error)
	Stats() harvest.Stats
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithIntegrationStats adds the counters of the storage and messaging
// integrations to GET /api/v1/stats.
func WithIntegrationStats(fn func() map[string]any) Option {
	return func(s *Server) {
		s.integrations = fn
	}
}

type Server struct {
	harvester    Harvester
	integrations func() map[string]any
	logger       *zap.Logger
}

func New(h Harvester, opts ...Option) *Server {
	s := &Server{
		harvester: h,
		logger:    zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.Named("server")
	return s
}

const defaultListLimit = 100

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", s.stats)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.listRuns)
			r.Post("/", s.triggerRun)
			r.Get("/{id}", s.getRun)
			r.Post("/{id}/cancel", s.cancelRun)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Get("/{id}", s.getJob)
			r.Post("/{id}/cancel", s.cancelJob)
			r.Post("/{id}/retry", s.retryJob)
		})
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case harvest.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, harvest.ErrInvalidTransition), harvest.IsDuplicateJob(err), errors.Is(err, harvest.ErrStaleJob):
		status = http.StatusConflict
	case errors.Is(err, harvest.ErrUnknownSchedule), errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, harvest.ErrNotStarted), errors.Is(err, harvest.ErrShutdown):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

var errBadRequest = errors.New("bad request")

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"harvest": s.harvester.Stats(),
	}
	if s.integrations != nil {
		body["integrations"] = s.integrations()
	}
	s.writeJSON(w, http.StatusOK, body)
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: invalid limit %q", errBadRequest, raw)
	}
	return n, nil
}

// listParam accepts both ?status=a&status=b and ?status=a,b.
func listParam(r *http.Request, name string) []string {
	var out []string
	for _, v := range r.URL.Query()[name] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	filter := harvest.RunFilter{Limit: limit}
	for _, st := range listParam(r, "status") {
		filter.Statuses = append(filter.Statuses, harvest.RunStatus(st))
	}

	runs, err := s.harvester.Runs(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if runs == nil {
		runs = []*harvest.Run{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

type triggerRequest struct {
	Force       bool     `json:"force"`
	Schedules   []string `json:"schedules"`
	Credentials []string `json:"credentials"`
	Reports     []string `json:"reports"`
	// Date is a YYYY-MM-DD reference day; the due period precedes it.
	Date string `json:"date"`
}

func (s *Server) triggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	opts := harvest.TriggerOptions{
		Schedules:   req.Schedules,
		Credentials: req.Credentials,
		Reports:     req.Reports,
		Force:       req.Force,
		Trigger:     harvest.TriggerManual,
	}
	if req.Date != "" {
		day, err := time.Parse(time.DateOnly, req.Date)
		if err != nil {
			s.writeError(w, fmt.Errorf("%w: invalid date %q", errBadRequest, req.Date))
			return
		}
		opts.Now = day
	}

	run, err := s.harvester.Trigger(r.Context(), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if run == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"run": nil, "message": "nothing due"})
		return
	}
	s.logger.Info("manual run triggered", zap.String("run_id", run.ID), zap.Int("jobs", run.TotalJobs))
	s.writeJSON(w, http.StatusCreated, map[string]any{"run": run})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.harvester.Run(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.harvester.CancelRun(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("run cancelled via API", zap.String("run_id", id))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	q := r.URL.Query()
	filter := harvest.JobFilter{
		RunID:        q.Get("run_id"),
		CredentialID: q.Get("credential_id"),
		ReportID:     strings.ToLower(q.Get("report_id")),
		Limit:        limit,
	}
	for _, st := range listParam(r, "status") {
		filter.Statuses = append(filter.Statuses, harvest.Status(st))
	}

	jobs, err := s.harvester.Jobs(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*harvest.Job{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.harvester.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.harvester.CancelJob(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("job cancelled via API", zap.String("job_id", id))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.harvester.RetryJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("job re-queued via API", zap.String("job_id", job.ID))
	s.writeJSON(w, http.StatusAccepted, job)
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("starting control API", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down control API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
