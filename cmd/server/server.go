package main

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/myogestic/myogestic/internal/api"
	"github.com/myogestic/myogestic/internal/config"
	"github.com/myogestic/myogestic/internal/conformal"
	"github.com/myogestic/myogestic/internal/session"
	"github.com/myogestic/myogestic/internal/snapshot"
	"github.com/myogestic/myogestic/internal/solver"
)

var (
	version   = "0.1.0"
	startTime = time.Now()
)

type Server struct {
	manager  *session.Manager
	defaults config.Config
	gatherer prometheus.Gatherer
	log      zerolog.Logger
	validate *validator.Validate
}

func NewServer(manager *session.Manager, defaults config.Config, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	return &Server{
		manager:  manager,
		defaults: defaults,
		gatherer: gatherer,
		log:      log,
		validate: validator.New(),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	r.Handle("/metrics", s.metricsHandler())

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Delete("/", s.handleDelete)
			r.Post("/calibrate", s.handleCalibrate)
			r.Post("/step", s.handleStep)
			r.Post("/observe", s.handleObserve)
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})

	user, password := s.defaults.Server.MetricsUser, s.defaults.Server.MetricsPassword
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "myogestic",
		"version": version,
		"uptime":  time.Since(startTime).String(),
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req api.CreateSessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	sess, err := s.manager.Create(r.Context(), s.sessionConfig(req))
	if err != nil {
		s.respondError(w, err)
		return
	}
	w.Header().Set("Location", "/v1/sessions/"+sess.ID())
	respondJSON(w, http.StatusCreated, sessionInfo(sess.Info()))
}

// sessionConfig fills the request over the configured defaults.
func (s *Server) sessionConfig(req api.CreateSessionRequest) session.Config {
	d := s.defaults
	cfg := session.Config{
		Algorithm: d.Calibrator.Algorithm,
		Alpha:     d.Calibrator.Alpha,
		RegK:      d.Calibrator.RegK,
		RegLambda: d.Calibrator.RegLambda,
		Solver:    d.Solver,
		Snapshot:  req.Snapshot,
	}
	if req.CalibratorType != "" {
		cfg.Algorithm = req.CalibratorType
	}
	if req.Alpha != nil {
		cfg.Alpha = *req.Alpha
	}
	if req.KernelSize != nil {
		cfg.Solver.KernelSize = *req.KernelSize
	}
	if req.SolverStrategy != "" {
		cfg.Solver.Strategy = solver.Strategy(req.SolverStrategy)
	}
	if req.RejectSetSize != nil {
		cfg.Solver.RejectSetSize = nil
		if v := *req.RejectSetSize; v > 0 {
			cfg.Solver.RejectSetSize = &v
		}
	}
	if req.AcceptedTimeoutMs != nil {
		cfg.Solver.AcceptedTimeout = time.Duration(*req.AcceptedTimeoutMs) * time.Millisecond
	}
	if req.FilterSingleSets != nil {
		cfg.Solver.FilterSingleSets = *req.FilterSingleSets
	}
	return cfg
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ids := s.manager.IDs()
	infos := make([]api.SessionInfo, 0, len(ids))
	for _, id := range ids {
		if sess, err := s.manager.Get(id); err == nil {
			infos = append(infos, sessionInfo(sess.Info()))
		}
	}
	respondJSON(w, http.StatusOK, infos)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sessionInfo(sess.Info()))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Close(chi.URLParam(r, "id")); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	var req api.CalibrateRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.manager.Calibrate(r.Context(), chi.URLParam(r, "id"), req.Probabilities, req.Labels)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, api.CalibrateResponse{
		QHat:     res.QHat,
		Samples:  res.Samples,
		Classes:  res.Classes,
		Snapshot: res.Snapshot,
	})
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	var req api.StepRequest
	if !s.decode(w, r, &req) {
		return
	}
	out, err := s.manager.Step(r.Context(), chi.URLParam(r, "id"), req.Probabilities)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, api.StepResponse{
		Label:    out.Label,
		Set:      out.Set.Mask(),
		Members:  out.Set.Members(),
		Rejected: out.Rejected,
		Status:   string(out.Status),
	})
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	var req api.ObserveRequest
	if !s.decode(w, r, &req) {
		return
	}
	obs, err := s.manager.Observe(r.Context(), chi.URLParam(r, "id"), req.Probabilities, req.Label)
	if err != nil {
		s.respondError(w, err)
		return
	}
	resp := api.ObserveResponse{
		Covered:      obs.Covered,
		Coverage:     obs.Coverage,
		Observations: obs.Observations,
		CoverageOK:   obs.CoverageOK,
	}
	if d := obs.Drift; d != nil {
		resp.Drift = &api.DriftReport{
			Drifted:          d.Drifted,
			KSStatistic:      d.KSStatistic,
			PValue:           d.PValue,
			RecommendRecalib: d.RecommendRecalib,
			Message:          d.Message,
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func sessionInfo(info session.Info) api.SessionInfo {
	out := api.SessionInfo{
		ID:             info.ID,
		CalibratorType: info.Algorithm,
		Alpha:          info.Alpha,
		Calibrated:     info.Calibrated,
		Classes:        info.Classes,
		KernelSize:     info.Solver.KernelSize,
		SolverStrategy: string(info.Solver.Strategy),
		Snapshot:       info.Snapshot,
		Steps:          info.Steps,
		Observations:   info.Observations,
		CreatedAt:      info.CreatedAt,
	}
	if info.Calibrated && !math.IsNaN(info.QHat) {
		q := info.QHat
		out.QHat = &q
	}
	if info.Observations > 0 {
		c := info.Coverage
		out.Coverage = &c
	}
	return out
}

const maxBodyBytes = 8 << 20

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	limit := s.defaults.Server.MaxBodyBytes
	if limit <= 0 {
		limit = maxBodyBytes
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "invalid request body: " + err.Error(), Code: "invalid_body"})
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		respondJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: err.Error(), Code: "invalid_request"})
		return false
	}
	return true
}

// errorStatus maps domain errors to HTTP status codes and stable codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, snapshot.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusGone, "session_closed"
	case errors.Is(err, session.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, session.ErrTooManySessions):
		return http.StatusServiceUnavailable, "too_many_sessions"
	case errors.Is(err, conformal.ErrNotCalibrated):
		return http.StatusConflict, "not_calibrated"
	case errors.Is(err, solver.ErrStaleFallback):
		return http.StatusServiceUnavailable, "stale_fallback"
	case errors.Is(err, conformal.ErrShapeMismatch),
		errors.Is(err, conformal.ErrEmptyCalibration),
		errors.Is(err, conformal.ErrInvalidAlgorithm),
		errors.Is(err, conformal.ErrInvalidAlpha),
		errors.Is(err, solver.ErrInvalidConfig),
		errors.Is(err, solver.ErrInvalidSet),
		errors.Is(err, snapshot.ErrInvalidName):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	respondJSON(w, status, api.ErrorResponse{Error: err.Error(), Code: code})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
