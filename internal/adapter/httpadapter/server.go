package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/seismoi-feed/internal/domain"
	"github.com/couchcryptid/seismoi-feed/internal/installation"
	"github.com/couchcryptid/seismoi-feed/internal/observability"
	"github.com/couchcryptid/seismoi-feed/internal/setup"
)

// maxBodyBytes caps request bodies on the setup and options endpoints.
const maxBodyBytes = 64 << 10

// Supervisor is the view of running installations the API serves.
type Supervisor interface {
	Installations() []domain.Installation
	Installation(id string) (domain.Installation, bool)
	Entities(id string) ([]domain.EntityState, error)
	Refresh(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}

// Wizard runs the configuration steps.
type Wizard interface {
	User(ctx context.Context, in *setup.UserInput) (setup.Result, error)
	Options(ctx context.Context, id string, in *setup.OptionsInput) (setup.Result, error)
}

// Server exposes health, readiness, metrics, and the installation API.
type Server struct {
	httpServer *http.Server
	supervisor Supervisor
	wizard     Wizard
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewServer creates an HTTP server with health, metrics, and /api/v1 routes.
func NewServer(addr string, ready sharedobs.ReadinessChecker, sup Supervisor, wizard Wizard, logger *slog.Logger, metrics *observability.Metrics) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		supervisor: sup,
		wizard:     wizard,
		logger:     logger,
		metrics:    metrics,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	s.handle(mux, "GET /api/v1/setup", s.getSetup)
	s.handle(mux, "POST /api/v1/setup", s.postSetup)
	s.handle(mux, "GET /api/v1/installations", s.listInstallations)
	s.handle(mux, "GET /api/v1/installations/{id}", s.getInstallation)
	s.handle(mux, "DELETE /api/v1/installations/{id}", s.deleteInstallation)
	s.handle(mux, "GET /api/v1/installations/{id}/options", s.getOptions)
	s.handle(mux, "POST /api/v1/installations/{id}/options", s.postOptions)
	s.handle(mux, "GET /api/v1/installations/{id}/entities", s.listEntities)
	s.handle(mux, "POST /api/v1/installations/{id}/refresh", s.refresh)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	observer := s.metrics.APIRequests.WithLabelValues(pattern)
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		timer := prometheus.NewTimer(observer)
		defer timer.ObserveDuration()
		h(w, r)
	})
}

func (s *Server) getSetup(w http.ResponseWriter, r *http.Request) {
	res, err := s.wizard.User(r.Context(), nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) postSetup(w http.ResponseWriter, r *http.Request) {
	var in setup.UserInput
	if !s.decode(w, r, &in) {
		return
	}
	res, err := s.wizard.User(r.Context(), &in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, resultStatus(res, http.StatusCreated), res)
}

func (s *Server) listInstallations(w http.ResponseWriter, _ *http.Request) {
	sharedobs.WriteJSON(w, http.StatusOK, s.supervisor.Installations())
}

func (s *Server) getInstallation(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.supervisor.Installation(r.PathValue("id"))
	if !ok {
		sharedobs.WriteJSON(w, http.StatusNotFound, errorBody{Error: "installation not found"})
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, inst)
}

func (s *Server) deleteInstallation(w http.ResponseWriter, r *http.Request) {
	if err := s.supervisor.Remove(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getOptions(w http.ResponseWriter, r *http.Request) {
	res, err := s.wizard.Options(r.Context(), r.PathValue("id"), nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) postOptions(w http.ResponseWriter, r *http.Request) {
	var in setup.OptionsInput
	if !s.decode(w, r, &in) {
		return
	}
	res, err := s.wizard.Options(r.Context(), r.PathValue("id"), &in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, resultStatus(res, http.StatusOK), res)
}

func (s *Server) listEntities(w http.ResponseWriter, r *http.Request) {
	entities, err := s.supervisor.Entities(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, entities)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.supervisor.Refresh(r.Context(), id); err != nil {
		if errors.Is(err, installation.ErrNotLoaded) {
			s.writeError(w, r, err)
			return
		}
		s.logger.Warn("manual refresh failed", "installation_id", id, "error", err)
		sharedobs.WriteJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
		return
	}
	entities, err := s.supervisor.Entities(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, entities)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		sharedobs.WriteJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInstallationNotFound), errors.Is(err, installation.ErrNotLoaded):
		sharedobs.WriteJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	default:
		s.logger.Error("api request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		sharedobs.WriteJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

// resultStatus maps a wizard result to a response code. Completed steps use
// done.
func resultStatus(res setup.Result, done int) int {
	switch {
	case res.Invalid():
		return http.StatusBadRequest
	case res.Type == setup.ResultAbort:
		return http.StatusConflict
	case res.Type == setup.ResultCreateEntry:
		return done
	default:
		return http.StatusOK
	}
}

type errorBody struct {
	Error string `json:"error"`
}
