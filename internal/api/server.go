// Package api serves the HTTP control surface of the headless runtime.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/treykane/wstunnel-manager/internal/model"
	"github.com/treykane/wstunnel-manager/internal/security"
	"github.com/treykane/wstunnel-manager/internal/store"
	"github.com/treykane/wstunnel-manager/internal/supervisor"
)

// Controller is the part of the supervisor the API drives.
type Controller interface {
	StatusAll() []model.RuntimeState
	Status(id string) (model.RuntimeState, error)
	Start(ctx context.Context, id string) (model.RuntimeState, error)
	Stop(id string) error
	Delete(id string) error
}

// Config holds server options. Gatherer defaults to the default registry.
type Config struct {
	Token              string
	RateLimitPerMinute int
	Gatherer           prometheus.Gatherer
}

// Server routes HTTP requests to a Controller.
type Server struct {
	router *mux.Router
	ctl    Controller
}

func NewServer(ctl Controller, cfg Config) *Server {
	s := &Server{router: mux.NewRouter(), ctl: ctl}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	apiRouter := s.router.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(newLimiter(cfg.RateLimitPerMinute).Middleware)
	if cfg.Token != "" {
		apiRouter.Use(tokenMiddleware(cfg.Token))
	}
	apiRouter.HandleFunc("/tunnels", s.handleListTunnels).Methods(http.MethodGet)
	apiRouter.HandleFunc("/tunnels/{id}", s.handleGetTunnel).Methods(http.MethodGet)
	apiRouter.HandleFunc("/tunnels/{id}", s.handleDeleteTunnel).Methods(http.MethodDelete)
	apiRouter.HandleFunc("/tunnels/{id}/start", s.handleStartTunnel).Methods(http.MethodPost)
	apiRouter.HandleFunc("/tunnels/{id}/stop", s.handleStopTunnel).Methods(http.MethodPost)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	slog.Info("http api listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode api response", "error", err)
	}
}

// writeError maps supervisor errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var spawnErr *supervisor.SpawnError
	switch {
	case errors.Is(err, supervisor.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, supervisor.ErrAlreadyActive), errors.Is(err, supervisor.ErrInUse):
		status = http.StatusConflict
	case errors.Is(err, supervisor.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.As(err, &spawnErr):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, errorBody{Error: security.UserMessage(err)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTunnels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.StatusAll())
}

func (s *Server) handleGetTunnel(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctl.Status(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStartTunnel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, err := s.ctl.Start(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStopTunnel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.ctl.Stop(id); err != nil {
		writeError(w, err)
		return
	}
	st, err := s.ctl.Status(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

func (s *Server) handleDeleteTunnel(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.Delete(mux.Vars(r)["id"]); err != nil {
		var pe *store.PersistenceError
		if errors.As(err, &pe) {
			// Removed from memory; only the save failed.
			slog.Warn("tunnel deleted but config not saved", "error", err)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
