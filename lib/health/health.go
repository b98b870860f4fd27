// Package health serves liveness, session status and Prometheus metrics.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onkernel/chat-bridge/lib/logger"
	"github.com/onkernel/chat-bridge/lib/session"
)

// Status represents the health status
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
)

// Provider reports what the bridge is currently serving.
type Provider interface {
	Sessions() []session.Info
	Connections() int
}

type Server struct {
	provider  Provider
	logger    *slog.Logger
	startTime time.Time
	server    *http.Server
}

func NewServer(addr string, provider Provider, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{provider: provider, logger: log, startTime: time.Now()}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Recoverer,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(logger.AddToContext(r.Context(), s.logger)))
			})
		},
	)
	r.Get("/health", s.handleHealth)
	r.Get("/health/live", s.handleLiveness)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// ListenAndServe serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("health server listening", "addr", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status      Status         `json:"status"`
	Uptime      string         `json:"uptime"`
	Timestamp   string         `json:"timestamp"`
	Connections int            `json:"connections"`
	Sessions    []session.Info `json:"sessions"`
}

// handleHealth is degraded while any started session has lost its login.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sessions := s.provider.Sessions()
	if sessions == nil {
		sessions = []session.Info{}
	}
	resp := healthResponse{
		Status:      StatusHealthy,
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Connections: s.provider.Connections(),
		Sessions:    sessions,
	}
	for _, info := range sessions {
		if info.Started && info.LoginState == session.LoggedOut.String() {
			resp.Status = StatusDegraded
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.FromContext(r.Context()).Error("failed to write health response", "err", err)
	}
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}
