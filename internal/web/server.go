// Package web exposes the HTTP API: record listing and detail, full-text
// search, heartbeat control, and a websocket event stream.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/asheshgoplani/chronicle/internal/logging"
	"github.com/asheshgoplani/chronicle/internal/scheduler"
	"github.com/asheshgoplani/chronicle/internal/search"
)

// HeartbeatRunner is the slice of the scheduler the API layer needs.
type HeartbeatRunner interface {
	RunOnce(ctx context.Context, force bool) (scheduler.RunResult, error)
	Status() scheduler.StatusSnapshot
}

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	Token      string
}

// Server wraps the HTTP server for Chronicle's API.
type Server struct {
	cfg        Config
	httpServer *http.Server
	search     *search.Service
	heartbeat  HeartbeatRunner
	hub        *EventHub
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer creates a server with base routes and middleware. heartbeat
// may be nil when scheduling is not wired; the heartbeat endpoints then
// answer 503.
func NewServer(cfg Config, svc *search.Service, heartbeat HeartbeatRunner) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8430"
	}

	s := &Server{
		cfg:       cfg,
		search:    svc,
		heartbeat: heartbeat,
		hub:       NewEventHub(),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/records", s.handleRecords)
	mux.HandleFunc("/api/records/", s.handleRecordByID)
	mux.HandleFunc("/api/search", s.handleSearch)
	mux.HandleFunc("/api/heartbeat/run", s.handleHeartbeatRun)
	mux.HandleFunc("/api/heartbeat/status", s.handleHeartbeatStatus)
	mux.HandleFunc("/ws/events", s.handleEventsWS)

	handler := withRecover(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Events returns the hub other components publish into.
func (s *Server) Events() *EventHub {
	return s.hub
}

// Start starts the HTTP server and blocks until shutdown or error.
// Returns nil on graceful shutdown.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		// Signal long-lived websocket handlers to stop promptly.
		s.cancelBase()
	}
	s.hub.Close()

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}

	// Open websockets may still block graceful shutdown. Force close as a
	// fallback so Ctrl+C exits promptly.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr == nil {
			return nil
		} else {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
	}

	return err
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.ForComponent(logging.CompWeb).Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
