// Package api serves a workspace over local HTTP: JSON endpoints for
// threads, conversations and streams, plus a server-sent event feed of
// workspace notifications for the UI.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/convo/internal/app"
	"github.com/roach88/convo/internal/metrics"
)

// MaxBodySize bounds request bodies.
const MaxBodySize = 1 << 20

// DefaultHeartbeat is the SSE keep-alive interval.
const DefaultHeartbeat = 30 * time.Second

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMetrics records request metrics and serves them at /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithHeartbeat sets the SSE keep-alive interval.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		s.heartbeat = d
	}
}

// Server routes HTTP requests to a workspace.
type Server struct {
	ws        *app.Workspace
	logger    *slog.Logger
	metrics   *metrics.Metrics
	heartbeat time.Duration
	router    chi.Router
}

// New builds the router for ws.
func New(ws *app.Workspace, opts ...Option) *Server {
	s := &Server{
		ws:        ws,
		logger:    slog.Default(),
		heartbeat: DefaultHeartbeat,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.recordMetrics)
	r.Use(chimw.RequestID)
	r.Use(s.logRequests)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.health)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/events", s.events)
		r.Get("/models", s.listModels)

		r.Get("/threads", s.listThreads)
		r.Post("/threads", s.createThread)
		r.Route("/threads/{id}", func(r chi.Router) {
			r.Get("/", s.getThread)
			r.Patch("/", s.updateThread)
			r.Delete("/", s.deleteThread)
			r.Post("/move", s.moveThread)
			r.Get("/conversation", s.conversation)
			r.Post("/messages", s.sendMessage)
			r.Patch("/messages/{msg}", s.editMessage)
			r.Delete("/messages/{msg}", s.deleteMessage)
			r.Post("/regenerate", s.regenerate)
			r.Put("/branches", s.selectBranch)
			r.Put("/attachments/{name}", s.uploadAttachment)
			r.Get("/attachments/{name}", s.getAttachment)
		})

		r.Get("/streams", s.listStreams)
		r.Get("/streams/{id}", s.getStream)
		r.Delete("/streams/{id}", s.stopStream)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}
