// Package agent serves the local operator API of a scoring station: match
// control, sync queue inspection, media submission and a websocket feed
// for scoreboards.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/roach88/takedown/internal/match"
	"github.com/roach88/takedown/internal/session"
)

// DefaultMaxMediaBytes bounds a single media upload.
const DefaultMaxMediaBytes = 512 << 20

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithAllowedOrigins sets the CORS allow-list.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithMaxMediaBytes bounds the size of a media upload.
func WithMaxMediaBytes(n int64) Option {
	return func(s *Server) { s.maxMedia = n }
}

// Server is the operator API of one session.
type Server struct {
	session  *session.Session
	hub      *Hub
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	origins  []string
	maxMedia int64
	mux      *http.ServeMux
}

// New builds the API for s.
func New(s *session.Session, opts ...Option) *Server {
	srv := &Server{
		session:  s,
		logger:   slog.Default(),
		gatherer: prometheus.DefaultGatherer,
		origins:  []string{"http://localhost:3000", "http://localhost:5173"},
		maxMedia: DefaultMaxMediaBytes,
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(srv)
	}
	srv.hub = NewHub(srv.logger.With("component", "hub"))

	srv.mux.HandleFunc("GET /healthz", srv.handleHealth)
	srv.mux.HandleFunc("GET /api/match", srv.handleGetMatch)
	srv.mux.HandleFunc("POST /api/match", srv.handleStartMatch)
	srv.mux.HandleFunc("POST /api/match/commands", srv.handleCommand)
	srv.mux.HandleFunc("GET /api/queue", srv.handleQueueStatus)
	srv.mux.HandleFunc("GET /api/queue/failed", srv.handleQueueFailed)
	srv.mux.HandleFunc("POST /api/queue/failed/{id}/retry", srv.handleQueueRetry)
	srv.mux.HandleFunc("POST /api/media", srv.handleMedia)
	srv.mux.HandleFunc("GET /ws", srv.handleWebSocket)
	srv.mux.Handle("GET /metrics", promhttp.HandlerFor(srv.gatherer, promhttp.HandlerOpts{}))
	return srv
}

// Hub returns the scoreboard hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the API wrapped in the CORS policy.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(s.mux)
}

// Start runs the hub and forwards every engine transition to it until ctx
// is cancelled.
func (s *Server) Start(ctx context.Context) {
	go s.hub.Run(ctx)
	cancel := s.session.Engine.Subscribe(func(tr match.Transition) {
		s.hub.Broadcast(tr.View)
	})
	go func() {
		<-ctx.Done()
		cancel()
	}()
}

// ListenAndServe serves the API on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.Start(ctx)
	hs := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("agent listening", "addr", addr)
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
