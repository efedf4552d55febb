package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/razat249/king-of-tokyo-player-mats/internal/rowstore"
)

// ServerConfig configures the row store server.
type ServerConfig struct {
	Addr        string
	RateLimit   RateLimitConfig
	Feed        FeedConfig
	CORSOrigins []string
}

// Server is the HTTP API server with the websocket change feed.
type Server struct {
	router      http.Handler
	httpServer  *http.Server
	rateLimiter *IPRateLimiter
	feed        *FeedHub
	logger      *zap.Logger
}

// NewServer builds the server. Nothing listens until Start is called.
//
// For testing HTTP endpoints, use Router() with httptest or NewRouter() directly.
func NewServer(store rowstore.Backend, cfg ServerConfig, logger *zap.Logger) *Server {
	if cfg.CORSOrigins == nil {
		cfg.CORSOrigins = DefaultCORSOrigins
	}
	if cfg.Feed.Origins == nil {
		cfg.Feed.Origins = cfg.CORSOrigins
	}
	cfg.Feed.TrustProxy = cfg.RateLimit.TrustProxy

	s := &Server{
		rateLimiter: NewIPRateLimiter(cfg.RateLimit),
		feed:        NewFeedHub(cfg.Feed, logger),
		logger:      logger,
	}
	s.router = NewRouter(RouterConfig{
		Store:       store,
		Logger:      logger,
		RateLimiter: s.rateLimiter,
		CORSOrigins: cfg.CORSOrigins,
		Feed:        s.feed,
	})
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router returns the HTTP handler for use with httptest.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start listens and serves until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	s.logger.Info("Row store API starting", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, drops open feeds and waits for in-flight
// requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	// Hijacked feed connections are invisible to http.Server.Shutdown.
	s.feed.Close()
	err := s.httpServer.Shutdown(ctx)
	s.rateLimiter.Stop()
	return err
}
