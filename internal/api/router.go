// Package api serves the shared row store over HTTP, with a websocket change
// feed per room.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/razat249/king-of-tokyo-player-mats/internal/rowstore"
)

// DefaultCORSOrigins allow local development clients.
var DefaultCORSOrigins = []string{
	"http://localhost:*",
	"http://127.0.0.1:*",
}

// RouterConfig contains all dependencies needed to construct the HTTP router.
//
// Example usage in tests:
//
//	router := api.NewRouter(api.RouterConfig{
//	    Store:          rowstore.NewMemoryStore(nil),
//	    DisableLogging: true,
//	})
//	ts := httptest.NewServer(router)
type RouterConfig struct {
	// Store is the row store backend (required)
	Store rowstore.Backend

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// RateLimiter is an optional pre-configured rate limiter.
	// If nil, a new one will be created using RateLimitConfig.
	RateLimiter *IPRateLimiter

	// RateLimitConfig is only used if RateLimiter is nil.
	RateLimitConfig *RateLimitConfig

	// CORSOrigins also gates websocket origins. Nil means DefaultCORSOrigins.
	CORSOrigins []string

	// Feed is an optional pre-configured feed hub.
	Feed *FeedHub

	// DisableLogging disables the request logger middleware (useful for benchmarks).
	DisableLogging bool
}

type routerHandlers struct {
	store  rowstore.Backend
	feed   *FeedHub
	logger *zap.Logger
}

// NewRouter constructs the HTTP router with all middleware and routes. It
// opens no listeners; the only goroutine it may start is the rate limiter's
// cleanup loop when no RateLimiter is supplied.
func NewRouter(cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	corsOrigins := cfg.CORSOrigins
	if corsOrigins == nil {
		corsOrigins = DefaultCORSOrigins
	}

	r := chi.NewRouter()

	// Middleware - Order matters!
	if !cfg.DisableLogging {
		r.Use(RequestLogger(logger))
	}
	r.Use(middleware.Recoverer)

	// Rate limiting before CORS to reject early
	rateLimiter := cfg.RateLimiter
	if rateLimiter == nil {
		rateLimitCfg := DefaultRateLimitConfig
		if cfg.RateLimitConfig != nil {
			rateLimitCfg = *cfg.RateLimitConfig
		}
		rateLimiter = NewIPRateLimiter(rateLimitCfg)
	}
	r.Use(rateLimiter.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	feed := cfg.Feed
	if feed == nil {
		feed = NewFeedHub(FeedConfig{Origins: corsOrigins}, logger)
	}

	h := &routerHandlers{
		store:  cfg.Store,
		feed:   feed,
		logger: logger,
	}

	r.Get("/healthz", h.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/rooms", h.handleCreateRoom)
		r.Get("/rooms/{code}", h.handleGetRoom)
		r.Post("/rooms/{code}/deactivate", h.handleDeactivateRoom)
		r.Get("/rooms/{code}/feed", h.handleFeed)

		r.Get("/players", h.handleQueryPlayers)
		r.Post("/players", h.handleInsertPlayer)
		r.Patch("/players/{id}", h.handleUpdatePlayer)
		r.Delete("/players/{id}", h.handleDeletePlayer)
	})

	return r
}

// RequestLogger logs each request with zap and records request metrics
// under the matched route pattern.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			pattern := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				pattern = rctx.RoutePattern()
			}
			elapsed := time.Since(start)
			RecordRequest(r.Method, pattern, status, elapsed)

			logger.Info("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", pattern),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", elapsed),
				zap.String("remote", r.RemoteAddr))
		})
	}
}
