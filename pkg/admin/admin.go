// Package admin serves the proxy's operational HTTP endpoints:
//
//	GET /health   liveness, always "OK"
//	GET /ready    "OK" when the cache backend answers, else 503
//	GET /metrics  Prometheus exposition
//	GET /cache    JSON snapshot of the cache, oldest entry first
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/caching-proxy/pkg/cache"
	"github.com/Sternrassler/caching-proxy/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

const (
	readyTimeout    = 2 * time.Second
	shutdownTimeout = 5 * time.Second
)

// CacheInspector is the read-only view of the cache the endpoints need.
type CacheInspector interface {
	Capacity() int
	Len() int
	Bytes() int64
	Entries() []cache.Entry
	Ping(ctx context.Context) error
}

// CacheSnapshot is the body of GET /cache.
type CacheSnapshot struct {
	Capacity int             `json:"capacity"`
	Size     int             `json:"size"`
	Bytes    int64           `json:"bytes"`
	Entries  []EntrySnapshot `json:"entries"`
}

// EntrySnapshot is one cache entry with its age at snapshot time.
type EntrySnapshot struct {
	cache.Entry
	AgeSeconds float64 `json:"age_seconds"`
}

// NewRouter builds the admin router.
func NewRouter(c CacheInspector, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(c, logger))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/cache", cacheHandler(c, logger))

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func readyHandler(c CacheInspector, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		if err := c.Ping(ctx); err != nil {
			logger.Warn().Err(err).Msg("Cache backend not ready")
			http.Error(w, "cache backend unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

func cacheHandler(c CacheInspector, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries := c.Entries()
		snap := CacheSnapshot{
			Capacity: c.Capacity(),
			Size:     c.Len(),
			Bytes:    c.Bytes(),
			Entries:  make([]EntrySnapshot, 0, len(entries)),
		}
		for _, e := range entries {
			snap.Entries = append(snap.Entries, EntrySnapshot{Entry: e, AgeSeconds: e.Age().Seconds()})
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			logger.Error().Err(err).Msg("Failed to encode cache snapshot")
		}
	}
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("Admin request")
		})
	}
}

// ListenAndServe serves h on addr until ctx is cancelled, then shuts the
// listener down gracefully.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Admin listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin shutdown: %w", err)
	}
	return nil
}
