// Command caching-proxy runs the caching forward proxy.
//
// Configuration comes from defaults, an optional YAML file (-config),
// PROXY_* environment variables and finally the flags below. When no cache
// capacity is configured the operator is asked for one on stdin.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/caching-proxy/pkg/admin"
	"github.com/Sternrassler/caching-proxy/pkg/cache"
	"github.com/Sternrassler/caching-proxy/pkg/config"
	"github.com/Sternrassler/caching-proxy/pkg/logging"
	"github.com/Sternrassler/caching-proxy/pkg/proxy"
	"github.com/Sternrassler/caching-proxy/pkg/server"
	"github.com/Sternrassler/caching-proxy/pkg/upstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const backendPingTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "caching-proxy: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cfg, err := loadConfig(args, stderr)
	if err != nil {
		return err
	}

	if cfg.Cache.Capacity == 0 {
		n, err := config.PromptCapacity(stdin, stdout)
		if err != nil {
			return err
		}
		cfg.Cache.Capacity = n
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	cfg.Log.Output = stderr
	logger, logCloser, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	backend, err := openBackend(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	store, err := cache.NewStore(ctx, backend, cfg.Cache.Capacity, logging.NewLogger("cache"))
	if err != nil {
		backend.Close()
		return fmt.Errorf("create cache: %w", err)
	}
	defer store.Close()

	fwd := upstream.New(upstream.Config{
		DialTimeout: cfg.Upstream.DialTimeout,
		IdleTimeout: cfg.Upstream.IdleTimeout,
	}, logging.NewLogger("upstream"))

	handler := proxy.NewHandler(store, fwd, proxy.Rules{
		LocalOrigin:    cfg.LocalOrigin,
		MaxRequestSize: cfg.MaxRequestSize,
	}, logging.NewLogger("session"))

	srv := server.New(server.Config{
		Addr:      cfg.ListenAddr(),
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
	}, handler, logging.NewLogger("server"))

	// the admin listener lives only as long as the proxy listener
	adminCtx, stopAdmin := context.WithCancel(ctx)
	defer stopAdmin()
	adminDone := startAdmin(adminCtx, cfg.AdminAddr, store, logging.NewLogger("admin"))

	logger.Info().
		Int("port", cfg.Port).
		Int("capacity", cfg.Cache.Capacity).
		Str("backend", cfg.Cache.Backend).
		Str("local_origin", cfg.LocalOrigin).
		Msg("Starting caching proxy")

	err = srv.ListenAndServe(ctx)
	stopAdmin()
	<-adminDone
	return err
}

// loadConfig layers flags that were set explicitly over config.Load.
func loadConfig(args []string, stderr io.Writer) (config.Config, error) {
	fs := flag.NewFlagSet("caching-proxy", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "YAML configuration file")
	port := fs.Int("port", 0, "Port to listen on (default 8888)")
	capacity := fs.Int("capacity", 0, "Maximum number of cached responses (prompted if unset)")
	workers := fs.Int("workers", 0, "Number of concurrent sessions")
	backend := fs.String("backend", "", "Cache backend: file, redis or sqlite")
	cacheDir := fs.String("cache-dir", "", "Cache directory for the file backend")
	redisAddr := fs.String("redis-addr", "", "Redis address for the redis backend")
	sqlitePath := fs.String("sqlite-path", "", "Database file for the sqlite backend (use 'memory' for in-memory)")
	adminAddr := fs.String("admin-addr", "", "Admin HTTP address (empty string disables)")
	idleTimeout := fs.Duration("idle-timeout", 0, "Upstream inactivity window")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	logFile := fs.String("log-file", "", "Log file to use (in addition to stderr)")
	pretty := fs.Bool("pretty", false, "Human-readable console logs")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "capacity":
			cfg.Cache.Capacity = *capacity
		case "workers":
			cfg.Workers = *workers
		case "backend":
			cfg.Cache.Backend = *backend
		case "cache-dir":
			cfg.Cache.Dir = *cacheDir
		case "redis-addr":
			cfg.Cache.RedisAddr = *redisAddr
		case "sqlite-path":
			cfg.Cache.SQLitePath = *sqlitePath
		case "admin-addr":
			cfg.AdminAddr = *adminAddr
		case "idle-timeout":
			cfg.Upstream.IdleTimeout = *idleTimeout
		case "log-level":
			cfg.Log.Level = logging.LogLevel(*logLevel)
		case "log-file":
			cfg.Log.File = *logFile
		case "pretty":
			cfg.Log.Pretty = *pretty
		}
	})
	return cfg, nil
}

func openBackend(ctx context.Context, cfg config.CacheConfig) (cache.Backend, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, backendPingTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return cache.NewRedisBackend(client, cfg.RedisPrefix), nil

	case config.BackendSQLite:
		path := cfg.SQLitePath
		if path == "memory" {
			path = "file::memory:?cache=shared"
		}
		return cache.NewSQLiteBackend(path)

	default:
		return cache.NewFileBackend(cfg.Dir)
	}
}

// startAdmin runs the admin listener in the background. The returned
// channel is closed once it has stopped. Admin failures are logged and do
// not stop the proxy.
func startAdmin(ctx context.Context, addr string, store *cache.Store, logger zerolog.Logger) <-chan struct{} {
	done := make(chan struct{})
	if addr == "" {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		if err := admin.ListenAndServe(ctx, addr, admin.NewRouter(store, logger), logger); err != nil {
			logger.Error().Err(err).Msg("Admin server failed")
		}
	}()
	return done
}
