// Package config loads the proxy configuration.
//
// Values are layered: defaults, then an optional YAML file, then PROXY_*
// environment variables. The binary applies its flags on top and calls
// Validate last.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/caching-proxy/pkg/cache"
	"github.com/Sternrassler/caching-proxy/pkg/logging"
	"gopkg.in/yaml.v3"
)

// Cache backends.
const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// CapacityPrompt is written before reading the capacity from stdin.
const CapacityPrompt = "Enter cache size: "

// ErrCapacityUnset is returned by Validate while no capacity is configured.
var ErrCapacityUnset = errors.New("cache capacity is not set")

// Config is the complete proxy configuration.
type Config struct {
	// Port is the client listening port
	Port int `yaml:"port"`
	// Workers is the number of concurrent sessions
	Workers int `yaml:"workers"`
	// QueueSize is the number of accepted connections waiting for a worker
	QueueSize int `yaml:"queue_size"`

	// LocalOrigin is host:port of the origin whose paths are document sizes
	LocalOrigin string `yaml:"local_origin"`
	// MaxRequestSize is the largest size accepted on LocalOrigin
	MaxRequestSize uint64 `yaml:"max_request_size"`

	// AdminAddr is the admin HTTP listen address; empty disables it
	AdminAddr string `yaml:"admin_addr"`

	Cache    CacheConfig    `yaml:"cache"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Log      logging.Config `yaml:"log"`
}

// CacheConfig selects and configures the cache store.
type CacheConfig struct {
	// Capacity is the maximum number of entries; 0 means ask the operator
	Capacity int    `yaml:"capacity"`
	Backend  string `yaml:"backend"`

	Dir         string `yaml:"dir"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	RedisPrefix string `yaml:"redis_prefix"`
	SQLitePath  string `yaml:"sqlite_path"`
}

// UpstreamConfig configures origin connections.
type UpstreamConfig struct {
	DialTimeout time.Duration `yaml:"dial_timeout"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:           8888,
		Workers:        10,
		QueueSize:      128,
		LocalOrigin:    "localhost:8080",
		MaxRequestSize: 9999,
		AdminAddr:      ":9090",
		Cache: CacheConfig{
			Backend:     BackendFile,
			Dir:         "cache",
			RedisAddr:   "localhost:6379",
			RedisPrefix: cache.DefaultRedisPrefix,
			SQLitePath:  "cache.db",
		},
		Upstream: UpstreamConfig{
			DialTimeout: 10 * time.Second,
			IdleTimeout: 10 * time.Second,
		},
		Log: logging.DefaultConfig(),
	}
}

// Load returns the defaults overlaid with the YAML file at path (skipped
// when path is empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error

	if v := getEnv("PROXY_PORT", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("PROXY_PORT: %w", err))
		}
		c.Port = n
	}
	if v := getEnv("PROXY_CACHE_CAPACITY", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("PROXY_CACHE_CAPACITY: %w", err))
		}
		c.Cache.Capacity = n
	}

	c.Cache.Backend = getEnv("PROXY_CACHE_BACKEND", c.Cache.Backend)
	c.Cache.Dir = getEnv("PROXY_CACHE_DIR", c.Cache.Dir)
	c.Cache.RedisAddr = getEnv("PROXY_REDIS_ADDR", c.Cache.RedisAddr)
	c.Cache.SQLitePath = getEnv("PROXY_SQLITE_PATH", c.Cache.SQLitePath)
	c.Log.Level = logging.LogLevel(getEnv("PROXY_LOG_LEVEL", string(c.Log.Level)))

	// an explicitly empty PROXY_ADMIN_ADDR disables the admin listener
	if v, ok := os.LookupEnv("PROXY_ADMIN_ADDR"); ok {
		c.AdminAddr = v
	}

	return errors.Join(errs...)
}

// Validate checks the configuration. It returns ErrCapacityUnset (possibly
// joined with other errors) while Cache.Capacity is 0.
func (c Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be 1-65535 (got %d)", c.Port))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be >= 1 (got %d)", c.Workers))
	}
	if c.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("queue_size must be >= 0 (got %d)", c.QueueSize))
	}
	if c.MaxRequestSize == 0 {
		errs = append(errs, errors.New("max_request_size must be > 0"))
	}
	if c.Upstream.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("upstream idle_timeout must be > 0 (got %s)", c.Upstream.IdleTimeout))
	}
	if !logging.ValidLevel(c.Log.Level) {
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}

	switch {
	case c.Cache.Capacity == 0:
		errs = append(errs, ErrCapacityUnset)
	case c.Cache.Capacity < 0:
		errs = append(errs, fmt.Errorf("%w (got %d)", cache.ErrInvalidCapacity, c.Cache.Capacity))
	}

	switch c.Cache.Backend {
	case BackendFile:
		if c.Cache.Dir == "" {
			errs = append(errs, errors.New("cache dir is required for the file backend"))
		}
	case BackendRedis:
		if c.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("redis_addr is required for the redis backend"))
		}
	case BackendSQLite:
		if c.Cache.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite_path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}

	return errors.Join(errs...)
}

// ListenAddr returns the client listen address.
func (c Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.Port)
}

// PromptCapacity writes CapacityPrompt to w and reads a capacity from r.
func PromptCapacity(r io.Reader, w io.Writer) (int, error) {
	if _, err := io.WriteString(w, CapacityPrompt); err != nil {
		return 0, err
	}

	sc := bufio.NewScanner(r)
	sc.Split(bufio.ScanWords)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return 0, fmt.Errorf("read cache size: %w", err)
		}
		return 0, errors.New("read cache size: no input")
	}

	n, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
	if err != nil {
		return 0, fmt.Errorf("cache size %q is not a number", sc.Text())
	}
	if n < 1 {
		return 0, fmt.Errorf("%w (got %d)", cache.ErrInvalidCapacity, n)
	}
	return n, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
