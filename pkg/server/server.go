// Package server accepts client connections and runs each session on a
// bounded worker pool.
//
// One goroutine accepts connections into a queue of QueueSize; Workers
// goroutines drain the queue and run sessions to completion. When every
// worker is busy and the queue is full, the accepting goroutine waits for
// a free slot before calling Accept again, so further clients wait in the
// listen backlog. Nothing is rejected for lack of capacity.
//
//	srv := server.New(server.DefaultConfig(), handler, logger)
//	if err := srv.ListenAndServe(ctx); err != nil {
//		// bind failed
//	}
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Accept retry backoff bounds.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Config holds acceptor configuration.
type Config struct {
	// Addr is the listen address, e.g. ":8888"
	Addr string
	// Workers is the number of concurrent sessions
	Workers int
	// QueueSize is the number of accepted connections waiting for a worker
	QueueSize int
}

// DefaultConfig returns the acceptor defaults: port 8888, 10 workers.
func DefaultConfig() Config {
	return Config{
		Addr:      ":8888",
		Workers:   10,
		QueueSize: 128,
	}
}

// SessionHandler runs one client session and closes the connection.
type SessionHandler interface {
	Serve(ctx context.Context, conn net.Conn)
}

// Server is the connection acceptor.
type Server struct {
	cfg     Config
	handler SessionHandler
	logger  zerolog.Logger

	mu sync.Mutex
	ln net.Listener
}

// New creates a server. Zero Workers or QueueSize take their defaults.
func New(cfg Config, handler SessionHandler, logger zerolog.Logger) *Server {
	if handler == nil {
		panic("session handler cannot be nil")
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
	}
}

// Addr returns the listener address, or nil before serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe binds cfg.Addr and serves until ctx is cancelled.
// A bind failure is returned immediately.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is cancelled or ln is
// closed, then closes connections still queued and waits for running
// sessions. Accept errors other than a closed listener are logged and
// retried with a capped backoff.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	queue := make(chan net.Conn, s.cfg.QueueSize)

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go s.worker(ctx, i, queue, &wg)
	}

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Int("workers", s.cfg.Workers).
		Int("queue_size", s.cfg.QueueSize).
		Msg("Proxy listening")

	s.acceptLoop(ctx, ln, queue)

	close(queue)
	wg.Wait()

	s.logger.Info().Msg("Proxy stopped")
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, queue chan<- net.Conn) {
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			delay = nextDelay(delay)
			acceptErrorsTotal.Inc()
			s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Accept failed")

			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}
		delay = 0
		acceptedTotal.Inc()

		select {
		case queue <- conn:
			queuedConnections.Inc()
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// worker runs sessions from the queue. After cancellation it closes what
// is left in the queue without serving it.
func (s *Server) worker(ctx context.Context, id int, queue <-chan net.Conn, wg *sync.WaitGroup) {
	defer wg.Done()
	served := 0

	for conn := range queue {
		queuedConnections.Dec()
		if ctx.Err() != nil {
			conn.Close()
			continue
		}

		activeSessions.Inc()
		s.handler.Serve(ctx, conn)
		activeSessions.Dec()
		served++
	}

	s.logger.Debug().Int("worker_id", id).Int("sessions", served).Msg("Worker stopped")
}

func nextDelay(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptDelay
	}
	d *= 2
	if d > maxAcceptDelay {
		return maxAcceptDelay
	}
	return d
}
