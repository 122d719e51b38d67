// Package upstream sends a client's request to the origin server and
// streams the origin's reply back.
//
// The origin is spoken to over raw TCP. A response is complete when the
// origin closes the connection or stays silent for IdleTimeout; no
// framing (Content-Length, chunking) is interpreted.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Config controls dialing and reading.
type Config struct {
	// DialTimeout bounds connection setup
	DialTimeout time.Duration

	// IdleTimeout is the inactivity window after which the response is
	// considered complete
	IdleTimeout time.Duration

	// ChunkSize is the read buffer size
	ChunkSize int
}

// DefaultConfig returns the forwarder defaults: 10s windows, 4 KiB reads.
func DefaultConfig() Config {
	return Config{
		DialTimeout: 10 * time.Second,
		IdleTimeout: 10 * time.Second,
		ChunkSize:   4096,
	}
}

// Request is the translated request sent to the origin.
type Request struct {
	Host string
	Port int
	// Path is the request-URI, starting with "/"
	Path string
	// Header holds the client's header lines verbatim, each ending in CRLF
	Header []string
}

// Addr returns host:port.
func (r Request) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Result describes how a forwarded response ended.
type Result struct {
	// Bytes is the number of response bytes relayed
	Bytes int64
	// Closed is set when the origin closed the connection
	Closed bool
	// TimedOut is set when the origin went idle
	TimedOut bool
	// Reset is set when the connection broke after part of the response
	Reset    bool
	Duration time.Duration
}

// Forwarder performs upstream exchanges. It is safe for concurrent use.
type Forwarder struct {
	cfg    Config
	dialer *net.Dialer
	logger zerolog.Logger
}

// New creates a forwarder. Zero fields in cfg take their defaults.
func New(cfg Config, logger zerolog.Logger) *Forwarder {
	def := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	return &Forwarder{
		cfg:    cfg,
		dialer: &net.Dialer{Timeout: cfg.DialTimeout},
		logger: logger,
	}
}

// Forward dials the origin, sends
//
//	GET <path> HTTP/1.1\r\n<header lines>\r\n
//
// and writes every chunk of the reply to dst as it arrives.
//
// A close or an idle window without bytes completes the exchange, so the
// Result may report zero bytes. Origin failures are returned as *Error
// wrapping ErrUnreachable. A dst write error or a cancelled ctx aborts the
// exchange and is returned wrapped in *Error; the Result then reports
// the bytes relayed so far.
func (f *Forwarder) Forward(ctx context.Context, req Request, dst io.Writer) (Result, error) {
	start := time.Now()
	addr := req.Addr()

	res, err := f.exchange(ctx, req, addr, dst)
	res.Duration = time.Since(start)

	upstreamDuration.Observe(res.Duration.Seconds())
	upstreamResponseBytes.Add(float64(res.Bytes))
	upstreamRequestsTotal.WithLabelValues(outcome(res, err)).Inc()

	if err != nil {
		f.logger.Debug().Err(err).Str("host", req.Host).Int("port", req.Port).Str("path", req.Path).
			Int64("bytes", res.Bytes).Msg("Upstream exchange failed")
		return res, err
	}

	f.logger.Debug().
		Str("host", req.Host).
		Int("port", req.Port).
		Str("path", req.Path).
		Int64("bytes", res.Bytes).
		Bool("closed", res.Closed).
		Bool("timed_out", res.TimedOut).
		Dur("duration", res.Duration).
		Msg("Upstream response complete")
	return res, nil
}

func (f *Forwarder) exchange(ctx context.Context, req Request, addr string, dst io.Writer) (Result, error) {
	var res Result

	conn, err := f.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return res, &Error{Op: "dial", Addr: addr, Err: ctx.Err()}
		}
		return res, unreachable("dial", addr, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := f.writeRequest(conn, req); err != nil {
		if ctx.Err() != nil {
			return res, &Error{Op: "write", Addr: addr, Err: ctx.Err()}
		}
		return res, unreachable("write", addr, err)
	}

	buf := make([]byte, f.cfg.ChunkSize)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(f.cfg.IdleTimeout)); err != nil {
			return res, unreachable("read", addr, err)
		}

		n, rerr := conn.Read(buf)
		if n > 0 {
			res.Bytes += int64(n)
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return res, &Error{Op: "relay", Addr: addr, Err: werr}
			}
		}
		if rerr == nil {
			continue
		}

		switch {
		case ctx.Err() != nil:
			return res, &Error{Op: "read", Addr: addr, Err: ctx.Err()}
		case errors.Is(rerr, io.EOF):
			res.Closed = true
		case errors.Is(rerr, os.ErrDeadlineExceeded):
			res.TimedOut = true
		default:
			if res.Bytes == 0 {
				return res, unreachable("read", addr, rerr)
			}
			res.Reset = true
		}
		return res, nil
	}
}

func (f *Forwarder) writeRequest(w io.Writer, req Request) error {
	path := req.Path
	if path == "" {
		path = "/"
	}

	size := len(path) + 16
	for _, line := range req.Header {
		size += len(line)
	}
	msg := make([]byte, 0, size)
	msg = fmt.Appendf(msg, "GET %s HTTP/1.1\r\n", path)
	for _, line := range req.Header {
		msg = append(msg, line...)
	}
	msg = append(msg, "\r\n"...)

	_, err := w.Write(msg)
	return err
}

func outcome(res Result, err error) string {
	switch {
	case errors.Is(err, ErrUnreachable):
		return outcomeUnreachable
	case err != nil:
		return outcomeAborted
	case res.Bytes == 0:
		return outcomeEmpty
	case res.Reset:
		return outcomeReset
	case res.TimedOut:
		return outcomeTimeout
	default:
		return outcomeClosed
	}
}
