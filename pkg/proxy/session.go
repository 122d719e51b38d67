package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/caching-proxy/pkg/cache"
	"github.com/Sternrassler/caching-proxy/pkg/upstream"
	"github.com/rs/zerolog"
)

// State is a stage of a client session.
type State int

// Session states, in the order a session moves through them.
const (
	AwaitingRequestLine State = iota
	ParsingTarget
	HeaderCollection
	CacheLookup
	ServeFromCache
	Forwarding
	Terminal
)

var stateNames = [...]string{
	AwaitingRequestLine: "awaiting_request_line",
	ParsingTarget:       "parsing_target",
	HeaderCollection:    "header_collection",
	CacheLookup:         "cache_lookup",
	ServeFromCache:      "serve_from_cache",
	Forwarding:          "forwarding",
	Terminal:            "terminal",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
	return stateNames[s]
}

// Cache is the part of the cache store a session uses.
type Cache interface {
	Contains(key string) bool
	IsStale(ctx context.Context, key string) bool
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Update(ctx context.Context, key string, data []byte) error
}

// Forwarder performs upstream exchanges.
type Forwarder interface {
	Forward(ctx context.Context, req upstream.Request, dst io.Writer) (upstream.Result, error)
}

// Handler serves client connections. It is safe for concurrent use; the
// cache is the only state shared between sessions.
type Handler struct {
	cache     Cache
	forwarder Forwarder
	rules     Rules
	logger    zerolog.Logger
}

// NewHandler creates a session handler.
func NewHandler(c Cache, fwd Forwarder, rules Rules, logger zerolog.Logger) *Handler {
	if c == nil {
		panic("cache cannot be nil")
	}
	if fwd == nil {
		panic("forwarder cannot be nil")
	}
	return &Handler{
		cache:     c,
		forwarder: fwd,
		rules:     rules,
		logger:    logger,
	}
}

// Serve runs one session on conn and closes it. Cancelling ctx closes the
// connection, which unblocks any pending read or write.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	s := &session{
		h:      h,
		conn:   conn,
		reader: bufio.NewReaderSize(conn, maxLineSize),
		state:  AwaitingRequestLine,
		logger: h.logger.With().Str("remote", conn.RemoteAddr().String()).Logger(),
	}

	start := time.Now()
	s.run(ctx)
	elapsed := time.Since(start)

	sessionsTotal.WithLabelValues(s.outcome).Inc()
	sessionDuration.WithLabelValues(s.outcome).Observe(elapsed.Seconds())

	s.logger.Info().
		Str("key", s.line.URI).
		Str("outcome", s.outcome).
		Dur("duration", elapsed).
		Msg("Session finished")
}

// session holds the per-connection state. It is discarded at Terminal.
type session struct {
	h      *Handler
	conn   net.Conn
	reader *bufio.Reader
	logger zerolog.Logger

	state      State
	outcome    string
	line       RequestLine
	target     Target
	header     []string
	revalidate bool
	cached     []byte
}

func (s *session) run(ctx context.Context) {
	for s.state != Terminal {
		s.logger.Debug().Stringer("state", s.state).Msg("Session state")
		switch s.state {
		case AwaitingRequestLine:
			s.state = s.awaitRequestLine()
		case ParsingTarget:
			s.state = s.parseTarget()
		case HeaderCollection:
			s.state = s.collectHeaders()
		case CacheLookup:
			s.state = s.lookup(ctx)
		case ServeFromCache:
			s.state = s.serveFromCache()
		case Forwarding:
			s.state = s.forward(ctx)
		default:
			s.state = Terminal
		}
	}
}

func (s *session) awaitRequestLine() State {
	raw, err := s.readLine()
	if errors.Is(err, errLineTooLong) {
		return s.reject(badRequest("request line exceeds %d bytes", maxLineSize))
	}
	if strings.TrimSpace(raw) == "" {
		if err != nil && !errors.Is(err, io.EOF) {
			s.logger.Debug().Err(err).Msg("Client read failed")
		}
		s.outcome = OutcomeNoRequest
		return Terminal
	}

	line, perr := ParseRequestLine(raw)
	if perr != nil {
		return s.reject(perr)
	}
	s.line = line
	s.logger.Debug().Str("key", line.URI).Msg("Client request")
	return ParsingTarget
}

func (s *session) parseTarget() State {
	target, err := ParseTarget(s.line.URI)
	if err != nil {
		return s.reject(err)
	}
	if err := s.h.rules.Check(target); err != nil {
		return s.reject(err)
	}
	s.target = target
	return HeaderCollection
}

// collectHeaders keeps header lines in order, each re-terminated with
// CRLF. End of stream ends the block like a blank line.
func (s *session) collectHeaders() State {
	for {
		line, err := s.readLine()
		if errors.Is(err, errLineTooLong) {
			return s.reject(badRequest("header line exceeds %d bytes", maxLineSize))
		}
		if line == "" {
			break
		}
		s.header = append(s.header, line+"\r\n")
		if err != nil {
			break
		}
	}
	return CacheLookup
}

func (s *session) lookup(ctx context.Context) State {
	key := s.line.URI

	if !s.h.cache.Contains(key) {
		cache.CacheMisses.Inc()
		s.logger.Debug().Str("key", key).Msg("Cache miss")
		return Forwarding
	}

	if s.h.cache.IsStale(ctx, key) {
		cache.CacheStale.Inc()
		s.logger.Debug().Str("key", key).Msg("Cache hit but stale")
		s.revalidate = true
		return Forwarding
	}

	data, err := s.h.cache.Get(ctx, key)
	if err != nil {
		// evicted since the staleness check, or unreadable
		s.logger.Debug().Err(err).Str("key", key).Msg("Cached payload unavailable")
		s.revalidate = !errors.Is(err, cache.ErrCacheMiss)
		return Forwarding
	}

	cache.CacheHits.Inc()
	s.cached = data
	return ServeFromCache
}

func (s *session) serveFromCache() State {
	s.outcome = OutcomeHit
	if _, err := s.conn.Write(s.cached); err != nil {
		clientWriteErrors.Inc()
		s.logger.Debug().Err(err).Msg("Client write failed")
	}
	s.logger.Debug().Str("key", s.line.URI).Int("bytes", len(s.cached)).Msg("Served from cache")
	return Terminal
}

func (s *session) forward(ctx context.Context) State {
	tee := &relay{client: s.conn}
	req := upstream.Request{
		Host:   s.target.Host,
		Port:   s.target.Port,
		Path:   s.target.Path,
		Header: s.header,
	}

	_, err := s.h.forwarder.Forward(ctx, req, tee)
	if tee.clientErr != nil {
		clientWriteErrors.Inc()
		s.logger.Debug().Err(tee.clientErr).Msg("Client stopped accepting bytes")
	}
	if err != nil {
		if upstream.IsOriginFailure(err) {
			s.logger.Warn().Err(err).Str("host", req.Host).Int("port", req.Port).Msg("Upstream failed")
			s.respond(notFound)
			s.outcome = OutcomeUpstreamError
			return Terminal
		}
		s.logger.Debug().Err(err).Msg("Forwarding aborted")
		s.outcome = OutcomeAborted
		return Terminal
	}

	s.commit(ctx, tee.captured)
	return Terminal
}

// commit stores the relayed response. A storage failure is already logged
// by the store and does not affect the client.
func (s *session) commit(ctx context.Context, data []byte) {
	key := s.line.URI
	if s.revalidate {
		s.outcome = OutcomeRevalidated
		_ = s.h.cache.Update(ctx, key, data)
		return
	}
	s.outcome = OutcomeMiss
	_ = s.h.cache.Put(ctx, key, data)
}

func (s *session) reject(err error) State {
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		reqErr = badRequest("%v", err)
	}

	switch reqErr.Status {
	case 414:
		s.outcome = OutcomeURITooLong
	default:
		s.outcome = OutcomeBadRequest
	}
	s.logger.Info().Err(reqErr).Int("status", reqErr.Status).Msg("Rejected request")
	s.respond(reqErr)
	s.drain()
	return Terminal
}

// Bounds on discarding unread client input after a rejection.
const (
	drainTimeout  = 500 * time.Millisecond
	maxDrainBytes = 256 << 10
)

// drain half-closes the connection and discards pending client input, so
// the close that follows does not reset the connection under the response.
func (s *session) drain() {
	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
	s.conn.SetReadDeadline(time.Now().Add(drainTimeout))
	io.CopyN(io.Discard, s.reader, maxDrainBytes)
}

func (s *session) respond(reqErr *RequestError) {
	synthesizedResponses.WithLabelValues(strconv.Itoa(reqErr.Status)).Inc()
	if err := writeStatus(s.conn, reqErr.Status, reqErr.Reason); err != nil {
		clientWriteErrors.Inc()
		s.logger.Debug().Err(err).Msg("Client write failed")
	}
}

// maxLineSize bounds a request or header line, terminator included.
const maxLineSize = 8 << 10

var errLineTooLong = errors.New("line too long")

// readLine returns one line without its terminator. At end of stream it
// returns any partial line together with the error. A line that does not
// fit the reader's buffer yields errLineTooLong.
func (s *session) readLine() (string, error) {
	raw, err := s.reader.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return "", errLineTooLong
	}
	line := strings.TrimSuffix(string(raw), "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, err
}
