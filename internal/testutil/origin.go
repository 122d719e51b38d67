// Package testutil provides a raw-TCP origin server for exercising the proxy.
//
// The origin answers GET /<n> with an n-byte HTML document, the same
// convention the proxy's local-origin size check is built around.
package testutil

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// Document size bounds accepted by the origin.
const (
	MinDocumentSize = 100
	MaxDocumentSize = 20000
)

const (
	documentHead = "<HTML><HEAD><TITLE>Generated HTML</TITLE></HEAD><BODY>"
	documentTail = "</BODY></HTML>"
)

// Handler writes a raw response for one request. The connection is closed
// after it returns.
type Handler func(conn net.Conn, req Request)

// Request is a request as received by the origin.
type Request struct {
	Method string
	Path   string
	// Head is the request line and header block exactly as sent
	Head string
}

// Origin is a minimal HTTP/1.1 origin that closes after every response.
type Origin struct {
	ln     net.Listener
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	counts   map[string]int
	total    int
	last     Request

	wg sync.WaitGroup
}

// NewOrigin listens on addr ("127.0.0.1:0" picks a free port).
func NewOrigin(addr string, logger zerolog.Logger) (*Origin, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &Origin{
		ln:       ln,
		logger:   logger,
		handlers: make(map[string]Handler),
		counts:   make(map[string]int),
	}, nil
}

// StartOrigin starts an origin on a free loopback port for the duration
// of the test.
func StartOrigin(tb testing.TB) *Origin {
	tb.Helper()
	o, err := NewOrigin("127.0.0.1:0", zerolog.Nop())
	if err != nil {
		tb.Fatalf("start origin: %v", err)
	}
	go o.Serve(context.Background())
	tb.Cleanup(func() { o.Close() })
	return o
}

// Addr returns the listening address as host:port.
func (o *Origin) Addr() string {
	return o.ln.Addr().String()
}

// Port returns the listening port.
func (o *Origin) Port() int {
	return o.ln.Addr().(*net.TCPAddr).Port
}

// URL returns an absolute URL for path on this origin.
func (o *Origin) URL(path string) string {
	return "http://" + o.Addr() + path
}

// SetHandler overrides the response for one path.
func (o *Origin) SetHandler(path string, h Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[path] = h
}

// SetRawResponse makes path answer with a fixed byte string.
func (o *Origin) SetRawResponse(path, response string) {
	o.SetHandler(path, func(conn net.Conn, _ Request) {
		conn.Write([]byte(response))
	})
}

// Requests returns the total number of requests received.
func (o *Origin) Requests() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.total
}

// RequestsFor returns the number of requests received for path.
func (o *Origin) RequestsFor(path string) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.counts[path]
}

// LastRequest returns the most recent request.
func (o *Origin) LastRequest() Request {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.last
}

// Serve accepts connections until the listener is closed or ctx is done.
func (o *Origin) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { o.ln.Close() })
	defer stop()

	o.logger.Info().Str("addr", o.Addr()).Msg("Origin listening")
	for {
		conn, err := o.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.handle(conn)
		}()
	}
}

// Close stops the listener and waits for in-flight connections.
func (o *Origin) Close() error {
	err := o.ln.Close()
	o.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (o *Origin) handle(conn net.Conn) {
	defer conn.Close()

	req, ok := readRequest(bufio.NewReader(conn))
	if !ok {
		return
	}

	o.mu.Lock()
	o.total++
	o.counts[req.Path]++
	o.last = req
	h := o.handlers[req.Path]
	o.mu.Unlock()

	o.logger.Debug().Str("method", req.Method).Str("path", req.Path).Msg("Origin request")

	if h != nil {
		h(conn, req)
		return
	}
	conn.Write([]byte(Respond(req)))
}

// readRequest reads the request line and drains the header block.
func readRequest(r *bufio.Reader) (Request, bool) {
	var head strings.Builder
	line, err := r.ReadString('\n')
	if line == "" && err != nil {
		return Request{}, false
	}
	head.WriteString(line)

	var req Request
	parts := strings.Split(strings.TrimRight(line, "\r\n"), " ")
	if len(parts) > 0 {
		req.Method = parts[0]
	}
	if len(parts) > 1 {
		req.Path = parts[1]
	}

	for err == nil {
		line, err = r.ReadString('\n')
		head.WriteString(line)
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	req.Head = head.String()
	return req, true
}

// Respond builds the default response for req: 200 with a generated
// document, 400 for a malformed or out-of-range size, 501 for any method
// other than GET.
func Respond(req Request) string {
	parts := strings.Split(strings.TrimRight(strings.SplitN(req.Head, "\n", 2)[0], "\r"), " ")
	if len(parts) < 3 {
		return StatusResponse(400, "Bad Request")
	}
	if req.Method != "GET" {
		return StatusResponse(501, "Not Implemented")
	}

	size, err := strconv.Atoi(strings.TrimPrefix(req.Path, "/"))
	if err != nil || size < MinDocumentSize || size > MaxDocumentSize {
		return StatusResponse(400, "Bad Request")
	}
	return DocumentResponse(size)
}

// Document returns an HTML document of exactly size bytes.
// size must be at least len(documentHead)+len(documentTail).
func Document(size int) string {
	fill := size - len(documentHead) - len(documentTail)
	if fill < 0 {
		fill = 0
	}
	return documentHead + strings.Repeat("a", fill) + documentTail
}

// DocumentResponse returns a complete 200 response carrying Document(size).
func DocumentResponse(size int) string {
	doc := Document(size)
	return fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Length: %d\r\n\r\n%s", len(doc), doc)
}

// StatusResponse returns a plain-text response whose body is the reason.
func StatusResponse(code int, reason string) string {
	return fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\n\r\n%s", code, reason, len(reason), reason)
}
