package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Local origin defaults.
const (
	DefaultLocalOrigin    = "localhost:8080"
	DefaultMaxRequestSize = 9999
)

const (
	methodGet       = "GET"
	absoluteURIHead = "http://"
	defaultPort     = 80
)

// RequestError is a client error answered with a synthesized response.
type RequestError struct {
	Status int
	Reason string
	// Detail is logged, never sent
	Detail string
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%d %s", e.Status, e.Reason)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Reason, e.Detail)
}

func badRequest(format string, args ...any) *RequestError {
	return &RequestError{Status: 400, Reason: "Bad Request", Detail: fmt.Sprintf(format, args...)}
}

func uriTooLong(format string, args ...any) *RequestError {
	return &RequestError{Status: 414, Reason: "Request-URI Too Long", Detail: fmt.Sprintf(format, args...)}
}

var notFound = &RequestError{Status: 404, Reason: "Not Found"}

// RequestLine is a parsed client request line.
type RequestLine struct {
	Method string
	// URI is the absolute URI exactly as sent; it is the cache key
	URI     string
	Version string
}

// ParseRequestLine splits a request line on spaces. The method must be
// GET and a URI token must follow; the version token is optional.
func ParseRequestLine(line string) (RequestLine, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return RequestLine{}, badRequest("empty request line")
	}
	if fields[0] != methodGet {
		return RequestLine{}, badRequest("unsupported method %q", fields[0])
	}
	if len(fields) < 2 {
		return RequestLine{}, badRequest("missing request URI")
	}

	rl := RequestLine{Method: fields[0], URI: fields[1]}
	if len(fields) > 2 {
		rl.Version = fields[2]
	}
	return rl, nil
}

// Target is the origin a request is forwarded to.
type Target struct {
	Host string
	Port int
	// Path is the path plus query, "/" when the URI has none
	Path string
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// ParseTarget extracts the origin from an absolute http URI.
func ParseTarget(uri string) (Target, error) {
	if !strings.HasPrefix(uri, absoluteURIHead) {
		return Target{}, badRequest("not an absolute http URI: %q", uri)
	}

	u, err := url.Parse(uri)
	if err != nil {
		return Target{}, badRequest("parse URI: %v", err)
	}
	if u.Hostname() == "" {
		return Target{}, badRequest("URI has no host: %q", uri)
	}

	port := defaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return Target{}, badRequest("invalid port %q", p)
		}
	}

	return Target{Host: u.Hostname(), Port: port, Path: u.RequestURI()}, nil
}

// Rules holds the checks applied to targets on the local origin, whose
// paths name a requested document size.
type Rules struct {
	// LocalOrigin is host:port of the origin the size rule applies to
	LocalOrigin string
	// MaxRequestSize is the largest size accepted
	MaxRequestSize uint64
}

// DefaultRules returns the rules for localhost:8080 with a 9999 limit.
func DefaultRules() Rules {
	return Rules{LocalOrigin: DefaultLocalOrigin, MaxRequestSize: DefaultMaxRequestSize}
}

// Check validates t. Targets on other origins always pass. On the local
// origin the path without its leading slash must be a non-negative
// decimal integer (else 400) not above MaxRequestSize (else 414).
func (r Rules) Check(t Target) error {
	if r.LocalOrigin == "" || !strings.EqualFold(t.Addr(), r.LocalOrigin) {
		return nil
	}

	digits := strings.TrimPrefix(t.Path, "/")
	size, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return uriTooLong("requested size %s exceeds %d", digits, r.MaxRequestSize)
		}
		return badRequest("requested size %q is not a number", digits)
	}
	if size > r.MaxRequestSize {
		return uriTooLong("requested size %d exceeds %d", size, r.MaxRequestSize)
	}
	return nil
}
