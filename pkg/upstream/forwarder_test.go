package upstream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// origin accepts one connection, captures the request head and hands the
// connection to reply.
type origin struct {
	ln      net.Listener
	request chan string
}

func startOrigin(t *testing.T, reply func(conn net.Conn)) *origin {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	o := &origin{ln: ln, request: make(chan string, 1)}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var head strings.Builder
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			head.WriteString(line)
			if err != nil || line == "\r\n" {
				break
			}
		}
		o.request <- head.String()
		reply(conn)
	}()
	t.Cleanup(func() { ln.Close() })
	return o
}

func (o *origin) target(path string, header ...string) Request {
	addr := o.ln.Addr().(*net.TCPAddr)
	return Request{Host: "127.0.0.1", Port: addr.Port, Path: path, Header: header}
}

func newTestForwarder(idle time.Duration) *Forwarder {
	return New(Config{DialTimeout: time.Second, IdleTimeout: idle}, zerolog.Nop())
}

func TestNew_Defaults(t *testing.T) {
	f := New(Config{}, zerolog.Nop())
	assert.Equal(t, DefaultConfig(), f.cfg)
}

func TestForward_ClosedByOrigin(t *testing.T) {
	response := "HTTP/1.1 200 OK\r\nContent-Length: 4\r\n\r\nbody"
	o := startOrigin(t, func(conn net.Conn) {
		io.WriteString(conn, response)
	})

	var dst bytes.Buffer
	res, err := newTestForwarder(2*time.Second).Forward(context.Background(),
		o.target("/500", "Host: localhost:8080\r\n", "Accept: */*\r\n"), &dst)
	require.NoError(t, err)

	assert.True(t, res.Closed)
	assert.False(t, res.TimedOut)
	assert.Equal(t, int64(len(response)), res.Bytes)
	assert.Equal(t, response, dst.String())
	assert.Equal(t, "GET /500 HTTP/1.1\r\nHost: localhost:8080\r\nAccept: */*\r\n\r\n", <-o.request)
}

func TestForward_EmptyPathSendsRoot(t *testing.T) {
	o := startOrigin(t, func(conn net.Conn) {
		io.WriteString(conn, "HTTP/1.1 200 OK\r\n\r\n")
	})

	_, err := newTestForwarder(time.Second).Forward(context.Background(), o.target(""), io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "GET / HTTP/1.1\r\n\r\n", <-o.request)
}

func TestForward_IdleCompletesResponse(t *testing.T) {
	release := make(chan struct{})
	o := startOrigin(t, func(conn net.Conn) {
		io.WriteString(conn, "HTTP/1.1 200 OK\r\n\r\npartial")
		<-release
	})
	defer close(release)

	var dst bytes.Buffer
	res, err := newTestForwarder(100*time.Millisecond).Forward(context.Background(), o.target("/"), &dst)
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.False(t, res.Closed)
	assert.Equal(t, "HTTP/1.1 200 OK\r\n\r\npartial", dst.String())
}

func TestForward_ChunksWithinIdleWindow(t *testing.T) {
	o := startOrigin(t, func(conn net.Conn) {
		for _, part := range []string{"HTTP/1.1 200 OK\r\n", "\r\n", "one", "two"} {
			io.WriteString(conn, part)
			time.Sleep(20 * time.Millisecond)
		}
	})

	var dst bytes.Buffer
	res, err := newTestForwarder(500*time.Millisecond).Forward(context.Background(), o.target("/"), &dst)
	require.NoError(t, err)
	assert.True(t, res.Closed)
	assert.Equal(t, "HTTP/1.1 200 OK\r\n\r\nonetwo", dst.String())
}

func TestForward_LargeResponse(t *testing.T) {
	body := strings.Repeat("a", 20000)
	o := startOrigin(t, func(conn net.Conn) {
		io.WriteString(conn, body)
	})

	var dst bytes.Buffer
	res, err := newTestForwarder(time.Second).Forward(context.Background(), o.target("/"), &dst)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), res.Bytes)
	assert.Equal(t, body, dst.String())
}

func TestForward_EmptyResponseCompletes(t *testing.T) {
	tests := []struct {
		name     string
		reply    func(conn net.Conn)
		closed   bool
		timedOut bool
	}{
		{"closed without data", func(conn net.Conn) {}, true, false},
		{"idle without data", func(conn net.Conn) { time.Sleep(300 * time.Millisecond) }, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := startOrigin(t, tt.reply)

			var dst bytes.Buffer
			res, err := newTestForwarder(100*time.Millisecond).Forward(context.Background(), o.target("/"), &dst)
			require.NoError(t, err)
			assert.Zero(t, res.Bytes)
			assert.Empty(t, dst.String())
			assert.Equal(t, tt.closed, res.Closed)
			assert.Equal(t, tt.timedOut, res.TimedOut)
			assert.Equal(t, outcomeEmpty, outcome(res, err))
		})
	}
}

func TestForward_ResetBeforeAnyByte(t *testing.T) {
	o := startOrigin(t, func(conn net.Conn) {
		// a zero linger makes Close send RST
		conn.(*net.TCPConn).SetLinger(0)
	})

	_, err := newTestForwarder(time.Second).Forward(context.Background(), o.target("/"), io.Discard)
	if err == nil {
		t.Skip("platform delivered EOF instead of a reset")
	}
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.True(t, IsOriginFailure(err))
}

func TestForward_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, err = newTestForwarder(time.Second).Forward(context.Background(),
		Request{Host: "127.0.0.1", Port: port, Path: "/"}, io.Discard)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.True(t, IsOriginFailure(err))

	var upErr *Error
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, "dial", upErr.Op)
	assert.Contains(t, upErr.Error(), upErr.Addr)
}

func TestForward_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	o := startOrigin(t, func(conn net.Conn) {
		io.WriteString(conn, "HTTP/1.1 200 OK\r\n\r\n")
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, err := newTestForwarder(5*time.Second).Forward(ctx, o.target("/"), io.Discard)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsOriginFailure(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("broken pipe") }

func TestForward_RelayError(t *testing.T) {
	o := startOrigin(t, func(conn net.Conn) {
		io.WriteString(conn, "HTTP/1.1 200 OK\r\n\r\n")
	})

	res, err := newTestForwarder(time.Second).Forward(context.Background(), o.target("/"), failingWriter{})
	require.Error(t, err)
	assert.False(t, IsOriginFailure(err))
	assert.Positive(t, res.Bytes)

	var upErr *Error
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, "relay", upErr.Op)
}

func TestRequest_Addr(t *testing.T) {
	assert.Equal(t, "localhost:8080", Request{Host: "localhost", Port: 8080}.Addr())
	assert.Equal(t, "[::1]:80", Request{Host: "::1", Port: 80}.Addr())
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		name string
		res  Result
		err  error
		want string
	}{
		{"closed", Result{Bytes: 10, Closed: true}, nil, outcomeClosed},
		{"timeout", Result{Bytes: 10, TimedOut: true}, nil, outcomeTimeout},
		{"reset", Result{Bytes: 10, Reset: true}, nil, outcomeReset},
		{"unreachable", Result{}, unreachable("dial", "h:1", errors.New("refused")), outcomeUnreachable},
		{"empty", Result{TimedOut: true}, nil, outcomeEmpty},
		{"aborted", Result{}, &Error{Op: "read", Err: context.Canceled}, outcomeAborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, outcome(tt.res, tt.err))
		})
	}
}
