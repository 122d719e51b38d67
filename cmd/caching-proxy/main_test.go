package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/caching-proxy/internal/testutil"
	"github.com/Sternrassler/caching-proxy/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func waitForPort(t *testing.T, port int) {
	t.Helper()
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func request(t *testing.T, port int, uri string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = fmt.Fprintf(conn, "GET %s HTTP/1.1\r\n\r\n", uri)
	require.NoError(t, err)
	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(resp)
}

type runResult struct {
	err    error
	stdout *bytes.Buffer
}

func startRun(t *testing.T, args []string, stdin string) (context.CancelFunc, <-chan runResult) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan runResult, 1)
	go func() {
		stdout := &bytes.Buffer{}
		err := run(ctx, args, strings.NewReader(stdin), stdout, io.Discard)
		done <- runResult{err: err, stdout: stdout}
	}()
	return cancel, done
}

func stopRun(t *testing.T, cancel context.CancelFunc, done <-chan runResult) runResult {
	t.Helper()
	cancel()
	select {
	case res := <-done:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
		return runResult{}
	}
}

func TestRun_ProxiesAndCaches(t *testing.T) {
	origin := testutil.StartOrigin(t)
	port := freePort(t)
	adminPort := freePort(t)

	cancel, done := startRun(t, []string{
		"-port", strconv.Itoa(port),
		"-capacity", "2",
		"-backend", "sqlite",
		"-sqlite-path", filepath.Join(t.TempDir(), "cache.db"),
		"-admin-addr", "127.0.0.1:" + strconv.Itoa(adminPort),
		"-idle-timeout", "500ms",
	}, "")
	waitForPort(t, port)

	uri := origin.URL("/500")
	first := request(t, port, uri)
	assert.Equal(t, testutil.DocumentResponse(500), first)
	assert.Equal(t, first, request(t, port, uri))
	assert.Equal(t, 1, origin.RequestsFor("/500"))

	waitForPort(t, adminPort)
	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(adminPort) + "/cache")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), uri)

	res := stopRun(t, cancel, done)
	assert.NoError(t, res.err)
}

func TestRun_URITooLong(t *testing.T) {
	port := freePort(t)
	cancel, done := startRun(t, []string{
		"-port", strconv.Itoa(port),
		"-capacity", "1",
		"-cache-dir", t.TempDir(),
		"-admin-addr", "",
	}, "")
	waitForPort(t, port)

	resp := request(t, port, "http://localhost:8080/20001")
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.0 414 Request-URI Too Long\r\n"), resp)

	assert.NoError(t, stopRun(t, cancel, done).err)
}

func TestRun_PromptsForCapacity(t *testing.T) {
	port := freePort(t)
	cancel, done := startRun(t, []string{
		"-port", strconv.Itoa(port),
		"-cache-dir", t.TempDir(),
		"-admin-addr", "",
	}, "3\n")
	waitForPort(t, port)

	res := stopRun(t, cancel, done)
	assert.NoError(t, res.err)
	assert.Equal(t, config.CapacityPrompt, res.stdout.String())
}

func TestRun_InvalidCapacityInput(t *testing.T) {
	err := run(context.Background(), []string{"-cache-dir", t.TempDir(), "-admin-addr", ""},
		strings.NewReader("many\n"), io.Discard, io.Discard)
	assert.Error(t, err)
}

func TestRun_BindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer taken.Close()
	port := taken.Addr().(*net.TCPAddr).Port

	tests := []struct {
		name      string
		adminAddr string
	}{
		{"admin disabled", ""},
		{"admin enabled", "127.0.0.1:" + strconv.Itoa(freePort(t))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done := make(chan error, 1)
			go func() {
				done <- run(context.Background(), []string{
					"-port", strconv.Itoa(port),
					"-capacity", "1",
					"-cache-dir", t.TempDir(),
					"-admin-addr", tt.adminAddr,
				}, strings.NewReader(""), io.Discard, io.Discard)
			}()

			select {
			case err := <-done:
				require.Error(t, err)
				assert.Contains(t, err.Error(), "bind")
			case <-time.After(10 * time.Second):
				t.Fatal("run did not return after the bind failure")
			}
		})
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"-no-such-flag"}},
		{"bad backend", []string{"-capacity", "1", "-backend", "memcached"}},
		{"bad port", []string{"-capacity", "1", "-port", "70000"}},
		{"missing config file", []string{"-config", "/nonexistent/proxy.yaml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), tt.args, strings.NewReader(""), io.Discard, io.Discard)
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_FlagsOverride(t *testing.T) {
	cfg, err := loadConfig([]string{
		"-port", "9000",
		"-capacity", "4",
		"-workers", "3",
		"-backend", "redis",
		"-redis-addr", "cache:6379",
		"-log-level", "debug",
		"-pretty",
	}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 4, cfg.Cache.Capacity)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, config.BackendRedis, cfg.Cache.Backend)
	assert.Equal(t, "cache:6379", cfg.Cache.RedisAddr)
	assert.Equal(t, "debug", string(cfg.Log.Level))
	assert.True(t, cfg.Log.Pretty)

	// flags that were not given keep the loaded values
	assert.Equal(t, config.Default().Cache.Dir, cfg.Cache.Dir)
	assert.Equal(t, config.Default().AdminAddr, cfg.AdminAddr)
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()

	fileBackend, err := openBackend(ctx, config.CacheConfig{Backend: config.BackendFile, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.NoError(t, fileBackend.Ping(ctx))
	fileBackend.Close()

	sqliteBackend, err := openBackend(ctx, config.CacheConfig{Backend: config.BackendSQLite, SQLitePath: "memory"})
	require.NoError(t, err)
	assert.NoError(t, sqliteBackend.Ping(ctx))
	sqliteBackend.Close()

	_, err = openBackend(ctx, config.CacheConfig{Backend: config.BackendRedis, RedisAddr: "127.0.0.1:1"})
	assert.Error(t, err)
}
