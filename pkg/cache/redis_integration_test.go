//go:build integration

package cache

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedisContainer starts a throwaway Redis for the test.
func setupRedisContainer(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() {
		client.Close()
		container.Terminate(context.Background())
	})
	return client
}

func TestIntegration_RedisStore(t *testing.T) {
	client := setupRedisContainer(t)
	ctx := context.Background()

	// leftovers from a previous process must be purged
	if err := client.Set(ctx, DefaultRedisPrefix+"stale", "old", 0).Err(); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	backend := NewRedisBackend(client, "")
	store, err := NewStore(ctx, backend, 2, testLogger())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if n, _ := client.Exists(ctx, DefaultRedisPrefix+"stale").Result(); n != 0 {
		t.Error("NewStore did not clear previous payloads")
	}

	fresh := "HTTP/1.1 200 OK\r\nContent-Length: 4\r\n\r\nbody"
	mustPut(t, store, "http://localhost:8080/100", fresh)
	mustPut(t, store, "http://localhost:8080/200", "b")
	mustPut(t, store, "http://localhost:8080/300", "c")

	if store.Contains("http://localhost:8080/100") {
		t.Error("oldest key should be evicted")
	}
	n, err := client.Exists(ctx, DefaultRedisPrefix+StorageName("http://localhost:8080/100")).Result()
	if err != nil || n != 0 {
		t.Errorf("evicted payload still in Redis (exists=%d, err=%v)", n, err)
	}

	got, err := store.Get(ctx, "http://localhost:8080/300")
	if err != nil || string(got) != "c" {
		t.Errorf("Get() = %q, %v", got, err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
