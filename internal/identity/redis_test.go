package identity

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) *RedisBackend {
	t.Helper()
	s := miniredis.RunT(t)
	backend, err := NewRedisBackend("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis backend: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	return backend
}

func TestRedisBackendRoundTrip(t *testing.T) {
	backend := setupTestRedis(t)
	ctx := context.Background()

	if _, ok, err := backend.Get(ctx, "device_uuid"); err != nil || ok {
		t.Fatalf("empty backend Get = ok=%v err=%v, want absent", ok, err)
	}

	if err := backend.Set(ctx, "device_uuid", "b1.abc", time.Now()); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	value, ok, err := backend.Get(ctx, "device_uuid")
	if err != nil || !ok || value != "b1.abc" {
		t.Fatalf("Get = %q, %v, %v; want b1.abc", value, ok, err)
	}
}

func TestRedisBackendMalformedPayloadReadsAsAbsent(t *testing.T) {
	s := miniredis.RunT(t)
	backend, err := NewRedisBackend("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis backend: %v", err)
	}
	defer backend.Close()

	if err := s.Set("identity:device_uuid", "not json"); err != nil {
		t.Fatalf("seed miniredis: %v", err)
	}
	if _, ok, err := backend.Get(context.Background(), "device_uuid"); err != nil || ok {
		t.Fatalf("Get = ok=%v err=%v, want absent without error", ok, err)
	}
}

func TestRedisBackendUnavailableSurfacesAsError(t *testing.T) {
	s := miniredis.RunT(t)
	backend, err := NewRedisBackend("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis backend: %v", err)
	}
	defer backend.Close()
	s.Close()

	if _, _, err := backend.Get(context.Background(), "device_uuid"); err == nil {
		t.Fatal("Get against closed redis succeeded, want error")
	}
	if err := backend.Set(context.Background(), "device_uuid", "b1.abc", time.Now()); err == nil {
		t.Fatal("Set against closed redis succeeded, want error")
	}
}
