package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	backend := NewFileBackend(path)
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

	// A second backend on the same path sees the write.
	other := NewFileBackend(path)
	value, ok, err = other.Get(ctx, "device_uuid")
	if err != nil || !ok || value != "b1.abc" {
		t.Fatalf("foreign Get = %q, %v, %v; want b1.abc", value, ok, err)
	}
}

func TestFileBackendCorruptFileReadsAsUnavailable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	if err := os.WriteFile(path, []byte("{truncated"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	backend := NewFileBackend(path)

	_, _, err := backend.Get(context.Background(), "device_uuid")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Get err = %v, want ErrUnavailable", err)
	}

	// Writes recover from corruption instead of failing forever.
	if err := backend.Set(context.Background(), "device_uuid", "b1.abc", time.Now()); err != nil {
		t.Fatalf("Set after corruption failed: %v", err)
	}
	value, ok, err := backend.Get(context.Background(), "device_uuid")
	if err != nil || !ok || value != "b1.abc" {
		t.Fatalf("Get after recovery = %q, %v, %v", value, ok, err)
	}
}

func TestFileBackendWatchSeesForeignWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	local := NewFileBackend(path)
	foreign := NewFileBackend(path)

	sub, err := local.Watch("device_uuid")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer sub.Close()

	if err := foreign.Set(context.Background(), "device_uuid", "b1.zzz", time.Now()); err != nil {
		t.Fatalf("foreign Set failed: %v", err)
	}

	select {
	case change := <-sub.Changes():
		if change.Key != "device_uuid" || change.Raw != "b1.zzz" {
			t.Fatalf("change = %+v, want device_uuid/b1.zzz", change)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification within 5s")
	}
}

func TestFileBackendWatchSuppressesUnchangedValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	backend := NewFileBackend(path)
	ctx := context.Background()

	if err := backend.Set(ctx, "device_uuid", "b1.same", time.Now()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	sub, err := backend.Watch("device_uuid")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer sub.Close()

	// Rewriting the same value must not produce a notification.
	if err := backend.Set(ctx, "device_uuid", "b1.same", time.Now()); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case change, ok := <-sub.Changes():
		if ok {
			t.Fatalf("unexpected change %+v for unchanged value", change)
		}
	case <-time.After(300 * time.Millisecond):
	}
}
