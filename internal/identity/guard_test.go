package identity

import (
	"context"
	"testing"
	"time"
)

func TestLoopGuardCooldownWindow(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	guard := NewLoopGuard(NewMemoryBackend(), 5*time.Second)
	guard.now = func() time.Time { return clock }

	ctx := context.Background()
	if guard.HasRecentlyActed(ctx) {
		t.Fatal("fresh guard reports recent action")
	}

	guard.MarkActed(ctx)
	if !guard.HasRecentlyActed(ctx) {
		t.Fatal("guard not active immediately after mark")
	}

	clock = clock.Add(4999 * time.Millisecond)
	if !guard.HasRecentlyActed(ctx) {
		t.Error("guard expired before cooldown elapsed")
	}

	clock = clock.Add(time.Millisecond)
	if guard.HasRecentlyActed(ctx) {
		t.Error("guard still active after cooldown elapsed")
	}
}

func TestLoopGuardIgnoresCorruptMark(t *testing.T) {
	store := NewMemoryBackend()
	guard := NewLoopGuard(store, 5*time.Second)

	if err := store.Set(context.Background(), guardKey, "not-a-timestamp", time.Now()); err != nil {
		t.Fatalf("seed mark: %v", err)
	}
	if guard.HasRecentlyActed(context.Background()) {
		t.Error("corrupt mark treated as recent action")
	}
}

func TestLoopGuardsAreSessionScoped(t *testing.T) {
	ctx := context.Background()
	one := NewLoopGuard(NewMemoryBackend(), 5*time.Second)
	other := NewLoopGuard(NewMemoryBackend(), 5*time.Second)

	one.MarkActed(ctx)
	if other.HasRecentlyActed(ctx) {
		t.Error("one session's mark suppressed another session's guard")
	}
}
