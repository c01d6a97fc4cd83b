package identity

import (
	"sync"
	"testing"
	"time"
)

type fakeSubscription struct {
	ch   chan Change
	once sync.Once
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{ch: make(chan Change)}
}

func (s *fakeSubscription) Changes() <-chan Change { return s.ch }

func (s *fakeSubscription) Close() error {
	s.once.Do(func() { close(s.ch) })
	return nil
}

func TestBroadcasterAdoptsForeignValueWithoutReload(t *testing.T) {
	codec := NewCodec("sweetblog")
	canon := NewMemoryCanonicalStore()
	if err := canon.Set("y", time.Hour); err != nil {
		t.Fatalf("seed canonical: %v", err)
	}

	caster := NewBroadcaster(canon, codec, time.Hour, testLogger(t))
	sub := newFakeSubscription()
	caster.Listen(sub)

	sub.ch <- Change{Key: "device_uuid", Raw: codec.Encode("z")}
	if err := caster.Close(); err != nil {
		t.Fatalf("close broadcaster: %v", err)
	}

	if value, ok := canon.Get(); !ok || value != "z" {
		t.Fatalf("canonical = %q, %v; want z", value, ok)
	}
}

func TestBroadcasterIgnoresOwnAndMalformedUpdates(t *testing.T) {
	codec := NewCodec("sweetblog")
	canon := NewMemoryCanonicalStore()
	if err := canon.Set("y", time.Hour); err != nil {
		t.Fatalf("seed canonical: %v", err)
	}

	caster := NewBroadcaster(canon, codec, time.Hour, testLogger(t))
	sub := newFakeSubscription()
	caster.Listen(sub)

	// Echo of our own value and an undecodable payload both leave the
	// canonical store untouched.
	sub.ch <- Change{Key: "device_uuid", Raw: codec.Encode("y")}
	sub.ch <- Change{Key: "device_uuid", Raw: "garbage"}
	if err := caster.Close(); err != nil {
		t.Fatalf("close broadcaster: %v", err)
	}

	if value, _ := canon.Get(); value != "y" {
		t.Fatalf("canonical = %q, want y", value)
	}
}
