package identity

import (
	"log"
	"sync"
	"time"
)

// Change is a notification that a shared persistent backend's key was
// modified by another execution context. Raw carries the stored (encoded)
// value.
type Change struct {
	Key string
	Raw string
}

// ChangeSubscription delivers change notifications until closed.
type ChangeSubscription interface {
	Changes() <-chan Change
	Close() error
}

// Watchable is implemented by backends that can report foreign writes.
type Watchable interface {
	Watch(key string) (ChangeSubscription, error)
}

// Broadcaster folds foreign updates into the canonical store. Adoption never
// reloads, never touches the loop guard and never cascades a write-through:
// the context that originated the change already did its own write-through.
type Broadcaster struct {
	canon  CanonicalStore
	codec  Codec
	ttl    time.Duration
	logger *log.Logger

	mu   sync.Mutex
	sub  ChangeSubscription
	done chan struct{}
}

func NewBroadcaster(canon CanonicalStore, codec Codec, ttl time.Duration, logger *log.Logger) *Broadcaster {
	if logger == nil {
		logger = log.Default()
	}
	return &Broadcaster{canon: canon, codec: codec, ttl: ttl, logger: logger}
}

// Listen consumes the subscription on a background goroutine for the
// remainder of the page lifetime. It is armed only after the initial
// reconciliation has reached its decision. The return value reports whether
// the subscription was taken; a broadcaster listens to at most one.
func (b *Broadcaster) Listen(sub ChangeSubscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return false
	}
	b.sub = sub
	b.done = make(chan struct{})
	go b.run(sub, b.done)
	return true
}

func (b *Broadcaster) run(sub ChangeSubscription, done chan struct{}) {
	defer close(done)
	for change := range sub.Changes() {
		b.adopt(change)
	}
}

func (b *Broadcaster) adopt(change Change) {
	value, ok := b.codec.Decode(change.Raw)
	if !ok {
		b.logger.Printf("identity: ignoring undecodable foreign update for %s", change.Key)
		return
	}
	current, has := b.canon.Get()
	if has && current == value {
		return
	}
	if err := b.canon.Set(value, b.ttl); err != nil {
		b.logger.Printf("identity: adopting foreign update failed: %v", err)
		return
	}
	b.logger.Printf("identity: adopted foreign update for %s", change.Key)
}

// Close stops listening and waits for the consuming goroutine to drain.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	sub, done := b.sub, b.done
	b.sub, b.done = nil, nil
	b.mu.Unlock()
	if sub == nil {
		return nil
	}
	err := sub.Close()
	<-done
	return err
}
