package identity

import (
	"context"
	"log"
	"time"
)

// Action is the outcome of one reconciliation decision.
type Action int

const (
	// ActionNoop means either everything agreed already or there is nothing
	// to reconcile yet.
	ActionNoop Action = iota
	// ActionWriteThrough refreshes every backend with the canonical value.
	ActionWriteThrough
	// ActionReload adopts a backup value as canonical and forces one reload
	// so the server sees the corrected value.
	ActionReload
)

func (a Action) String() string {
	switch a {
	case ActionWriteThrough:
		return "write-through"
	case ActionReload:
		return "reload"
	default:
		return "noop"
	}
}

// Decision is the tagged outcome of the pure decision step. Value carries
// the identifier the action applies to (empty for a noop).
type Decision struct {
	Action Action
	Value  string
}

// Reloader performs the corrective reload. In the browser original this was
// location.reload(); Go hosts restart their activation pass instead.
type Reloader interface {
	Reload(ctx context.Context) error
}

// ReloadFunc adapts a function to the Reloader interface.
type ReloadFunc func(ctx context.Context) error

func (f ReloadFunc) Reload(ctx context.Context) error { return f(ctx) }

// Engine reads the canonical store and every backend, decides, and applies.
type Engine struct {
	cfg      Config
	canon    CanonicalStore
	backends []Adapter
	codec    Codec
	guard    *LoopGuard
	reloader Reloader
	logger   *log.Logger
	now      func() time.Time
}

func NewEngine(cfg Config, canon CanonicalStore, backends []Adapter, guard *LoopGuard, reloader Reloader, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		cfg:      cfg,
		canon:    canon,
		backends: backends,
		codec:    NewCodec(cfg.CodecSalt),
		guard:    guard,
		reloader: reloader,
		logger:   logger,
		now:      time.Now,
	}
}

// Reconcile runs one reconciliation pass: guard check, source collection,
// decision, application. It returns the decision it applied. Re-running it
// against unchanged inputs reaches the same write-through/noop decision and
// never a second reload.
func (e *Engine) Reconcile(ctx context.Context) (Decision, error) {
	if e.guard.HasRecentlyActed(ctx) {
		e.logger.Printf("identity: reload guard active, skipping reconciliation")
		return Decision{Action: ActionNoop}, nil
	}

	canonical, hasCanonical := e.canon.Get()
	backup, hasBackup := e.lookupBackup(ctx)

	decision := decide(canonical, hasCanonical, backup, hasBackup)
	return decision, e.apply(ctx, decision)
}

// lookupBackup queries the backends in fixed priority order and returns the
// first present, decodable value. A backend that fails is treated as absent
// and the next one is tried.
func (e *Engine) lookupBackup(ctx context.Context) (string, bool) {
	for _, adapter := range e.backends {
		raw, ok, err := adapter.Get(ctx, e.cfg.Key)
		if err != nil {
			e.logger.Printf("identity: backend %s unavailable: %v", adapter.Name, err)
			continue
		}
		if !ok {
			continue
		}
		value, ok := e.codec.Decode(raw)
		if !ok {
			e.logger.Printf("identity: backend %s holds undecodable value, ignoring", adapter.Name)
			continue
		}
		return value, true
	}
	return "", false
}

// decide implements the decision table. First matching rule wins:
//
//	canonical absent,  backup present            -> reload with backup
//	canonical present, backup present, differ    -> reload with backup
//	canonical present, backup present, equal     -> write-through canonical
//	canonical present, backup absent             -> write-through canonical
//	both absent                                  -> noop (awaiting issuance)
func decide(canonical string, hasCanonical bool, backup string, hasBackup bool) Decision {
	switch {
	case !hasCanonical && hasBackup:
		return Decision{Action: ActionReload, Value: backup}
	case hasCanonical && hasBackup && backup != canonical:
		return Decision{Action: ActionReload, Value: backup}
	case hasCanonical:
		return Decision{Action: ActionWriteThrough, Value: canonical}
	default:
		return Decision{Action: ActionNoop}
	}
}

func (e *Engine) apply(ctx context.Context, decision Decision) error {
	switch decision.Action {
	case ActionReload:
		// A primed guard suppresses the reload even when the decision step
		// already computed one.
		if e.guard.HasRecentlyActed(ctx) {
			e.logger.Printf("identity: reload decision suppressed by guard")
			return nil
		}
		if err := e.canon.Set(decision.Value, e.cfg.CookieTTL); err != nil {
			return err
		}
		e.guard.MarkActed(ctx)
		e.logger.Printf("identity: canonical corrected, reloading")
		return e.reloader.Reload(ctx)
	case ActionWriteThrough:
		e.writeThrough(ctx, decision.Value)
		return nil
	default:
		return nil
	}
}

// writeThrough fans the canonical value out to every backend. It is
// best-effort: a failing backend is logged and the remaining backends still
// get their copy.
func (e *Engine) writeThrough(ctx context.Context, value string) {
	encoded := e.codec.Encode(value)
	now := e.now()
	for _, adapter := range e.backends {
		if err := adapter.Set(ctx, e.cfg.Key, encoded, now); err != nil {
			e.logger.Printf("identity: write-through to %s failed: %v", adapter.Name, err)
		}
	}
}
