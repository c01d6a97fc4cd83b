package identity

import (
	"context"
	"log"
)

// Session is one execution context ("tab"). It owns its per-session store
// and loop guard, drives the reconciliation pass on activation and then
// keeps listening for foreign updates for the rest of its lifetime.
//
// Per session the machine runs START -> GUARD_CHECK -> {STOPPED |
// READ_SOURCES} -> DECISION -> {RELOADING | SETTLED} -> LISTENING. A reload
// restarts the machine at START with the guard primed.
type Session struct {
	cfg      Config
	canon    CanonicalStore
	backends []Adapter
	guard    *LoopGuard
	engine   *Engine
	caster   *Broadcaster
	logger   *log.Logger
}

// NewSession wires a session over the given canonical store and prioritized
// backends. The first backend with ScopeSession also hosts the loop guard; a
// private store is created when none is supplied. A nil reloader means a
// corrective reload re-runs Activate, which the primed guard immediately
// stops, the same shape a browser reload has.
func NewSession(cfg Config, canon CanonicalStore, backends []Adapter, reloader Reloader, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.Default()
	}
	var guardStore Backend
	for _, adapter := range backends {
		if adapter.Scope == ScopeSession {
			guardStore = adapter.Backend
			break
		}
	}
	if guardStore == nil {
		guardStore = NewMemoryBackend()
	}
	guard := NewLoopGuard(guardStore, cfg.Cooldown)

	s := &Session{
		cfg:      cfg,
		canon:    canon,
		backends: backends,
		guard:    guard,
		logger:   logger,
	}
	if reloader == nil {
		reloader = ReloadFunc(func(ctx context.Context) error {
			_, err := s.Activate(ctx)
			return err
		})
	}
	s.engine = NewEngine(cfg, canon, backends, guard, reloader, logger)
	s.caster = NewBroadcaster(canon, NewCodec(cfg.CodecSalt), cfg.CookieTTL, logger)
	return s
}

// Activate runs one reconciliation pass and, unless the pass ended in a
// reload or was stopped by the guard, arms the cross-context listener.
func (s *Session) Activate(ctx context.Context) (Decision, error) {
	decision, err := s.engine.Reconcile(ctx)
	if err != nil {
		return decision, err
	}
	if decision.Action != ActionReload && !s.guard.HasRecentlyActed(ctx) {
		s.listen()
	}
	return decision, nil
}

func (s *Session) listen() {
	for _, adapter := range s.backends {
		watchable, ok := adapter.Backend.(Watchable)
		if !ok {
			continue
		}
		sub, err := watchable.Watch(s.cfg.Key)
		if err != nil {
			s.logger.Printf("identity: cannot watch backend %s: %v", adapter.Name, err)
			continue
		}
		if !s.caster.Listen(sub) {
			_ = sub.Close()
		}
		return
	}
}

// DeviceID is the single accessor page logic uses; it returns the current
// canonical value. Consumers never touch the backends directly.
func (s *Session) DeviceID() (string, bool) {
	return s.canon.Get()
}

// Close stops the cross-context listener.
func (s *Session) Close() error {
	return s.caster.Close()
}
