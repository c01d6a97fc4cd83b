package identity

import (
	"context"
	"strconv"
	"time"
)

const guardKey = "reload_guard"

// LoopGuard prevents repeated corrective reloads. It keeps a single
// timestamp in the per-session store: the store survives a corrective reload
// (the session keeps holding it) but is never shared with other sessions, so
// one session's correction cannot suppress another's.
type LoopGuard struct {
	store    Backend
	cooldown time.Duration
	now      func() time.Time
}

func NewLoopGuard(store Backend, cooldown time.Duration) *LoopGuard {
	return &LoopGuard{store: store, cooldown: cooldown, now: time.Now}
}

// HasRecentlyActed reports whether a corrective reload was marked within the
// cooldown window. A missing or unreadable mark counts as no recent action.
func (g *LoopGuard) HasRecentlyActed(ctx context.Context) bool {
	raw, ok, err := g.store.Get(ctx, guardKey)
	if err != nil || !ok {
		return false
	}
	mark, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false
	}
	return g.now().Sub(time.UnixMilli(mark)) < g.cooldown
}

// MarkActed records the current time as the moment of the last corrective
// reload. Failures are swallowed: a guard that cannot persist its mark must
// not block the correction itself.
func (g *LoopGuard) MarkActed(ctx context.Context) {
	now := g.now()
	_ = g.store.Set(ctx, guardKey, strconv.FormatInt(now.UnixMilli(), 10), now)
}
