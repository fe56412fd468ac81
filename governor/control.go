package governor

import (
	"slices"
	"time"

	"github.com/xiaonanln/canvasgov/util/metrics"
)

// Overview is a point-in-time summary of the governor for operators.
type Overview struct {
	Surface         string         `json:"surface"`
	Config          Config         `json:"config"`
	Throughput      float64        `json:"throughput"`
	ThroughputKnown bool           `json:"throughput_known"`
	Degraded        bool           `json:"degraded"`
	Registered      int            `json:"registered"`
	ByTier          map[Tier]int   `json:"by_tier"`
	Isolated        int            `json:"isolated"`
	ByReason        map[Reason]int `json:"by_reason"`
}

// SetEnabled turns automatic isolation and restoration on or off. Existing
// isolations are left in place. Enabling also clears the degraded state a
// failed tick leaves behind.
func (g *Governor) SetEnabled(enabled bool) {
	// A patch touching only Enabled always validates.
	_, _ = g.SetConfig(ConfigPatch{Enabled: &enabled})
}

// ForceIsolate isolates a node on operator request. Manual isolations bypass
// MaxIsolated and are never restored automatically.
func (g *Governor) ForceIsolate(id string) error {
	g.mu.Lock()
	rec, ok := g.registry.get(id)
	if !ok {
		g.mu.Unlock()
		return g.reject("isolate", id, ErrUnknownID)
	}
	was, wasIsolated := g.ledger.get(id)
	from := StateActive
	if wasIsolated && was.Reason == ReasonManual {
		g.mu.Unlock()
		return nil
	}
	if wasIsolated {
		from = StateIsolated
	}
	now := g.now()
	changed, err := g.ledger.isolate(rec.node, ReasonManual, now, g.cfg.MaxIsolated)
	if err != nil {
		g.mu.Unlock()
		return g.reject("isolate", id, err)
	}
	if !changed {
		g.mu.Unlock()
		return nil
	}
	ev := g.newEventLocked(EventIsolated, rec.node, from, StateIsolated, ReasonManual, now)
	g.updateGaugesLocked()
	metrics.RecordTransition(g.name, "isolate", ReasonManual.String())
	g.log.Infof("Node %s isolated by operator", id)
	g.publishAndUnlock([]TransitionEvent{ev})
	return nil
}

// ForceRestore restores a node regardless of why it was isolated. It returns
// false when id is unknown or already active.
func (g *Governor) ForceRestore(id string) bool {
	g.mu.Lock()
	entry, ok := g.ledger.restore(id)
	if !ok {
		g.mu.Unlock()
		return false
	}
	rec, _ := g.registry.get(id)
	ev := g.newEventLocked(EventRestored, rec.node, StateIsolated, StateActive, entry.Reason, g.now())
	g.updateGaugesLocked()
	metrics.RecordTransition(g.name, "restore", ReasonManual.String())
	g.log.Infof("Node %s restored by operator (was %s)", id, entry.Reason)
	g.publishAndUnlock([]TransitionEvent{ev})
	return true
}

// RestoreAll restores every isolated node, auto and manual, and returns how many were restored.
func (g *Governor) RestoreAll() int {
	g.mu.Lock()
	now := g.now()
	entries := g.ledger.list()
	events := make([]TransitionEvent, 0, len(entries))
	for _, e := range entries {
		g.ledger.restore(e.NodeID)
		rec, _ := g.registry.get(e.NodeID)
		events = append(events, g.newEventLocked(EventRestored, rec.node, StateIsolated, StateActive, e.Reason, now))
		metrics.RecordTransition(g.name, "restore", ReasonManual.String())
	}
	if len(events) > 0 {
		g.updateGaugesLocked()
		g.log.Infof("Restored all %d isolated nodes by operator", len(events))
	}
	g.publishAndUnlock(events)
	return len(events)
}

// ListIsolated returns the ledger in isolation order, optionally filtered by reason.
func (g *Governor) ListIsolated(filter ...Reason) []IsolationEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ledger.list(filter...)
}

// CurrentThroughput returns the latest throughput estimate; known is false while
// the host is stalled or the sampler is warming up.
func (g *Governor) CurrentThroughput() (fps float64, known bool) {
	return g.source.ThroughputAt(g.now())
}

// Config returns the current policy
func (g *Governor) Config() Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// SetConfig applies a partial update and returns the resulting policy. An
// invalid patch leaves the policy unchanged. Lowering MaxIsolated below the
// number of auto isolations restores the surplus immediately, high tier first,
// then most recently isolated.
func (g *Governor) SetConfig(patch ConfigPatch) (Config, error) {
	g.mu.Lock()
	next := patch.Apply(g.cfg)
	if err := next.Validate(); err != nil {
		cur := g.cfg
		g.mu.Unlock()
		return cur, g.reject("set_config", "", err)
	}

	now := g.now()
	prev := g.cfg
	g.cfg = next
	if patch.Enabled != nil && *patch.Enabled && g.degraded {
		g.degraded = false
		g.log.Infof("Governor re-enabled, leaving degraded mode")
	}
	if prev.Enabled && !next.Enabled {
		// Time spent disabled does not count toward recovery.
		for _, e := range g.ledger.autoEntries() {
			e.RestoreEligibleAt = time.Time{}
		}
	}

	var events []TransitionEvent
	if prev != next {
		events = append(events, g.newEventLocked(EventConfigChanged, Node{}, StateAbsent, StateAbsent, ReasonNone, now))
		events = append(events, g.restoreSurplusLocked(now)...)
		g.log.Infof("Config changed: %+v", next)
	}
	g.updateGaugesLocked()
	g.publishAndUnlock(events)
	return next, nil
}

// restoreSurplusLocked restores auto entries above MaxIsolated. Must be called with g.mu held.
func (g *Governor) restoreSurplusLocked(now time.Time) []TransitionEvent {
	auto := g.ledger.autoEntries()
	surplus := len(auto) - g.cfg.MaxIsolated
	if surplus <= 0 {
		return nil
	}
	victims := make([]IsolationEntry, len(auto))
	for i, e := range auto {
		victims[i] = *e
	}
	// auto is in isolation order; most recent first, then higher tiers first.
	slices.Reverse(victims)
	slices.SortStableFunc(victims, func(a, b IsolationEntry) int {
		return int(b.Tier) - int(a.Tier)
	})

	events := make([]TransitionEvent, 0, surplus)
	for _, e := range victims[:surplus] {
		g.ledger.restore(e.NodeID)
		rec, _ := g.registry.get(e.NodeID)
		events = append(events, g.newEventLocked(EventRestored, rec.node, StateIsolated, StateActive, ReasonAuto, now))
		metrics.RecordTransition(g.name, "restore", ReasonAuto.String())
	}
	g.log.Infof("Max isolated lowered to %d, restored %d auto isolated nodes", g.cfg.MaxIsolated, surplus)
	return events
}

// Degraded reports whether a failed tick suspended automatic transitions.
func (g *Governor) Degraded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.degraded
}

// Snapshot returns an operator overview of the governor.
func (g *Governor) Snapshot() Overview {
	fps, known := g.CurrentThroughput()

	g.mu.Lock()
	defer g.mu.Unlock()
	return Overview{
		Surface:         g.name,
		Config:          g.cfg,
		Throughput:      fps,
		ThroughputKnown: known,
		Degraded:        g.degraded,
		Registered:      g.registry.len(),
		ByTier:          g.registry.countByTier(),
		Isolated:        g.ledger.len(),
		ByReason: map[Reason]int{
			ReasonAuto:   g.ledger.count(ReasonAuto),
			ReasonManual: g.ledger.count(ReasonManual),
		},
	}
}

// reject logs and counts a refused operator command.
func (g *Governor) reject(op, id string, err error) error {
	metrics.RecordRejected(g.name, op, errorKind(err))
	if id != "" {
		g.log.Warnf("Rejected %s of %s: %v", op, id, err)
	} else {
		g.log.Warnf("Rejected %s: %v", op, err)
	}
	return opError(op, id, err)
}
