package governor

import (
	"math"
	"slices"
	"time"
)

// Skip reasons reported in TickResult.Skipped when a tick isolates nothing.
const (
	SkipDisabled     = "disabled"
	SkipDegraded     = "degraded"
	SkipUnknown      = "throughput_unknown"
	SkipSettling     = "settling"
	SkipCapacity     = "capacity"
	SkipNoCandidates = "no_candidates"
	SkipPanic        = "panic"
)

// tickInput is the read-only view a tick plans from.
type tickInput struct {
	now       time.Time
	cfg       Config
	fps       float64
	known     bool
	degraded  bool
	lastRound time.Time // last tick that auto-isolated anything
	nodes     []Node    // registration order
	ledger    *ledger
}

// tickPlan is the complete set of ledger changes for one tick.
type tickPlan struct {
	skipped string
	isolate []Node
	restore []string
	arm     map[string]time.Time
	disarm  []string
}

// planTick decides the automatic transitions for one tick without mutating anything.
//
// Under load it disarms every pending restore and isolates the most expendable
// active nodes, normal before high, newest registration first. Once throughput
// is back at or above the threshold each auto entry is armed with a restore
// deadline and restored when that deadline passes. Manual entries are never touched.
func planTick(in tickInput) tickPlan {
	var p tickPlan
	if !in.cfg.Enabled {
		p.skipped = SkipDisabled
		return p
	}
	if in.degraded {
		p.skipped = SkipDegraded
		return p
	}

	auto := in.ledger.autoEntries()

	// An interval without a throughput reading does not count toward recovery.
	if !in.known {
		p.disarm = armedIDs(auto)
		p.skipped = SkipUnknown
		return p
	}

	if in.fps < in.cfg.MinThroughput {
		p.disarm = armedIDs(auto)
		return planIsolation(in, p, len(auto))
	}

	for _, e := range auto {
		deadline := e.RestoreEligibleAt
		if deadline.IsZero() {
			deadline = in.now.Add(in.cfg.RestoreDelay)
			if p.arm == nil {
				p.arm = make(map[string]time.Time)
			}
			p.arm[e.NodeID] = deadline
		}
		if !in.now.Before(deadline) {
			p.restore = append(p.restore, e.NodeID)
		}
	}
	return p
}

func planIsolation(in tickInput, p tickPlan, autoCount int) tickPlan {
	if !in.lastRound.IsZero() && in.now.Sub(in.lastRound) < in.cfg.SettleTime {
		p.skipped = SkipSettling
		return p
	}
	room := in.cfg.MaxIsolated - autoCount
	if room <= 0 {
		p.skipped = SkipCapacity
		return p
	}

	active := 0
	var candidates []Node
	for _, n := range in.nodes {
		if _, isolated := in.ledger.get(n.ID); isolated {
			continue
		}
		active++
		if n.Tier == TierCritical {
			continue
		}
		candidates = append(candidates, n)
	}
	if len(candidates) == 0 {
		p.skipped = SkipNoCandidates
		return p
	}

	n := min(isolationDemand(in.fps, in.cfg.MinThroughput, active), room, len(candidates))
	orderCandidates(candidates)
	p.isolate = candidates[:n]
	return p
}

// isolationDemand estimates how many of the active nodes must go to close the
// throughput deficit, assuming active nodes cost roughly the same. At least one.
func isolationDemand(fps, minFPS float64, active int) int {
	if active <= 0 || minFPS <= 0 {
		return 0
	}
	deficit := (minFPS - fps) / minFPS
	if deficit > 1 {
		deficit = 1
	}
	n := int(math.Ceil(deficit*float64(active) - 1e-9))
	if n < 1 {
		n = 1
	}
	return n
}

// orderCandidates sorts nodes into isolation order: lowest tier first, then
// most recent registration first. nodes must arrive in registration order.
func orderCandidates(nodes []Node) {
	slices.Reverse(nodes)
	slices.SortStableFunc(nodes, func(a, b Node) int {
		return int(a.Tier) - int(b.Tier)
	})
}

func armedIDs(entries []*IsolationEntry) []string {
	var ids []string
	for _, e := range entries {
		if !e.RestoreEligibleAt.IsZero() {
			ids = append(ids, e.NodeID)
		}
	}
	return ids
}
