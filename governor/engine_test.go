package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planNodes(specs ...NodeSpec) []Node {
	nodes := make([]Node, len(specs))
	for i, s := range specs {
		nodes[i] = Node{ID: s.ID, Tier: s.Tier}
	}
	return nodes
}

func nodeIDs(nodes []Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}

func TestIsolationDemand(t *testing.T) {
	tests := []struct {
		fps, min float64
		active   int
		want     int
	}{
		{20, 30, 6, 2},
		{29, 30, 6, 1},
		{15, 30, 4, 2},
		{0, 30, 5, 5},
		{-5, 30, 5, 5},
		{10, 30, 3, 2},
		{20, 30, 0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isolationDemand(tt.fps, tt.min, tt.active), "fps=%v min=%v active=%d", tt.fps, tt.min, tt.active)
	}
}

func TestOrderCandidates(t *testing.T) {
	nodes := planNodes(
		NodeSpec{ID: "h1", Tier: TierHigh},
		NodeSpec{ID: "n1"},
		NodeSpec{ID: "h2", Tier: TierHigh},
		NodeSpec{ID: "n2"},
	)
	orderCandidates(nodes)
	assert.Equal(t, []string{"n2", "n1", "h2", "h1"}, nodeIDs(nodes))
}

func TestPlanTickNoopWhenDisabledOrDegraded(t *testing.T) {
	in := tickInput{
		cfg:    DefaultConfig(),
		fps:    1,
		known:  true,
		nodes:  planNodes(NodeSpec{ID: "a"}),
		ledger: newLedger(),
	}
	in.cfg.Enabled = false
	p := planTick(in)
	assert.Equal(t, SkipDisabled, p.skipped)
	assert.Empty(t, p.isolate)

	in.cfg.Enabled = true
	in.degraded = true
	p = planTick(in)
	assert.Equal(t, SkipDegraded, p.skipped)
	assert.Empty(t, p.isolate)
}

func TestPlanTickUnknownDisarms(t *testing.T) {
	l := newLedger()
	now := time.Unix(10, 0)
	_, err := l.isolate(Node{ID: "a"}, ReasonAuto, now, 4)
	require.NoError(t, err)
	e, _ := l.get("a")
	e.RestoreEligibleAt = now

	p := planTick(tickInput{now: now.Add(time.Second), cfg: DefaultConfig(), known: false, ledger: l,
		nodes: planNodes(NodeSpec{ID: "a"}, NodeSpec{ID: "b"})})
	assert.Equal(t, SkipUnknown, p.skipped)
	assert.Equal(t, []string{"a"}, p.disarm)
	assert.Empty(t, p.isolate)
	assert.Empty(t, p.restore)
}

func TestPlanTickSettleTime(t *testing.T) {
	now := time.Unix(10, 0)
	in := tickInput{
		now:       now,
		cfg:       DefaultConfig(),
		fps:       10,
		known:     true,
		lastRound: now.Add(-500 * time.Millisecond),
		nodes:     planNodes(NodeSpec{ID: "a"}),
		ledger:    newLedger(),
	}
	assert.Equal(t, SkipSettling, planTick(in).skipped)

	in.lastRound = now.Add(-DefaultSettleTime)
	p := planTick(in)
	assert.Empty(t, p.skipped)
	assert.Equal(t, []string{"a"}, nodeIDs(p.isolate))
}

func TestPlanTickSkipsCriticalAndIsolated(t *testing.T) {
	l := newLedger()
	_, err := l.isolate(Node{ID: "m"}, ReasonManual, time.Time{}, 0)
	require.NoError(t, err)

	p := planTick(tickInput{
		cfg:    DefaultConfig(),
		fps:    0,
		known:  true,
		nodes:  planNodes(NodeSpec{ID: "c", Tier: TierCritical}, NodeSpec{ID: "m"}, NodeSpec{ID: "h", Tier: TierHigh}),
		ledger: l,
	})
	assert.Equal(t, []string{"h"}, nodeIDs(p.isolate))

	p = planTick(tickInput{
		cfg:    DefaultConfig(),
		fps:    0,
		known:  true,
		nodes:  planNodes(NodeSpec{ID: "c", Tier: TierCritical}),
		ledger: newLedger(),
	})
	assert.Equal(t, SkipNoCandidates, p.skipped)
}

func TestPlanTickArmsThenRestores(t *testing.T) {
	cfg := DefaultConfig()
	l := newLedger()
	now := time.Unix(10, 0)
	_, err := l.isolate(Node{ID: "a"}, ReasonAuto, now, 4)
	require.NoError(t, err)
	_, err = l.isolate(Node{ID: "m"}, ReasonManual, now, 4)
	require.NoError(t, err)

	p := planTick(tickInput{now: now, cfg: cfg, fps: 60, known: true, ledger: l})
	require.Contains(t, p.arm, "a")
	assert.NotContains(t, p.arm, "m", "manual entries are never armed")
	assert.Equal(t, now.Add(cfg.RestoreDelay), p.arm["a"])
	assert.Empty(t, p.restore)

	e, _ := l.get("a")
	e.RestoreEligibleAt = p.arm["a"]
	p = planTick(tickInput{now: now.Add(cfg.RestoreDelay), cfg: cfg, fps: 60, known: true, ledger: l})
	assert.Empty(t, p.arm)
	assert.Equal(t, []string{"a"}, p.restore)
}

func TestPlanTickZeroRestoreDelay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RestoreDelay = 0
	l := newLedger()
	_, err := l.isolate(Node{ID: "a"}, ReasonAuto, time.Time{}, 4)
	require.NoError(t, err)

	p := planTick(tickInput{now: time.Unix(5, 0), cfg: cfg, fps: 60, known: true, ledger: l})
	assert.Equal(t, []string{"a"}, p.restore)
}
