package governor

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaonanln/canvasgov/sampler"
	"github.com/xiaonanln/canvasgov/util/testutil"
)

var epoch = time.Unix(1_700_000_000, 0)

// fakeSource is a ThroughputSource the test sets directly.
type fakeSource struct {
	mu    sync.Mutex
	fps   float64
	known bool
	panic bool
}

func (s *fakeSource) set(fps float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fps, s.known = fps, true
}

func (s *fakeSource) setUnknown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known = false
}

func (s *fakeSource) ThroughputAt(time.Time) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panic {
		panic("sampler exploded")
	}
	return s.fps, s.known
}

type fixture struct {
	g     *Governor
	src   *fakeSource
	clock *testutil.ManualClock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{src: &fakeSource{}, clock: testutil.NewManualClock(epoch)}
	g, err := New(cfg, WithName(t.Name()), WithClock(f.clock.Now), WithThroughputSource(f.src))
	require.NoError(t, err)
	f.g = g
	return f
}

func (f *fixture) register(t *testing.T, id string, tier Tier) *Binding {
	t.Helper()
	b, err := f.g.Register(NodeSpec{ID: id, Tier: tier, Category: "widget"})
	require.NoError(t, err)
	// distinct registration times
	f.clock.Advance(time.Millisecond)
	return b
}

// tick advances the clock by d and runs one tick.
func (f *fixture) tick(d time.Duration) TickResult {
	f.clock.Advance(d)
	return f.g.Tick()
}

func isolatedIDs(g *Governor, filter ...Reason) []string {
	var ids []string
	for _, e := range g.ListIsolated(filter...) {
		ids = append(ids, e.NodeID)
	}
	return ids
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIsolated = -1
	_, err := New(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRegisterDuplicateKeepsOriginal(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.register(t, "a", TierHigh)

	_, err := f.g.Register(NodeSpec{ID: "a", Tier: TierNormal})
	require.ErrorIs(t, err, ErrDuplicateID)
	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "register", opErr.Op)
	assert.Equal(t, "a", opErr.NodeID)

	st, err := f.g.Status("a")
	require.NoError(t, err)
	assert.Equal(t, TierHigh, st.Tier)
}

func TestStatusUnknownID(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.g.Status("nope")
	assert.ErrorIs(t, err, ErrUnknownID)
	assert.False(t, f.g.Unregister("nope"))
	assert.False(t, f.g.ForceRestore("nope"))
	assert.ErrorIs(t, f.g.ForceIsolate("nope"), ErrUnknownID)
}

// Critical nodes never get a ledger entry.
func TestCriticalImmunity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SettleTime = 0
	f := newFixture(t, cfg)
	f.register(t, "c1", TierCritical)
	f.register(t, "c2", TierCritical)

	err := f.g.ForceIsolate("c1")
	assert.ErrorIs(t, err, ErrCriticalNodeProtected)

	f.src.set(1)
	for i := 0; i < 10; i++ {
		res := f.tick(100 * time.Millisecond)
		assert.Equal(t, SkipNoCandidates, res.Skipped)
	}
	assert.Empty(t, f.g.ListIsolated())
	_, isolated := f.g.IsIsolated("c1")
	assert.False(t, isolated)
}

// The number of auto entries never exceeds MaxIsolated.
func TestCapacityBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIsolated = 2
	cfg.SettleTime = 0
	f := newFixture(t, cfg)
	for i := 0; i < 10; i++ {
		f.register(t, fmt.Sprintf("n%d", i), TierNormal)
	}

	f.src.set(1)
	res := f.tick(100 * time.Millisecond)
	assert.Len(t, res.Isolated, 2)

	for i := 0; i < 20; i++ {
		res = f.tick(100 * time.Millisecond)
		assert.LessOrEqual(t, len(f.g.ListIsolated(ReasonAuto)), 2)
	}
	assert.Equal(t, SkipCapacity, res.Skipped)
}

// Scenario: five normal nodes and one critical node under sustained overload,
// then recovery.
func TestOverloadAndRecovery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinThroughput = 30
	cfg.MaxIsolated = 2
	cfg.RestoreDelay = time.Second
	f := newFixture(t, cfg)
	for i := 1; i <= 5; i++ {
		f.register(t, fmt.Sprintf("n%d", i), TierNormal)
	}
	f.register(t, "crit", TierCritical)

	f.src.set(20)
	for i := 0; i < 30; i++ {
		f.tick(100 * time.Millisecond)
		require.LessOrEqual(t, len(f.g.ListIsolated()), 2)
	}
	assert.ElementsMatch(t, []string{"n5", "n4"}, isolatedIDs(f.g), "oldest registrations stay active")
	_, critIsolated := f.g.IsIsolated("crit")
	assert.False(t, critIsolated)

	f.src.set(45)
	res := f.tick(100 * time.Millisecond)
	assert.Equal(t, 2, res.Armed)
	for elapsed := 100 * time.Millisecond; elapsed < cfg.RestoreDelay; elapsed += 100 * time.Millisecond {
		res = f.tick(100 * time.Millisecond)
		assert.Empty(t, res.Restored)
	}
	res = f.tick(100 * time.Millisecond)
	assert.ElementsMatch(t, []string{"n4", "n5"}, res.Restored)
	assert.Empty(t, f.g.ListIsolated())
}

// A recovery interrupted by a dip restarts the full restore delay.
func TestRestoreHysteresis(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RestoreDelay = time.Second
	f := newFixture(t, cfg)
	f.register(t, "a", TierNormal)
	f.register(t, "crit", TierCritical)

	f.src.set(10)
	res := f.tick(0)
	require.Equal(t, []string{"a"}, res.Isolated)

	f.src.set(60)
	res = f.tick(100 * time.Millisecond)
	assert.Equal(t, 1, res.Armed)
	res = f.tick(900 * time.Millisecond)
	assert.Empty(t, res.Restored, "restored after 900ms of recovery")

	f.src.set(10)
	res = f.tick(50 * time.Millisecond)
	assert.Equal(t, SkipNoCandidates, res.Skipped)
	e, ok := f.g.IsIsolated("a")
	require.True(t, ok)
	assert.True(t, e.RestoreEligibleAt.IsZero(), "dip disarms the deadline")

	f.src.set(60)
	f.tick(50 * time.Millisecond)
	res = f.tick(900 * time.Millisecond)
	assert.Empty(t, res.Restored)
	res = f.tick(99 * time.Millisecond)
	assert.Empty(t, res.Restored)
	res = f.tick(time.Millisecond)
	assert.Equal(t, []string{"a"}, res.Restored)
}

func TestUnknownThroughputDoesNotCountTowardRecovery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RestoreDelay = time.Second
	f := newFixture(t, cfg)
	f.register(t, "a", TierNormal)

	f.src.setUnknown()
	res := f.tick(0)
	assert.Equal(t, SkipUnknown, res.Skipped)
	assert.Empty(t, f.g.ListIsolated(), "unknown throughput never isolates")

	f.src.set(5)
	f.tick(0)
	require.Equal(t, []string{"a"}, isolatedIDs(f.g))

	f.src.set(60)
	f.tick(100 * time.Millisecond)
	f.src.setUnknown()
	res = f.tick(time.Second)
	assert.Empty(t, res.Restored)
	f.src.set(60)
	res = f.tick(0)
	assert.Empty(t, res.Restored, "deadline was re-armed after the stall")
	res = f.tick(time.Second)
	assert.Equal(t, []string{"a"}, res.Restored)
}

func TestHighTierIsolatedAfterNormal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SettleTime = 0
	f := newFixture(t, cfg)
	f.register(t, "h1", TierHigh)
	f.register(t, "n1", TierNormal)
	f.register(t, "h2", TierHigh)

	f.src.set(25)
	res := f.tick(0)
	assert.Equal(t, []string{"n1"}, res.Isolated)
	res = f.tick(0)
	assert.Equal(t, []string{"h2"}, res.Isolated)
	res = f.tick(0)
	assert.Equal(t, []string{"h1"}, res.Isolated)
}

func TestSettleTimeBetweenRounds(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	for i := 0; i < 6; i++ {
		f.register(t, fmt.Sprintf("n%d", i), TierNormal)
	}

	f.src.set(25)
	res := f.tick(0)
	assert.Len(t, res.Isolated, 1)
	res = f.tick(500 * time.Millisecond)
	assert.Equal(t, SkipSettling, res.Skipped)
	res = f.tick(500 * time.Millisecond)
	assert.Len(t, res.Isolated, 1)
}

func TestDisabledTickIsNoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	f := newFixture(t, cfg)
	f.register(t, "a", TierNormal)
	f.src.set(1)

	res := f.tick(time.Second)
	assert.Equal(t, SkipDisabled, res.Skipped)
	assert.Empty(t, f.g.ListIsolated())

	require.NoError(t, f.g.ForceIsolate("a"), "manual actions stay available while disabled")
}

// Manual isolation ignores MaxIsolated and is never restored by the engine.
func TestManualOverrideBypassesCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIsolated = 0
	cfg.RestoreDelay = 0
	f := newFixture(t, cfg)
	f.register(t, "x", TierNormal)

	require.NoError(t, f.g.ForceIsolate("x"))
	e, ok := f.g.IsIsolated("x")
	require.True(t, ok)
	assert.Equal(t, ReasonManual, e.Reason)

	f.src.set(1)
	f.tick(time.Second)
	f.src.set(120)
	for i := 0; i < 5; i++ {
		res := f.tick(time.Second)
		assert.Empty(t, res.Restored)
	}
	e, ok = f.g.IsIsolated("x")
	require.True(t, ok)
	assert.Equal(t, ReasonManual, e.Reason)
}

func TestUnregisterClearsLedger(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.register(t, "y", TierNormal)
	require.NoError(t, f.g.ForceIsolate("y"))

	assert.True(t, f.g.Unregister("y"))
	_, ok := f.g.IsIsolated("y")
	assert.False(t, ok)
	assert.Empty(t, f.g.ListIsolated())
	assert.False(t, f.g.Unregister("y"))
}

func TestIsolateAndRestoreIdempotent(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.register(t, "a", TierNormal)
	rec := &recorder{}
	f.g.AddObserver(rec)

	require.NoError(t, f.g.ForceIsolate("a"))
	first, _ := f.g.IsIsolated("a")
	f.clock.Advance(time.Second)
	require.NoError(t, f.g.ForceIsolate("a"))
	second, _ := f.g.IsIsolated("a")
	assert.Equal(t, first, second)

	assert.True(t, f.g.ForceRestore("a"))
	assert.False(t, f.g.ForceRestore("a"))
	assert.Equal(t, []EventType{EventIsolated, EventRestored}, rec.types())
}

func TestTickRecoversPanicAndDegrades(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.register(t, "a", TierNormal)

	f.src.mu.Lock()
	f.src.panic = true
	f.src.mu.Unlock()

	var res TickResult
	require.NotPanics(t, func() { res = f.tick(time.Second) })
	assert.Equal(t, SkipPanic, res.Skipped)
	assert.True(t, f.g.Degraded())

	f.src.mu.Lock()
	f.src.panic = false
	f.src.mu.Unlock()
	f.src.set(1)
	res = f.tick(time.Second)
	assert.Equal(t, SkipDegraded, res.Skipped)
	assert.Empty(t, f.g.ListIsolated())

	f.g.SetEnabled(true)
	assert.False(t, f.g.Degraded())
	res = f.tick(time.Second)
	assert.Equal(t, []string{"a"}, res.Isolated)
}

func TestWithSamplerDrivesTick(t *testing.T) {
	clock := testutil.NewManualClock(epoch)
	s := sampler.New(sampler.DefaultConfig(), sampler.WithClock(clock.Now))
	cfg := DefaultConfig()
	cfg.MinThroughput = 30
	g, err := New(cfg, WithName(t.Name()), WithClock(clock.Now), WithSampler(s))
	require.NoError(t, err)
	_, err = g.Register(NodeSpec{ID: "a"})
	require.NoError(t, err)

	// 10 fps for two seconds
	for i := 0; i <= 20; i++ {
		g.Sample(epoch.Add(time.Duration(i) * 100 * time.Millisecond))
	}
	clock.Set(epoch.Add(2 * time.Second))

	fps, known := g.CurrentThroughput()
	require.True(t, known)
	assert.InDelta(t, 10, fps, 0.001)
	res := g.Tick()
	assert.Equal(t, []string{"a"}, res.Isolated)
}

func TestStartStop(t *testing.T) {
	src := &fakeSource{}
	g, err := New(DefaultConfig(), WithName(t.Name()), WithThroughputSource(src), WithTickInterval(5*time.Millisecond))
	require.NoError(t, err)
	_, err = g.Register(NodeSpec{ID: "a"})
	require.NoError(t, err)
	src.set(1)

	g.Start()
	g.Start()
	testutil.WaitFor(t, 2*time.Second, "background tick isolates the node", func() bool {
		_, ok := g.IsIsolated("a")
		return ok
	})
	g.Stop()
	g.Stop()
}

func TestConcurrentRegistrationAndTicks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SettleTime = 0
	cfg.RestoreDelay = 0
	f := newFixture(t, cfg)
	f.src.set(10)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				b, err := f.g.Register(NodeSpec{ID: id, Tier: Tier(i % 3)})
				if err != nil {
					t.Errorf("register %s: %v", id, err)
					return
				}
				_ = b.Isolated()
				if i%3 == 0 {
					_ = f.g.ForceIsolate(id)
				}
				if i%2 == 0 {
					b.Release()
				}
			}
		}(w)
	}
	for i := 0; i < 200; i++ {
		if i%20 == 10 {
			f.src.set(60)
		} else if i%20 == 0 {
			f.src.set(10)
		}
		f.g.Tick()
		for _, e := range f.g.ListIsolated() {
			assert.NotEqual(t, TierCritical, e.Tier)
		}
	}
	wg.Wait()

	registered := make(map[string]bool)
	for _, n := range f.g.Nodes() {
		registered[n.ID] = true
	}
	for _, e := range f.g.ListIsolated() {
		assert.True(t, registered[e.NodeID], "ledger entry %s has no registration", e.NodeID)
	}
	assert.LessOrEqual(t, len(f.g.ListIsolated(ReasonAuto)), cfg.MaxIsolated)
}
