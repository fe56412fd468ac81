package governor

import (
	"fmt"
	"sync"
	"time"

	"github.com/xiaonanln/canvasgov/sampler"
	"github.com/xiaonanln/canvasgov/util/logger"
	"github.com/xiaonanln/canvasgov/util/metrics"
)

// DefaultTickInterval is the cadence of the background loop started by Start.
const DefaultTickInterval = 100 * time.Millisecond

// Option configures a Governor
type Option func(*Governor)

// WithName sets the surface name used in logs and metric labels
func WithName(name string) Option {
	return func(g *Governor) {
		if name != "" {
			g.name = name
		}
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(g *Governor) {
		if now != nil {
			g.now = now
		}
	}
}

// WithSampler makes s the throughput source and the target of Governor.Sample
func WithSampler(s *sampler.Sampler) Option {
	return func(g *Governor) {
		g.sampler = s
		g.source = s
	}
}

// WithThroughputSource replaces the throughput source, for hosts that measure frames themselves
func WithThroughputSource(src ThroughputSource) Option {
	return func(g *Governor) {
		g.source = src
	}
}

// WithTickInterval sets the cadence of the background loop
func WithTickInterval(d time.Duration) Option {
	return func(g *Governor) {
		if d > 0 {
			g.tickInterval = d
		}
	}
}

// WithLogger replaces the default logger
func WithLogger(l *logger.Logger) Option {
	return func(g *Governor) {
		if l != nil {
			g.log = l
		}
	}
}

// TickResult summarizes one decision tick
type TickResult struct {
	At         time.Time
	Throughput float64
	Known      bool
	// Skipped is empty when the engine reached a decision, otherwise one of the Skip* constants.
	Skipped  string
	Isolated []string
	Restored []string
	Armed    int
}

// Governor owns the registry, the isolation ledger and the policy of one surface.
type Governor struct {
	name         string
	log          *logger.Logger
	now          func() time.Time
	sampler      *sampler.Sampler
	source       ThroughputSource
	tickInterval time.Duration

	mu         sync.Mutex // guards everything below until dispatchMu
	cfg        Config
	registry   *registry
	ledger     *ledger
	degraded   bool
	lastRound  time.Time
	eventSeq   uint64
	nextTicket uint64 // delivery turn handed to the next publishing batch

	dispatchMu   sync.Mutex // guards serving; never acquired while holding mu
	dispatchCond *sync.Cond
	serving      uint64

	obsMu      sync.RWMutex
	observers  map[Observer]struct{}
	watchers   map[string]map[uint64]func(Status)
	watcherSeq uint64

	loopMu  sync.Mutex
	stopCh  chan struct{}
	done    chan struct{}
	running bool
}

// New creates a governor for one host surface.
func New(cfg Config, opts ...Option) (*Governor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, opError("new", "", err)
	}
	g := &Governor{
		name:         "default",
		now:          time.Now,
		tickInterval: DefaultTickInterval,
		cfg:          cfg,
		registry:     newRegistry(),
		ledger:       newLedger(),
		observers:    make(map[Observer]struct{}),
		watchers:     make(map[string]map[uint64]func(Status)),
	}
	g.dispatchCond = sync.NewCond(&g.dispatchMu)
	for _, opt := range opts {
		opt(g)
	}
	if g.log == nil {
		g.log = logger.NewLogger("Governor").Named(g.name)
	}
	if g.source == nil {
		g.sampler = sampler.New(sampler.DefaultConfig(), sampler.WithClock(g.now))
		g.source = g.sampler
	}
	g.updateGaugesLocked()
	return g, nil
}

// Name returns the surface name
func (g *Governor) Name() string {
	return g.name
}

// Sample feeds one host frame timestamp to the governor's sampler.
// It is a no-op when the governor was built with WithThroughputSource.
func (g *Governor) Sample(ts time.Time) {
	if g.sampler != nil {
		g.sampler.Sample(ts)
	}
}

// Sampler returns the governor's sampler, or nil with an external throughput source.
func (g *Governor) Sampler() *sampler.Sampler {
	return g.sampler
}

// Register adds a node and returns the Binding that releases it.
func (g *Governor) Register(spec NodeSpec) (*Binding, error) {
	g.mu.Lock()
	now := g.now()
	rec, err := g.registry.add(spec, now)
	if err != nil {
		g.mu.Unlock()
		metrics.RecordRejected(g.name, "register", errorKind(err))
		g.log.Warnf("Rejected registration of %q: %v", spec.ID, err)
		return nil, opError("register", spec.ID, err)
	}
	ev := g.newEventLocked(EventRegistered, rec.node, StateAbsent, StateActive, ReasonNone, now)
	g.updateGaugesLocked()
	g.log.Debugf("Registered node %s (tier=%s, category=%s)", spec.ID, spec.Tier, spec.Category)
	g.publishAndUnlock([]TransitionEvent{ev})

	return &Binding{g: g, rec: rec}, nil
}

// Unregister removes a node and evicts its ledger entry. Unknown ids are a no-op.
func (g *Governor) Unregister(id string) bool {
	return g.unregister(id, nil)
}

func (g *Governor) unregister(id string, owner *nodeRecord) bool {
	g.mu.Lock()
	rec, ok := g.registry.remove(id, owner)
	if !ok {
		g.mu.Unlock()
		return false
	}
	from, reason := StateActive, ReasonNone
	if entry, isolated := g.ledger.restore(id); isolated {
		from, reason = StateIsolated, entry.Reason
	}
	ev := g.newEventLocked(EventUnregistered, rec.node, from, StateAbsent, reason, g.now())
	g.updateGaugesLocked()
	g.log.Debugf("Unregistered node %s (was %s)", id, from)
	g.publishAndUnlock([]TransitionEvent{ev})
	return true
}

// Status returns the isolation status of a registered node.
func (g *Governor) Status(id string) (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.registry.get(id)
	if !ok {
		return Status{NodeID: id}, opError("status", id, ErrUnknownID)
	}
	return g.statusLocked(rec.node), nil
}

func (g *Governor) statusLocked(n Node) Status {
	st := Status{NodeID: n.ID, Tier: n.Tier, Category: n.Category}
	if e, ok := g.ledger.get(n.ID); ok {
		st.Isolated = true
		st.Reason = e.Reason
	}
	return st
}

// IsIsolated returns a copy of the ledger entry for id, if any.
func (g *Governor) IsIsolated(id string) (IsolationEntry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.ledger.get(id)
	if !ok {
		return IsolationEntry{}, false
	}
	return *e, true
}

// Nodes returns a snapshot of the registered nodes in registration order
func (g *Governor) Nodes() []Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.registry.snapshot()
}

// ListByTier returns a snapshot of the ids registered in tier
func (g *Governor) ListByTier(tier Tier) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.registry.listByTier(tier)
}

// Tick runs one pass of the decision engine. It never panics: an internal
// failure leaves the ledger untouched and suspends automatic transitions until
// SetEnabled(true) is called.
func (g *Governor) Tick() TickResult {
	start := time.Now()
	defer func() {
		metrics.RecordTickDuration(g.name, time.Since(start).Seconds())
	}()

	now := g.now()
	res := TickResult{At: now}

	g.mu.Lock()
	plan, err := g.safePlan(now, &res)
	if err != nil {
		g.degraded = true
		g.mu.Unlock()
		metrics.RecordTickPanic(g.name)
		g.log.Errorf("Tick failed, automatic isolation suspended until re-enabled: %v", err)
		res.Skipped = SkipPanic
		return res
	}
	metrics.SetThroughput(g.name, res.Throughput, res.Known)
	fps := res.Throughput

	events := g.applyPlanLocked(plan, now, &res)
	if plan.skipped == SkipCapacity {
		metrics.RecordRejected(g.name, "tick", "capacity")
		g.log.Debugf("Throughput %.1f below %.1f but %d nodes already auto-isolated", fps, g.cfg.MinThroughput, g.cfg.MaxIsolated)
	}
	if len(events) > 0 {
		g.updateGaugesLocked()
	}
	g.publishAndUnlock(events)
	return res
}

// safePlan reads the throughput and plans the tick, turning a panic in either
// into an error. Must be called with g.mu held.
func (g *Governor) safePlan(now time.Time, res *TickResult) (p tickPlan, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in decision engine: %v", r)
		}
	}()
	res.Throughput, res.Known = g.source.ThroughputAt(now)
	return planTick(tickInput{
		now:       now,
		cfg:       g.cfg,
		fps:       res.Throughput,
		known:     res.Known,
		degraded:  g.degraded,
		lastRound: g.lastRound,
		nodes:     g.registry.snapshot(),
		ledger:    g.ledger,
	}), nil
}

// applyPlanLocked applies a plan in one batch. Must be called with g.mu held.
func (g *Governor) applyPlanLocked(p tickPlan, now time.Time, res *TickResult) []TransitionEvent {
	res.Skipped = p.skipped

	for _, id := range p.disarm {
		if e, ok := g.ledger.get(id); ok {
			e.RestoreEligibleAt = time.Time{}
		}
	}
	for id, deadline := range p.arm {
		if e, ok := g.ledger.get(id); ok {
			e.RestoreEligibleAt = deadline
			res.Armed++
		}
	}

	var events []TransitionEvent
	for _, id := range p.restore {
		entry, ok := g.ledger.restore(id)
		if !ok {
			continue
		}
		rec, _ := g.registry.get(id)
		events = append(events, g.newEventLocked(EventRestored, rec.node, StateIsolated, StateActive, entry.Reason, now))
		res.Restored = append(res.Restored, id)
		metrics.RecordTransition(g.name, "restore", ReasonAuto.String())
	}
	if len(res.Restored) > 0 {
		g.log.Infof("Throughput %.1f recovered, restored %v", res.Throughput, res.Restored)
	}

	for _, n := range p.isolate {
		changed, err := g.ledger.isolate(n, ReasonAuto, now, g.cfg.MaxIsolated)
		if err != nil {
			metrics.RecordRejected(g.name, "tick", errorKind(err))
			g.log.Debugf("Skipped auto isolation of %s: %v", n.ID, err)
			continue
		}
		if !changed {
			continue
		}
		events = append(events, g.newEventLocked(EventIsolated, n, StateActive, StateIsolated, ReasonAuto, now))
		res.Isolated = append(res.Isolated, n.ID)
		metrics.RecordTransition(g.name, "isolate", ReasonAuto.String())
	}
	if len(res.Isolated) > 0 {
		g.lastRound = now
		g.log.Infof("Throughput %.1f below %.1f, isolated %v", res.Throughput, g.cfg.MinThroughput, res.Isolated)
	}
	return events
}

func (g *Governor) newEventLocked(t EventType, n Node, from, to State, reason Reason, at time.Time) TransitionEvent {
	g.eventSeq++
	return TransitionEvent{
		Seq:      g.eventSeq,
		Type:     t,
		NodeID:   n.ID,
		Tier:     n.Tier,
		Category: n.Category,
		From:     from,
		To:       to,
		Reason:   reason,
		At:       at,
	}
}

// updateGaugesLocked refreshes the registry and ledger gauges. Must be called with g.mu held.
func (g *Governor) updateGaugesLocked() {
	counts := g.registry.countByTier()
	for _, t := range Tiers {
		metrics.SetNodesRegistered(g.name, t.String(), counts[t])
	}
	metrics.SetNodesIsolated(g.name, ReasonAuto.String(), g.ledger.count(ReasonAuto))
	metrics.SetNodesIsolated(g.name, ReasonManual.String(), g.ledger.count(ReasonManual))
}

// Start begins ticking in the background at the configured interval.
// Hosts that tick from their own frame callback do not need it.
func (g *Governor) Start() {
	g.loopMu.Lock()
	defer g.loopMu.Unlock()
	if g.running {
		return
	}
	g.running = true
	g.stopCh = make(chan struct{})
	g.done = make(chan struct{})
	g.log.Infof("Starting governor loop with %v tick interval", g.tickInterval)
	go g.run(g.stopCh, g.done)
}

// Stop stops the background loop and waits for it to finish.
// This method is idempotent - multiple calls are safe.
func (g *Governor) Stop() {
	g.loopMu.Lock()
	defer g.loopMu.Unlock()
	if !g.running {
		return
	}
	close(g.stopCh)
	<-g.done
	g.running = false
	g.log.Infof("Governor loop stopped")
}

func (g *Governor) run(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(g.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			g.Tick()
		}
	}
}
