package governor

import "time"

// EventType represents the kind of transition event
type EventType string

const (
	EventRegistered    EventType = "registered"
	EventUnregistered  EventType = "unregistered"
	EventIsolated      EventType = "isolated"
	EventRestored      EventType = "restored"
	EventConfigChanged EventType = "config_changed"
)

// TransitionEvent is one entry of the diagnostics stream.
type TransitionEvent struct {
	Seq      uint64    `json:"seq"`
	Type     EventType `json:"type"`
	NodeID   string    `json:"id,omitempty"`
	Tier     Tier      `json:"tier"`
	Category string    `json:"category,omitempty"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	Reason   Reason    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// status derives the node status the event leaves behind.
func (ev TransitionEvent) status() Status {
	st := Status{
		NodeID:   ev.NodeID,
		Tier:     ev.Tier,
		Category: ev.Category,
		Isolated: ev.To == StateIsolated,
	}
	if st.Isolated {
		st.Reason = ev.Reason
	}
	return st
}

// Observer receives transition events.
//
// Events are delivered synchronously and in order after the governor lock is
// released. OnTransition may read governor state (Status, Snapshot, ListIsolated)
// but must not block and must not call mutating Governor or Binding methods,
// including Release; hand work off to a goroutine or channel instead. Observers are kept
// in a map, so implementations must be comparable (pointer receivers are).
type Observer interface {
	OnTransition(ev TransitionEvent)
}

// AddObserver registers an observer to receive transition events
func (g *Governor) AddObserver(o Observer) {
	g.obsMu.Lock()
	defer g.obsMu.Unlock()
	g.observers[o] = struct{}{}
}

// RemoveObserver unregisters an observer
func (g *Governor) RemoveObserver(o Observer) {
	g.obsMu.Lock()
	defer g.obsMu.Unlock()
	delete(g.observers, o)
}

// watch registers fn for status changes of node id and returns its cancel function.
func (g *Governor) watch(id string, fn func(Status)) func() {
	g.obsMu.Lock()
	g.watcherSeq++
	key := g.watcherSeq
	if g.watchers[id] == nil {
		g.watchers[id] = make(map[uint64]func(Status))
	}
	g.watchers[id][key] = fn
	g.obsMu.Unlock()

	return func() {
		g.obsMu.Lock()
		defer g.obsMu.Unlock()
		if ws := g.watchers[id]; ws != nil {
			delete(ws, key)
			if len(ws) == 0 {
				delete(g.watchers, id)
			}
		}
	}
}

// publishAndUnlock releases g.mu and delivers events in order. Must be called
// with g.mu held. Each batch takes a delivery ticket under g.mu and waits for
// its turn only after g.mu is released, so callbacks may read governor state.
func (g *Governor) publishAndUnlock(events []TransitionEvent) {
	if len(events) == 0 {
		g.mu.Unlock()
		return
	}
	ticket := g.nextTicket
	g.nextTicket++
	g.mu.Unlock()

	g.dispatchMu.Lock()
	for g.serving != ticket {
		g.dispatchCond.Wait()
	}
	g.dispatchMu.Unlock()
	defer func() {
		g.dispatchMu.Lock()
		g.serving++
		g.dispatchMu.Unlock()
		g.dispatchCond.Broadcast()
	}()

	g.obsMu.RLock()
	observers := make([]Observer, 0, len(g.observers))
	for o := range g.observers {
		observers = append(observers, o)
	}
	g.obsMu.RUnlock()

	for _, ev := range events {
		for _, o := range observers {
			g.deliver(func() { o.OnTransition(ev) })
		}
		if ev.NodeID == "" || ev.Type == EventRegistered {
			continue
		}
		g.notifyWatchers(ev)
	}
}

func (g *Governor) notifyWatchers(ev TransitionEvent) {
	g.obsMu.Lock()
	ws := g.watchers[ev.NodeID]
	fns := make([]func(Status), 0, len(ws))
	for _, fn := range ws {
		fns = append(fns, fn)
	}
	if ev.Type == EventUnregistered {
		delete(g.watchers, ev.NodeID)
	}
	g.obsMu.Unlock()

	st := ev.status()
	for _, fn := range fns {
		g.deliver(func() { fn(st) })
	}
}

// deliver runs one callback and keeps a panicking observer from reaching the host.
func (g *Governor) deliver(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Errorf("Observer panicked: %v", r)
		}
	}()
	fn()
}
