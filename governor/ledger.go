package governor

import "time"

// ledger is the set of isolated nodes in isolation order. Not safe for
// concurrent use; the Governor guards it with its mutex.
type ledger struct {
	entries *orderedMap[*IsolationEntry]
	auto    int
}

func newLedger() *ledger {
	return &ledger{entries: newOrderedMap[*IsolationEntry]()}
}

func (l *ledger) get(id string) (*IsolationEntry, bool) {
	return l.entries.get(id)
}

// isolate inserts or upgrades the entry for node. changed is false when the call
// was a no-op: the node is already isolated for the same reason, or an auto
// request meets a manual entry (auto never downgrades manual).
// A manual request on an auto entry upgrades it in place and disarms its restore deadline.
func (l *ledger) isolate(node Node, reason Reason, now time.Time, maxAuto int) (changed bool, err error) {
	if node.Tier == TierCritical {
		return false, ErrCriticalNodeProtected
	}
	if e, ok := l.entries.get(node.ID); ok {
		if e.Reason == reason || reason == ReasonAuto {
			return false, nil
		}
		e.Reason = ReasonManual
		e.RestoreEligibleAt = time.Time{}
		l.auto--
		return true, nil
	}
	if reason == ReasonAuto && l.auto >= maxAuto {
		return false, ErrCapacityExceeded
	}
	l.entries.set(node.ID, &IsolationEntry{
		NodeID:     node.ID,
		Tier:       node.Tier,
		Category:   node.Category,
		Reason:     reason,
		IsolatedAt: now,
	})
	if reason == ReasonAuto {
		l.auto++
	}
	return true, nil
}

// restore removes the entry for id regardless of its reason.
func (l *ledger) restore(id string) (IsolationEntry, bool) {
	e, ok := l.entries.delete(id)
	if !ok {
		return IsolationEntry{}, false
	}
	if e.Reason == ReasonAuto {
		l.auto--
	}
	return *e, true
}

// list returns copies of the entries in isolation order, optionally filtered by reason.
func (l *ledger) list(filter ...Reason) []IsolationEntry {
	out := make([]IsolationEntry, 0, l.entries.len())
	l.entries.each(func(_ string, e *IsolationEntry) bool {
		if matchReason(e.Reason, filter) {
			out = append(out, *e)
		}
		return true
	})
	return out
}

// autoEntries returns the live auto entries in isolation order. The pointers
// are only valid while the governor lock is held.
func (l *ledger) autoEntries() []*IsolationEntry {
	out := make([]*IsolationEntry, 0, l.auto)
	l.entries.each(func(_ string, e *IsolationEntry) bool {
		if e.Reason == ReasonAuto {
			out = append(out, e)
		}
		return true
	})
	return out
}

func (l *ledger) len() int {
	return l.entries.len()
}

func (l *ledger) count(reason Reason) int {
	if reason == ReasonAuto {
		return l.auto
	}
	return l.entries.len() - l.auto
}

func matchReason(r Reason, filter []Reason) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == r {
			return true
		}
	}
	return false
}
