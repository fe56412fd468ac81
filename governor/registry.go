package governor

import (
	"fmt"
	"time"
)

// nodeRecord is one live registration. Bindings keep a pointer to it so a
// stale binding can tell its record apart from a later registration of the same id.
type nodeRecord struct {
	node Node
}

// registry holds the live nodes in registration order. Not safe for concurrent
// use; the Governor guards it with its mutex.
type registry struct {
	nodes *orderedMap[*nodeRecord]
}

func newRegistry() *registry {
	return &registry{nodes: newOrderedMap[*nodeRecord]()}
}

func (r *registry) add(spec NodeSpec, now time.Time) (*nodeRecord, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidNode)
	}
	if !spec.Tier.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTier, uint8(spec.Tier))
	}
	if _, exists := r.nodes.get(spec.ID); exists {
		return nil, ErrDuplicateID
	}
	rec := &nodeRecord{node: Node{
		ID:           spec.ID,
		Tier:         spec.Tier,
		Category:     spec.Category,
		Handle:       spec.Handle,
		RegisteredAt: now,
	}}
	r.nodes.set(spec.ID, rec)
	return rec, nil
}

// remove deletes id. When owner is non-nil the record is only removed if it is owner.
func (r *registry) remove(id string, owner *nodeRecord) (*nodeRecord, bool) {
	rec, ok := r.nodes.get(id)
	if !ok {
		return nil, false
	}
	if owner != nil && rec != owner {
		return nil, false
	}
	r.nodes.delete(id)
	return rec, true
}

func (r *registry) get(id string) (*nodeRecord, bool) {
	return r.nodes.get(id)
}

func (r *registry) len() int {
	return r.nodes.len()
}

// snapshot returns the live nodes in registration order. Later registrations or
// removals do not affect the returned slice.
func (r *registry) snapshot() []Node {
	out := make([]Node, 0, r.nodes.len())
	r.nodes.each(func(_ string, rec *nodeRecord) bool {
		out = append(out, rec.node)
		return true
	})
	return out
}

// listByTier returns the ids of nodes in tier, in registration order.
func (r *registry) listByTier(tier Tier) []string {
	var out []string
	r.nodes.each(func(id string, rec *nodeRecord) bool {
		if rec.node.Tier == tier {
			out = append(out, id)
		}
		return true
	})
	return out
}

func (r *registry) countByTier() map[Tier]int {
	counts := make(map[Tier]int, len(Tiers))
	r.nodes.each(func(_ string, rec *nodeRecord) bool {
		counts[rec.node.Tier]++
		return true
	})
	return counts
}
