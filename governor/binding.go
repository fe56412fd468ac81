package governor

import (
	"sync"
	"sync/atomic"
)

// Binding is a node's scoped registration. Release it when the node unmounts.
// A Binding is safe for concurrent use.
type Binding struct {
	g        *Governor
	rec      *nodeRecord
	released atomic.Bool

	mu      sync.Mutex
	cancels []func()
}

// ID returns the node id
func (b *Binding) ID() string {
	return b.rec.node.ID
}

// Node returns the node as registered
func (b *Binding) Node() Node {
	return b.rec.node
}

// Status returns the node's current isolation status. A released binding
// reports an active status.
func (b *Binding) Status() Status {
	n := b.rec.node
	if b.released.Load() {
		return Status{NodeID: n.ID, Tier: n.Tier, Category: n.Category}
	}
	b.g.mu.Lock()
	defer b.g.mu.Unlock()
	if cur, ok := b.g.registry.get(n.ID); !ok || cur != b.rec {
		return Status{NodeID: n.ID, Tier: n.Tier, Category: n.Category}
	}
	return b.g.statusLocked(n)
}

// Isolated is the per-render check: true while the node should show its placeholder.
func (b *Binding) Isolated() bool {
	return b.Status().Isolated
}

// Watch calls fn with the node's new status after every transition until the
// returned cancel function is called or the binding is released. fn runs on the
// goroutine that caused the transition and must not block.
func (b *Binding) Watch(fn func(Status)) (cancel func()) {
	if b.released.Load() {
		return func() {}
	}
	b.g.mu.Lock()
	if cur, ok := b.g.registry.get(b.ID()); !ok || cur != b.rec {
		b.g.mu.Unlock()
		return func() {}
	}
	stop := b.g.watch(b.ID(), fn)
	b.g.mu.Unlock()

	var once sync.Once
	cancel = func() { once.Do(stop) }

	b.mu.Lock()
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()
	return cancel
}

// Release unregisters the node. It is idempotent, and releasing a stale binding
// never removes a later registration of the same id.
func (b *Binding) Release() {
	if !b.released.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	cancels := b.cancels
	b.cancels = nil
	b.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	b.g.unregister(b.rec.node.ID, b.rec)
}

// Close implements io.Closer
func (b *Binding) Close() error {
	b.Release()
	return nil
}

// Mount registers spec for the duration of fn and releases the registration on
// every exit path, including a panic in fn, which is re-raised after release.
func Mount(g *Governor, spec NodeSpec, fn func(b *Binding) error) error {
	b, err := g.Register(spec)
	if err != nil {
		return err
	}
	defer b.Release()
	return fn(b)
}

// Render returns full() while the node is active and placeholder() while it is
// isolated. The node keeps its own state either way; only the expensive render is gated.
func Render[T any](b *Binding, full func() T, placeholder func(Status) T) T {
	st := b.Status()
	if st.Isolated {
		return placeholder(st)
	}
	return full()
}
