package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xiaonanln/canvasgov/governor"
	"github.com/xiaonanln/canvasgov/util/logger"
)

const (
	defaultBaseCost = 5 * time.Millisecond
	placeholderCost = 200 * time.Microsecond
	defaultNodeCost = 3 * time.Millisecond
	editorMaxText   = 4096
)

// Simulated render cost of one full frame of a node, by category
var categoryCost = map[string]time.Duration{
	"text":       4 * time.Millisecond,
	"timer":      2 * time.Millisecond,
	"calculator": 3 * time.Millisecond,
	"chart":      9 * time.Millisecond,
	"chrome":     time.Millisecond,
}

// demoNodes is the canvas mounted when the config file lists no nodes
func demoNodes() []governor.NodeSpec {
	return []governor.NodeSpec{
		{ID: "toolbar", Tier: governor.TierCritical, Category: "chrome"},
		{ID: "editor", Tier: governor.TierHigh, Category: "text"},
		{ID: "timer", Tier: governor.TierNormal, Category: "timer"},
		{ID: "calculator", Tier: governor.TierNormal, Category: "calculator"},
		{ID: "chart-1", Tier: governor.TierNormal, Category: "chart"},
		{ID: "chart-2", Tier: governor.TierNormal, Category: "chart"},
		{ID: "chart-3", Tier: governor.TierNormal, Category: "chart"},
	}
}

// widget is a simulated canvas node. Its state lives here and survives isolation;
// only the full render is skipped while the governor has it isolated.
type widget struct {
	spec governor.NodeSpec
	cost time.Duration
	b    *governor.Binding

	mu         sync.Mutex
	renders    int
	skipped    int
	text       strings.Builder
	value      float64
	lastStatus governor.Status
}

func newWidget(spec governor.NodeSpec) *widget {
	cost, ok := categoryCost[spec.Category]
	if !ok {
		cost = defaultNodeCost
	}
	return &widget{spec: spec, cost: cost}
}

// draw performs one full render and returns its cost
func (w *widget) draw() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.renders++
	switch w.spec.Category {
	case "text":
		if w.text.Len() >= editorMaxText {
			w.text.Reset()
		}
		w.text.WriteByte(byte('a' + w.renders%26))
	case "calculator":
		w.value += float64(w.renders%10) / 10
	}
	return w.cost
}

// placeholder stands in for draw while the node is isolated
func (w *widget) placeholder(governor.Status) time.Duration {
	w.mu.Lock()
	w.skipped++
	w.mu.Unlock()
	return placeholderCost
}

func (w *widget) onStatus(st governor.Status) {
	w.mu.Lock()
	w.lastStatus = st
	w.mu.Unlock()
}

func (w *widget) textLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.text.Len()
}

// host drives a simulated frame clock whose frame cost grows with the active nodes
type host struct {
	gov    *governor.Governor
	specs  []governor.NodeSpec
	base   time.Duration
	logger *logger.Logger

	mu      sync.Mutex
	mounted map[string]*widget
}

func newHost(gov *governor.Governor, specs []governor.NodeSpec, base time.Duration) *host {
	return &host{
		gov:     gov,
		specs:   specs,
		base:    base,
		logger:  logger.NewLogger("Host").Named(gov.Name()),
		mounted: make(map[string]*widget),
	}
}

// mountAll mounts every node for the lifetime of ctx. Each node is released when
// ctx is done; the first mount error cancels the rest.
func (h *host) mountAll(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, spec := range h.specs {
		w := newWidget(spec)
		eg.Go(func() error {
			err := governor.Mount(h.gov, spec, func(b *governor.Binding) error {
				w.b = b
				b.Watch(w.onStatus)
				h.attach(w)
				defer h.detach(w)
				<-ctx.Done()
				return nil
			})
			if err != nil {
				return fmt.Errorf("mount %s: %w", spec.ID, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

func (h *host) attach(w *widget) {
	h.mu.Lock()
	h.mounted[w.spec.ID] = w
	h.mu.Unlock()
	h.logger.Debugf("Mounted %s (tier=%s, cost=%v)", w.spec.ID, w.spec.Tier, w.cost)
}

func (h *host) detach(w *widget) {
	h.mu.Lock()
	delete(h.mounted, w.spec.ID)
	h.mu.Unlock()
	h.logger.Debugf("Unmounted %s", w.spec.ID)
}

func (h *host) widget(id string) (*widget, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.mounted[id]
	return w, ok
}

func (h *host) widgets() []*widget {
	h.mu.Lock()
	defer h.mu.Unlock()
	ws := make([]*widget, 0, len(h.mounted))
	for _, w := range h.mounted {
		ws = append(ws, w)
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i].spec.ID < ws[j].spec.ID })
	return ws
}

// renderFrame renders every mounted node once and returns the simulated frame cost
func (h *host) renderFrame() time.Duration {
	cost := h.base
	for _, w := range h.widgets() {
		cost += governor.Render(w.b, w.draw, w.placeholder)
	}
	return cost
}

// runFrames renders frames back to back, sleeping for each frame's cost and
// reporting its completion to the sampler, until ctx is done.
func (h *host) runFrames(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	frames := 0
	for {
		timer.Reset(h.renderFrame())
		select {
		case <-ctx.Done():
			h.logger.Infof("Frame clock stopped after %d frames", frames)
			return nil
		case now := <-timer.C:
			h.gov.Sample(now)
			frames++
		}
	}
}
