package postgres

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiaonanln/canvasgov/governor"
	"github.com/xiaonanln/canvasgov/util/logger"
	"github.com/xiaonanln/canvasgov/util/metrics"
)

const writeTimeout = 5 * time.Second

// transitionStore is the part of DB the journal writes through
type transitionStore interface {
	InsertTransition(ctx context.Context, surface string, ev governor.TransitionEvent) error
	RecentTransitions(ctx context.Context, surface, nodeID string, limit int) ([]*TransitionRecord, error)
}

// Journal persists the transition events of one surface.
//
// It implements governor.Observer. OnTransition never blocks: events go into a
// bounded buffer drained by a single writer goroutine, and events arriving while
// the buffer is full are dropped and counted.
type Journal struct {
	surface string
	store   transitionStore
	logger  *logger.Logger

	mu     sync.RWMutex
	closed bool
	events chan governor.TransitionEvent
	done   chan struct{}

	dropped atomic.Uint64
	written atomic.Uint64
}

// NewJournal starts a journal for surface writing into db with room for bufferSize pending events
func NewJournal(db *DB, surface string, bufferSize int) *Journal {
	return newJournal(db, surface, bufferSize)
}

func newJournal(store transitionStore, surface string, bufferSize int) *Journal {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	j := &Journal{
		surface: surface,
		store:   store,
		logger:  logger.NewLogger("Journal").Named(surface),
		events:  make(chan governor.TransitionEvent, bufferSize),
		done:    make(chan struct{}),
	}
	go j.run()
	return j
}

// OnTransition enqueues ev for writing
func (j *Journal) OnTransition(ev governor.TransitionEvent) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}

	select {
	case j.events <- ev:
	default:
		j.dropped.Add(1)
		metrics.RecordJournalDropped()
	}
}

func (j *Journal) run() {
	defer close(j.done)
	for ev := range j.events {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := j.store.InsertTransition(ctx, j.surface, ev)
		cancel()
		if err != nil {
			j.logger.Warnf("Failed to write %s event #%d for node %q: %v", ev.Type, ev.Seq, ev.NodeID, err)
			continue
		}
		j.written.Add(1)
	}
}

// Recent returns up to limit journaled events for nodeID, newest first.
// An empty nodeID returns events of every node on the surface.
func (j *Journal) Recent(ctx context.Context, nodeID string, limit int) ([]*TransitionRecord, error) {
	return j.store.RecentTransitions(ctx, j.surface, nodeID, limit)
}

// Dropped returns how many events were discarded because the buffer was full
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

// Written returns how many events were stored successfully
func (j *Journal) Written() uint64 {
	return j.written.Load()
}

// Close stops accepting events and waits until the buffered ones are written.
// It is safe to call more than once.
func (j *Journal) Close() {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.events)
	}
	j.mu.Unlock()
	<-j.done
	j.logger.Infof("Journal closed: %d written, %d dropped", j.Written(), j.Dropped())
}
