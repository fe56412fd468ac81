// Package sampler turns a stream of host frame timestamps into a rolling
// frames-per-second estimate.
//
// The estimate counts the frames inside a trailing window that ends at the most
// recent frame, so a host that simply stops producing frames (tab hidden, process
// suspended) never decays into an artificially low rate. Instead, once no frame
// has arrived for longer than the stall window the estimate becomes unknown.
package sampler

import (
	"fmt"
	"sync"
	"time"
)

const (
	DefaultWindow      = time.Second
	DefaultStallWindow = 2 * time.Second
	DefaultMaxSamples  = 1024
)

// Config holds the sampler tuning parameters
type Config struct {
	// Window is the trailing interval over which frames are counted.
	Window time.Duration
	// StallWindow is how long the sampler waits without frames before it reports unknown.
	StallWindow time.Duration
	// MaxSamples bounds the buffer; it also bounds the highest measurable rate to MaxSamples/Window.
	MaxSamples int
}

// DefaultConfig returns the default sampler configuration
func DefaultConfig() Config {
	return Config{
		Window:      DefaultWindow,
		StallWindow: DefaultStallWindow,
		MaxSamples:  DefaultMaxSamples,
	}
}

// Validate checks the configuration for unusable values
func (c Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("sampler window must be positive, got %v", c.Window)
	}
	if c.StallWindow <= 0 {
		return fmt.Errorf("sampler stall window must be positive, got %v", c.StallWindow)
	}
	if c.MaxSamples <= 0 {
		return fmt.Errorf("sampler max samples must be positive, got %d", c.MaxSamples)
	}
	return nil
}

// Stats is a point-in-time view of the sampler
type Stats struct {
	FPS        float64   `json:"fps"`
	Known      bool      `json:"known"`
	Samples    int       `json:"samples"`
	LastSample time.Time `json:"last_sample"`
	Dropped    uint64    `json:"dropped"`
}

// Option configures a Sampler
type Option func(*Sampler)

// WithClock overrides the wall clock used to detect stalls
func WithClock(now func() time.Time) Option {
	return func(s *Sampler) {
		if now != nil {
			s.now = now
		}
	}
}

// Sampler is safe for concurrent use.
type Sampler struct {
	mu        sync.Mutex
	cfg       Config
	now       func() time.Time
	frames    []time.Time // ascending, all within Window of last
	startedAt time.Time   // first frame of the current run
	last      time.Time
	dropped   uint64 // out-of-order frames
}

// New creates a Sampler. Zero fields in cfg fall back to defaults.
func New(cfg Config, opts ...Option) *Sampler {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.StallWindow <= 0 {
		cfg.StallWindow = DefaultStallWindow
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = DefaultMaxSamples
	}
	s := &Sampler{
		cfg:    cfg,
		now:    time.Now,
		frames: make([]time.Time, 0, cfg.MaxSamples),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the sampler configuration
func (s *Sampler) Config() Config {
	return s.cfg
}

// Sample records one host frame.
func (s *Sampler) Sample(ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.last.IsZero() && ts.Before(s.last) {
		s.dropped++
		return
	}

	// A gap longer than the stall window starts a new run; the old frames
	// say nothing about the current rate.
	if s.last.IsZero() || ts.Sub(s.last) > s.cfg.StallWindow {
		s.frames = s.frames[:0]
		s.startedAt = ts
	}
	s.last = ts
	s.frames = append(s.frames, ts)
	s.pruneLocked()
}

// pruneLocked drops frames outside the window ending at the last frame and
// enforces MaxSamples. Must be called with s.mu held.
func (s *Sampler) pruneLocked() {
	cutoff := s.last.Add(-s.cfg.Window)
	i := 0
	for i < len(s.frames) && !s.frames[i].After(cutoff) {
		i++
	}
	if over := len(s.frames) - i - s.cfg.MaxSamples; over > 0 {
		i += over
	}
	if i > 0 {
		n := copy(s.frames, s.frames[i:])
		s.frames = s.frames[:n]
	}
}

// Throughput returns the frames per second over the trailing window.
// known is false when no estimate is available: nothing sampled yet, the host
// stalled for longer than StallWindow, or the current run is shorter than one Window.
func (s *Sampler) Throughput() (fps float64, known bool) {
	return s.ThroughputAt(s.now())
}

// ThroughputAt is Throughput evaluated at the given time.
func (s *Sampler) ThroughputAt(now time.Time) (fps float64, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.throughputLocked(now)
}

func (s *Sampler) throughputLocked(now time.Time) (float64, bool) {
	if s.last.IsZero() {
		return 0, false
	}
	if now.Sub(s.last) > s.cfg.StallWindow {
		return 0, false
	}
	if s.last.Sub(s.startedAt) < s.cfg.Window {
		return 0, false
	}
	return float64(len(s.frames)) / s.cfg.Window.Seconds(), true
}

// Reset drops every sample; the next frame starts a new warm-up.
func (s *Sampler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = s.frames[:0]
	s.startedAt = time.Time{}
	s.last = time.Time{}
}

// Snapshot returns the current sampler state
func (s *Sampler) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	fps, known := s.throughputLocked(s.now())
	return Stats{
		FPS:        fps,
		Known:      known,
		Samples:    len(s.frames),
		LastSample: s.last,
		Dropped:    s.dropped,
	}
}
