package governor

import (
	"fmt"
	"math"
	"time"
)

// Tier is the priority class of a node. Lower tiers are isolated first.
type Tier uint8

const (
	TierNormal Tier = iota
	TierHigh
	TierCritical
)

// Tiers lists every tier in isolation order.
var Tiers = []Tier{TierNormal, TierHigh, TierCritical}

func (t Tier) String() string {
	switch t {
	case TierNormal:
		return "normal"
	case TierHigh:
		return "high"
	case TierCritical:
		return "critical"
	default:
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the declared tiers.
func (t Tier) Valid() bool {
	return t <= TierCritical
}

// ParseTier parses "normal", "high" or "critical".
func ParseTier(s string) (Tier, error) {
	switch s {
	case "normal":
		return TierNormal, nil
	case "high":
		return TierHigh, nil
	case "critical":
		return TierCritical, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
}

func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTier, uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Reason records why a node is isolated.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonAuto
	ReasonManual
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonAuto:
		return "auto"
	case ReasonManual:
		return "manual"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// ParseReason parses "auto" or "manual".
func ParseReason(s string) (Reason, error) {
	switch s {
	case "auto":
		return ReasonAuto, nil
	case "manual":
		return ReasonManual, nil
	default:
		return ReasonNone, fmt.Errorf("unknown isolation reason %q", s)
	}
}

func (r Reason) MarshalText() ([]byte, error) {
	if r == ReasonNone {
		return []byte{}, nil
	}
	return []byte(r.String()), nil
}

func (r *Reason) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*r = ReasonNone
		return nil
	}
	v, err := ParseReason(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// State is the derived lifecycle state of a node.
type State uint8

const (
	StateAbsent State = iota
	StateActive
	StateIsolated
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateActive:
		return "active"
	case StateIsolated:
		return "isolated"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ParseState parses "absent", "active" or "isolated".
func ParseState(s string) (State, error) {
	switch s {
	case "absent":
		return StateAbsent, nil
	case "active":
		return StateActive, nil
	case "isolated":
		return StateIsolated, nil
	default:
		return StateAbsent, fmt.Errorf("unknown node state %q", s)
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// NodeSpec describes a node at registration time.
type NodeSpec struct {
	ID       string
	Tier     Tier
	Category string
	// Handle is an opaque reference to the node's backing surface. The governor never inspects it.
	Handle any
}

// Node is a registered visual node.
type Node struct {
	ID           string    `json:"id"`
	Tier         Tier      `json:"tier"`
	Category     string    `json:"category"`
	Handle       any       `json:"-"`
	RegisteredAt time.Time `json:"registered_at"`
}

// IsolationEntry is a ledger record. One exists for a node iff it is isolated.
type IsolationEntry struct {
	NodeID     string    `json:"id"`
	Tier       Tier      `json:"tier"`
	Category   string    `json:"category"`
	Reason     Reason    `json:"reason"`
	IsolatedAt time.Time `json:"isolated_at"`
	// RestoreEligibleAt is the earliest time an auto entry may be restored.
	// Zero while throughput has not recovered.
	RestoreEligibleAt time.Time `json:"restore_eligible_at,omitzero"`
}

// Status is what a node reads on every render to choose between its content and its placeholder.
type Status struct {
	NodeID   string `json:"id"`
	Tier     Tier   `json:"tier"`
	Category string `json:"category"`
	Isolated bool   `json:"isolated"`
	Reason   Reason `json:"reason,omitempty"`
}

// Config is the governor policy. It is replaced as a whole through SetConfig or SetEnabled.
type Config struct {
	// Enabled is the master switch for automatic isolation and restoration.
	Enabled bool `json:"enabled"`
	// MinThroughput is the frames-per-second threshold below which nodes are isolated.
	MinThroughput float64 `json:"min_throughput"`
	// MaxIsolated bounds the number of automatically isolated nodes. Manual isolations do not count.
	MaxIsolated int `json:"max_isolated"`
	// RestoreDelay is how long throughput must stay at or above MinThroughput before auto entries are restored.
	RestoreDelay time.Duration `json:"restore_delay"`
	// SettleTime is the minimum interval between two automatic isolation rounds.
	SettleTime time.Duration `json:"settle_time"`
}

const (
	DefaultMinThroughput = 30
	DefaultMaxIsolated   = 4
	DefaultRestoreDelay  = 2 * time.Second
	DefaultSettleTime    = time.Second
)

// DefaultConfig returns the default policy
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		MinThroughput: DefaultMinThroughput,
		MaxIsolated:   DefaultMaxIsolated,
		RestoreDelay:  DefaultRestoreDelay,
		SettleTime:    DefaultSettleTime,
	}
}

// Validate checks the policy for unusable values
func (c Config) Validate() error {
	if math.IsNaN(c.MinThroughput) || math.IsInf(c.MinThroughput, 0) || c.MinThroughput < 0 {
		return fmt.Errorf("%w: min throughput must be a non-negative number, got %v", ErrInvalidConfig, c.MinThroughput)
	}
	if c.MaxIsolated < 0 {
		return fmt.Errorf("%w: max isolated must be non-negative, got %d", ErrInvalidConfig, c.MaxIsolated)
	}
	if c.RestoreDelay < 0 {
		return fmt.Errorf("%w: restore delay must be non-negative, got %v", ErrInvalidConfig, c.RestoreDelay)
	}
	if c.SettleTime < 0 {
		return fmt.Errorf("%w: settle time must be non-negative, got %v", ErrInvalidConfig, c.SettleTime)
	}
	return nil
}

// ConfigPatch is a partial Config; nil fields are left unchanged.
type ConfigPatch struct {
	Enabled       *bool
	MinThroughput *float64
	MaxIsolated   *int
	RestoreDelay  *time.Duration
	SettleTime    *time.Duration
}

// IsEmpty reports whether the patch changes nothing
func (p ConfigPatch) IsEmpty() bool {
	return p.Enabled == nil && p.MinThroughput == nil && p.MaxIsolated == nil &&
		p.RestoreDelay == nil && p.SettleTime == nil
}

// Apply returns c with the patch applied
func (p ConfigPatch) Apply(c Config) Config {
	if p.Enabled != nil {
		c.Enabled = *p.Enabled
	}
	if p.MinThroughput != nil {
		c.MinThroughput = *p.MinThroughput
	}
	if p.MaxIsolated != nil {
		c.MaxIsolated = *p.MaxIsolated
	}
	if p.RestoreDelay != nil {
		c.RestoreDelay = *p.RestoreDelay
	}
	if p.SettleTime != nil {
		c.SettleTime = *p.SettleTime
	}
	return c
}

// ThroughputSource supplies the control variable. *sampler.Sampler implements it.
type ThroughputSource interface {
	ThroughputAt(now time.Time) (fps float64, known bool)
}
