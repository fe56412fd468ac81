package inspector

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xiaonanln/canvasgov/governor"
)

// NodeView is one registered node as operators see it
type NodeView struct {
	ID           string          `json:"id"`
	Tier         governor.Tier   `json:"tier"`
	Category     string          `json:"category"`
	RegisteredAt time.Time       `json:"registered_at"`
	Isolated     bool            `json:"isolated"`
	Reason       governor.Reason `json:"reason,omitempty"`
}

// ConfigView is governor.Config with durations rendered as strings such as "2s"
type ConfigView struct {
	Enabled       bool    `json:"enabled"`
	MinThroughput float64 `json:"min_throughput"`
	MaxIsolated   int     `json:"max_isolated"`
	RestoreDelay  string  `json:"restore_delay"`
	SettleTime    string  `json:"settle_time"`
}

// StatusView is the governor overview returned by GET /status and GetStatus
type StatusView struct {
	Surface         string         `json:"surface"`
	Enabled         bool           `json:"enabled"`
	Degraded        bool           `json:"degraded"`
	Throughput      float64        `json:"throughput"`
	ThroughputKnown bool           `json:"throughput_known"`
	Registered      int            `json:"registered"`
	ByTier          map[string]int `json:"by_tier"`
	Isolated        int            `json:"isolated"`
	AutoIsolated    int            `json:"auto_isolated"`
	ManualIsolated  int            `json:"manual_isolated"`
	Config          ConfigView     `json:"config"`
}

// ConfigPatchRequest is the body of PATCH /config and SetConfig. Omitted fields are left unchanged.
type ConfigPatchRequest struct {
	Enabled       *bool    `json:"enabled,omitempty"`
	MinThroughput *float64 `json:"min_throughput,omitempty"`
	MaxIsolated   *int     `json:"max_isolated,omitempty"`
	RestoreDelay  *string  `json:"restore_delay,omitempty"`
	SettleTime    *string  `json:"settle_time,omitempty"`
}

func newConfigView(c governor.Config) ConfigView {
	return ConfigView{
		Enabled:       c.Enabled,
		MinThroughput: c.MinThroughput,
		MaxIsolated:   c.MaxIsolated,
		RestoreDelay:  c.RestoreDelay.String(),
		SettleTime:    c.SettleTime.String(),
	}
}

func newStatusView(ov governor.Overview) StatusView {
	byTier := make(map[string]int, len(governor.Tiers))
	for _, t := range governor.Tiers {
		byTier[t.String()] = ov.ByTier[t]
	}
	return StatusView{
		Surface:         ov.Surface,
		Enabled:         ov.Config.Enabled,
		Degraded:        ov.Degraded,
		Throughput:      ov.Throughput,
		ThroughputKnown: ov.ThroughputKnown,
		Registered:      ov.Registered,
		ByTier:          byTier,
		Isolated:        ov.Isolated,
		AutoIsolated:    ov.ByReason[governor.ReasonAuto],
		ManualIsolated:  ov.ByReason[governor.ReasonManual],
		Config:          newConfigView(ov.Config),
	}
}

func nodeViews(g *governor.Governor) []NodeView {
	nodes := g.Nodes()
	isolated := make(map[string]governor.Reason)
	for _, e := range g.ListIsolated() {
		isolated[e.NodeID] = e.Reason
	}
	out := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		reason, ok := isolated[n.ID]
		out = append(out, NodeView{
			ID:           n.ID,
			Tier:         n.Tier,
			Category:     n.Category,
			RegisteredAt: n.RegisteredAt,
			Isolated:     ok,
			Reason:       reason,
		})
	}
	return out
}

// Patch validates the request and converts it into a governor.ConfigPatch
func (r ConfigPatchRequest) Patch() (governor.ConfigPatch, error) {
	p := governor.ConfigPatch{
		Enabled:       r.Enabled,
		MinThroughput: r.MinThroughput,
		MaxIsolated:   r.MaxIsolated,
	}
	var err error
	if p.RestoreDelay, err = parseDuration("restore_delay", r.RestoreDelay); err != nil {
		return p, err
	}
	if p.SettleTime, err = parseDuration("settle_time", r.SettleTime); err != nil {
		return p, err
	}
	return p, nil
}

func parseDuration(field string, s *string) (*time.Duration, error) {
	if s == nil {
		return nil, nil
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", governor.ErrInvalidConfig, field, err)
	}
	return &d, nil
}

// parseReasons turns an optional "auto" / "manual" filter into reasons
func parseReasons(s string) ([]governor.Reason, error) {
	if s == "" {
		return nil, nil
	}
	r, err := governor.ParseReason(s)
	if err != nil {
		return nil, err
	}
	return []governor.Reason{r}, nil
}

// toStruct converts a JSON-tagged value into a protobuf Struct
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// toList converts a JSON-tagged slice into a protobuf ListValue
func toList(v any) (*structpb.ListValue, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var items []any
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	return structpb.NewList(items)
}

// fromProto decodes a Struct or ListValue into a JSON-tagged value
func fromProto(msg proto.Message, v any) error {
	data, err := protojson.Marshal(msg)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
