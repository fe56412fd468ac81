package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xiaonanln/canvasgov/governor"
)

// TransitionRecord is one persisted transition event
type TransitionRecord struct {
	ID        uuid.UUID
	Seq       uint64
	Surface   string
	NodeID    string
	Type      governor.EventType
	Tier      string
	Category  string
	From      string
	To        string
	Reason    string
	At        time.Time
	CreatedAt time.Time
}

// InsertTransition appends one transition event of surface to the journal table
func (db *DB) InsertTransition(ctx context.Context, surface string, ev governor.TransitionEvent) error {
	if surface == "" {
		return fmt.Errorf("surface cannot be empty")
	}

	reason := ""
	if ev.Reason != governor.ReasonNone {
		reason = ev.Reason.String()
	}

	query := `
		INSERT INTO canvasgov_transitions
			(id, seq, surface, node_id, event_type, tier, category, from_state, to_state, reason, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := db.conn.ExecContext(ctx, query,
		uuid.New(), int64(ev.Seq), surface, ev.NodeID, string(ev.Type),
		ev.Tier.String(), ev.Category, ev.From.String(), ev.To.String(), reason, ev.At)
	if err != nil {
		return fmt.Errorf("failed to insert transition: %w", err)
	}

	return nil
}

// RecentTransitions returns up to limit events of surface, newest first.
// An empty nodeID returns events of every node.
func (db *DB) RecentTransitions(ctx context.Context, surface, nodeID string, limit int) ([]*TransitionRecord, error) {
	if surface == "" {
		return nil, fmt.Errorf("surface cannot be empty")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}

	query := `
		SELECT id, seq, surface, node_id, event_type, tier, category, from_state, to_state, reason, at, created_at
		FROM canvasgov_transitions
		WHERE surface = $1 AND ($2::text = '' OR node_id = $2)
		ORDER BY at DESC, seq DESC
		LIMIT $3
	`

	rows, err := db.conn.QueryContext(ctx, query, surface, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var records []*TransitionRecord
	for rows.Next() {
		rec := &TransitionRecord{}
		var seq int64
		var eventType string
		if err := rows.Scan(&rec.ID, &seq, &rec.Surface, &rec.NodeID, &eventType,
			&rec.Tier, &rec.Category, &rec.From, &rec.To, &rec.Reason, &rec.At, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		rec.Seq = uint64(seq)
		rec.Type = governor.EventType(eventType)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}

	return records, nil
}
