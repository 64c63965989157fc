package storage

import (
	"context"
	"encoding/json"
	"time"

	"turbodriver/internal/dispatch"
)

// RideEvent is one row of the ride-request audit log, independent of the
// Event Bus's best-effort live fan-out. The Auction Engine does not append
// these rows itself; AppendRideEvent is the write path for callers that do.
type RideEvent struct {
	RequestID string          `json:"requestId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ActorID   string          `json:"actorId,omitempty"`
	ActorRole string          `json:"actorRole,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type EventLogger interface {
	AppendRideEvent(ctx context.Context, evt RideEvent) error
	ListRideEvents(ctx context.Context, requestID string, limit, offset int) ([]RideEvent, error)
	CountRideEvents(ctx context.Context, requestID string) (int, error)
}

func (p *Postgres) AppendRideEvent(ctx context.Context, evt RideEvent) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO ride_events (request_id, event_type, payload, actor_id, actor_role, created_at)
VALUES ($1,$2,$3,$4,$5,COALESCE($6,NOW()))
`, evt.RequestID, evt.Type, evt.Payload, evt.ActorID, evt.ActorRole, evt.CreatedAt)
	return err
}

func (p *Postgres) ListRideEvents(ctx context.Context, requestID string, limit, offset int) ([]RideEvent, error) {
	rows, err := p.pool.Query(ctx, `
SELECT request_id, event_type, payload, actor_id, actor_role, created_at
FROM ride_events
WHERE request_id = $1
ORDER BY created_at ASC
LIMIT $2 OFFSET $3
`, requestID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RideEvent
	for rows.Next() {
		var evt RideEvent
		if err := rows.Scan(&evt.RequestID, &evt.Type, &evt.Payload, &evt.ActorID, &evt.ActorRole, &evt.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (p *Postgres) CountRideEvents(ctx context.Context, requestID string) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ride_events WHERE request_id = $1`, requestID).Scan(&count)
	return count, err
}

// eventPayload marshals v for storage in RideEvent.Payload, swallowing
// marshal errors into an empty payload rather than failing the audit write.
func eventPayload(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// NewRideEvent builds an audit-log entry for a dispatch-level state change.
func NewRideEvent(requestID, eventType, actorID string, role dispatch.IdentityRole, payload interface{}) RideEvent {
	return RideEvent{
		RequestID: requestID,
		Type:      eventType,
		Payload:   eventPayload(payload),
		ActorID:   actorID,
		ActorRole: string(role),
		CreatedAt: time.Now(),
	}
}
