// Package fanout implements the Event Bus's cross-server fan-out hook
// over NATS core pub/sub: plain best-effort publish, matching what
// dispatch.Publisher needs. Broadcast failures are logged, never retried
// or acked.
package fanout

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"turbodriver/internal/dispatch"
)

// wireEvent is the payload shipped across the NATS subject; Room travels
// explicitly since dispatch.Event.Room is excluded from its own JSON tag.
// ID tags each publish so a subscriber logging delivery can tell repeat
// redeliveries (NATS core gives no at-most-once guarantee) apart from
// distinct events.
type wireEvent struct {
	ID   string          `json:"id"`
	Room string          `json:"room"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const subjectPrefix = "turbodriver.events."

// Publisher forwards Event Bus publishes onto a NATS subject so sibling
// server processes can re-deliver them to their own local connections.
type Publisher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// Connect dials url with reconnect/disconnect handlers wired so a blip in
// the NATS connection never crashes the caller.
func Connect(url string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(url,
		nats.Name("turbodriver"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &Publisher{conn: conn, logger: logger}, nil
}

// Publish implements dispatch.Publisher.
func (p *Publisher) Publish(room string, event dispatch.Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	payload, err := json.Marshal(wireEvent{ID: uuid.NewString(), Room: room, Type: event.Type, Data: data})
	if err != nil {
		return fmt.Errorf("marshal wire event: %w", err)
	}
	return p.conn.Publish(subjectPrefix+room, payload)
}

// Subscribe listens for events published by sibling processes on room and
// re-delivers them through deliver — used by a future multi-process
// Session Gateway to fan events back out to locally-connected sinks.
func (p *Publisher) Subscribe(room string, deliver func(dispatch.Event)) (*nats.Subscription, error) {
	return p.conn.Subscribe(subjectPrefix+room, func(msg *nats.Msg) {
		var we wireEvent
		if err := json.Unmarshal(msg.Data, &we); err != nil {
			p.logger.Warn("malformed fanout event", zap.Error(err))
			return
		}
		deliver(dispatch.Event{Type: we.Type, Room: we.Room, Data: json.RawMessage(we.Data)})
	})
}

// Close drains and closes the underlying NATS connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Drain()
	}
}
