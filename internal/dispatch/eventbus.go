package dispatch

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Event is a single fan-out message. Type names match the outbound
// wire vocabulary verbatim.
type Event struct {
	Type string      `json:"type"`
	Room string      `json:"-"`
	Data interface{} `json:"data"`
}

// Sink is anything that can receive events for a subscribed room — in
// practice one websocket connection, owned by the Session Gateway.
// Delivery is best-effort: a Sink reports failure (buffer full) but
// the Event Bus never blocks or fails the originating engine operation for it.
type Sink interface {
	Deliver(Event) error
}

// Publisher is the cross-server fan-out hook: publish a room event to
// an external pub/sub so other server processes can re-deliver it to their
// own local connections. internal/fanout.Publisher implements this.
type Publisher interface {
	Publish(room string, event Event) error
}

const GlobalRoom = "global"

func RiderRoom(riderID string) string     { return "rider:" + riderID }
func DriverRoom(driverID string) string   { return "driver:" + driverID }
func RequestRoom(requestID string) string { return "request:" + requestID }

// EventBus is the Event Bus: per-rider/per-driver/per-request/global
// rooms of subscribed Sinks, with an optional cross-server Publisher hook.
type EventBus struct {
	rooms     map[string]map[string]Sink
	mu        sync.RWMutex
	publisher Publisher
	logger    *zap.Logger
}

func NewEventBus(logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{rooms: make(map[string]map[string]Sink), logger: logger}
}

// SetPublisher installs the cross-server fan-out hook.
func (b *EventBus) SetPublisher(p Publisher) { b.publisher = p }

// Subscribe adds sink under sinkID to room.
func (b *EventBus) Subscribe(room, sinkID string, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rooms[room] == nil {
		b.rooms[room] = make(map[string]Sink)
	}
	b.rooms[room][sinkID] = sink
}

// Unsubscribe removes sinkID from room.
func (b *EventBus) Unsubscribe(room, sinkID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.rooms[room]; ok {
		delete(set, sinkID)
		if len(set) == 0 {
			delete(b.rooms, room)
		}
	}
}

// UnsubscribeAll removes sinkID from every room it belongs to, used when a
// connection closes.
func (b *EventBus) UnsubscribeAll(sinkID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for room, set := range b.rooms {
		delete(set, sinkID)
		if len(set) == 0 {
			delete(b.rooms, room)
		}
	}
}

// Publish delivers event to every sink subscribed to room and, if a
// Publisher is installed, forwards it across the cross-server hook.
// Delivery failures are logged, never surfaced to the caller.
func (b *EventBus) Publish(room string, event Event) {
	event.Room = room
	b.mu.RLock()
	sinks := make([]Sink, 0, len(b.rooms[room]))
	for _, s := range b.rooms[room] {
		sinks = append(sinks, s)
	}
	b.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Deliver(event); err != nil {
			b.logger.Warn("event delivery failed", zap.String("room", room), zap.String("type", event.Type), zap.Error(err))
		}
	}

	if b.publisher != nil {
		if err := b.publisher.Publish(room, event); err != nil {
			b.logger.Warn("cross-server publish failed", zap.String("room", room), zap.String("type", event.Type), zap.Error(err))
		}
	}
}

// RoomSize reports the number of live subscribers in room, useful for tests.
func (b *EventBus) RoomSize(room string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[room])
}

func (b *EventBus) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fmt.Sprintf("EventBus{rooms=%d}", len(b.rooms))
}
