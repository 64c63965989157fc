// Package gateway implements the Session Gateway: it terminates
// client WebSocket connections, translates wire messages into Engine calls,
// and delivers Event Bus events back out. Generalized from a single per-ride
// room into the full register/bid/accept/cancel wire protocol, with a
// ReadPump/WritePump split per connection.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"turbodriver/internal/apperr"
	"turbodriver/internal/dispatch"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	inboundBuffer  = 64
	outboundBuffer = 256
)

// Message is the wire envelope carried by every inbound/outbound frame.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Config holds the Session Gateway's timer knobs.
type Config struct {
	HeartbeatInterval time.Duration
	SessionIdle       time.Duration
}

// Gateway owns live connections and binds them to the Auction Engine and
// Identity Registry.
type Gateway struct {
	engine   *dispatch.Engine
	bus      *dispatch.EventBus
	registry *dispatch.Registry
	cfg      Config
	logger   *zap.Logger

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*connection
}

func New(engine *dispatch.Engine, bus *dispatch.EventBus, registry *dispatch.Registry, cfg Config, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.SessionIdle <= 0 {
		cfg.SessionIdle = 5 * time.Minute
	}
	return &Gateway{
		engine:   engine,
		bus:      bus,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		conns:    make(map[string]*connection),
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and runs its
// read/write pumps until it disconnects.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	connID := newConnID()
	c := &connection{
		id:      connID,
		ws:      wsConn,
		send:    make(chan []byte, outboundBuffer),
		inbound: make(chan []byte, inboundBuffer),
		gateway: g,
	}

	g.mu.Lock()
	g.conns[connID] = c
	g.mu.Unlock()

	go c.writePump()
	go c.dispatchLoop()
	c.readPump() // blocks until the connection closes

	g.mu.Lock()
	delete(g.conns, connID)
	g.mu.Unlock()
	g.registry.Unregister(connID)
	g.bus.UnsubscribeAll(connID)
}

// Deliver implements dispatch.Sink for a named connection id, looked up at
// publish time so the Event Bus never holds a direct *connection reference.
type sinkRef struct {
	gateway *Gateway
	connID  string
}

func (s sinkRef) Deliver(event dispatch.Event) error {
	s.gateway.mu.Lock()
	c, ok := s.gateway.conns[s.connID]
	s.gateway.mu.Unlock()
	if !ok {
		return nil
	}
	return c.enqueueOutbound(event)
}

func (g *Gateway) sinkFor(connID string) dispatch.Sink {
	return sinkRef{gateway: g, connID: connID}
}

// handleMessage routes one inbound frame to the matching Engine operation.
// Exactly one terminal response — a named success event or an error event —
// is sent back to the originating connection.
func (g *Gateway) handleMessage(ctx context.Context, c *connection, msg Message) {
	switch msg.Type {
	case "user:register":
		g.handleUserRegister(c, msg)
	case "driver:register":
		g.handleDriverRegister(c, msg)
	case "driver:updateStatus":
		g.handleDriverUpdateStatus(ctx, c, msg)
	case "driver:updateLocation":
		g.handleDriverUpdateLocation(ctx, c, msg)
	case "ride:newRequest":
		g.handleNewRequest(ctx, c, msg)
	case "ride:bidPlaced":
		g.handleBidPlaced(ctx, c, msg)
	case "ride:bidAccepted":
		g.handleBidAccepted(ctx, c, msg)
	case "ride:cancel":
		g.handleCancel(ctx, c, msg)
	case "heartbeat_response":
		g.registry.Touch(c.id)
	case "user:requestBidUpdate":
		g.handleRequestBidUpdate(ctx, c, msg)
	default:
		c.sendError(apperr.New(apperr.ValidationError, "unrecognised message type: "+msg.Type))
	}
}

func (g *Gateway) identity(c *connection) (string, dispatch.IdentityRole, bool) {
	return g.registry.IdentityOf(c.id)
}
