package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"turbodriver/internal/apperr"
	"turbodriver/internal/dispatch"
)

// connection is one live WebSocket session.
type connection struct {
	id      string
	ws      *websocket.Conn
	send    chan []byte // outbound frames, bounded
	inbound chan []byte // raw frames awaiting processing, bounded
	gateway *Gateway
}

func newConnID() string {
	return "conn_" + uuid.NewString()
}

// readPump reads frames off the socket and enqueues them for processing.
// When the inbound queue is full the connection is closed with SLOW_CONSUMER.
func (c *connection) readPump() {
	defer func() {
		close(c.inbound)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.gateway.cfg.SessionIdle))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.gateway.cfg.SessionIdle))
		c.gateway.registry.Touch(c.id)
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		select {
		case c.inbound <- raw:
		default:
			c.sendError(apperr.SlowConsumerErr())
			return
		}
	}
}

// dispatchLoop drains inbound and hands each frame to the Gateway's router,
// decoupling socket reads from potentially slower engine operations.
func (c *connection) dispatchLoop() {
	for raw := range c.inbound {
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError(apperr.New(apperr.ValidationError, "malformed message envelope"))
			continue
		}
		c.gateway.handleMessage(context.Background(), c, msg)
	}
}

// writePump drains the outbound queue to the socket and emits periodic
// heartbeats/pings.
func (c *connection) writePump() {
	ticker := time.NewTicker(c.gateway.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.writeJSON(Message{Type: "heartbeat"}); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueueOutbound implements the non-blocking send half of dispatch.Sink:
// when the outbound buffer is full the event is dropped and SLOW_CONSUMER is
// returned to the Event Bus, which logs it. The connection itself is neither
// flagged nor closed here, and no scheduler sweep reaps it.
func (c *connection) enqueueOutbound(event dispatch.Event) error {
	data, err := json.Marshal(Message{Type: event.Type, Data: mustMarshal(event.Data)})
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		return apperr.SlowConsumerErr()
	}
}

func (c *connection) writeJSON(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *connection) sendSuccess(msgType string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		c.gateway.logger.Error("marshal outbound payload failed", zap.String("type", msgType), zap.Error(err))
		return
	}
	select {
	case c.send <- mustMarshalMessage(msgType, payload):
	default:
		c.gateway.logger.Warn("outbound buffer full, dropping frame", zap.String("conn", c.id), zap.String("type", msgType))
	}
}

func (c *connection) sendError(err error) {
	var ae *apperr.Error
	if !apperr.As(err, &ae) {
		ae = apperr.Internal(err)
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"message": ae.Message,
		"code":    ae.Code,
		"details": ae.Details,
	})
	select {
	case c.send <- mustMarshalMessage("error", payload):
	default:
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

func mustMarshalMessage(msgType string, data json.RawMessage) []byte {
	out, err := json.Marshal(Message{Type: msgType, Data: data})
	if err != nil {
		return []byte(`{"type":"error","data":{"code":"INTERNAL_ERROR"}}`)
	}
	return out
}
