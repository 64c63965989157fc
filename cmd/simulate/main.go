// Command simulate drives a single rider and a single driver through the
// auction flow over the Session Gateway's WebSocket endpoint: the rider
// creates a ride request, the driver bids on it, and the rider accepts.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

type message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func main() {
	wsBase := flag.String("ws", "ws://localhost:8080/ws", "Session Gateway WebSocket URL")
	fareAmount := flag.Float64("fare", 18.50, "fare offered by the simulated driver")
	eta := flag.Int("eta", 4, "estimated arrival in minutes")
	flag.Parse()

	riderConn := dial(*wsBase)
	defer riderConn.Close()
	driverConn := dial(*wsBase)
	defer driverConn.Close()

	send(riderConn, "user:register", map[string]any{})
	riderID := stringField(waitFor(riderConn, "user:registered"), "id")
	log.Printf("rider registered: %s", riderID)

	send(driverConn, "driver:register", map[string]any{
		"vehicles": []map[string]any{
			{"id": "VEH_SIM01", "class": "Taxi", "comfort": 3, "price": 20, "active": true},
		},
		"location": map[string]float64{"latitude": 40.758, "longitude": -73.9855},
	})
	driverID := stringField(waitFor(driverConn, "driver:registered"), "id")
	log.Printf("driver registered: %s", driverID)

	send(driverConn, "driver:updateStatus", map[string]any{"status": "AVAILABLE"})
	waitFor(driverConn, "driver:statusUpdated")

	send(riderConn, "ride:newRequest", map[string]any{
		"rideType":       "Taxi",
		"pickupLocation": map[string]float64{"latitude": 40.758, "longitude": -73.9855},
		"destination":    map[string]float64{"latitude": 40.7489, "longitude": -73.968},
	})
	created := waitFor(riderConn, "ride:requestCreated")
	requestID := stringField(created, "id")
	log.Printf("request created: %s", requestID)

	dispatched := waitFor(driverConn, "rideRequest:new")
	log.Printf("driver notified of request: %s", string(dispatched.Data))

	send(driverConn, "ride:bidPlaced", map[string]any{
		"requestId":        requestID,
		"fareAmount":       *fareAmount,
		"estimatedArrival": *eta,
		"vehicleId":        "VEH_SIM01",
	})
	bid := waitFor(driverConn, "ride:bidUpdate")
	bidID := stringField(bid, "id")
	log.Printf("bid placed: %s (fare=%.2f)", bidID, *fareAmount)

	waitFor(riderConn, "ride:bidUpdate")

	send(riderConn, "ride:bidAccepted", map[string]any{
		"requestId": requestID,
		"bidId":     bidID,
	})
	accepted := waitFor(riderConn, "ride:bidAccepted")
	log.Printf("bid accepted, request now: %s", string(accepted.Data))
}

func dial(wsBase string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(wsBase, nil)
	if err != nil {
		log.Fatalf("dial failed: %v", err)
	}
	return conn
}

func send(conn *websocket.Conn, msgType string, data any) {
	payload, _ := json.Marshal(data)
	_ = conn.WriteJSON(message{Type: msgType, Data: payload})
}

func waitFor(conn *websocket.Conn, msgType string) message {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			log.Fatalf("read failed waiting for %s: %v", msgType, err)
		}
		if msg.Type == msgType {
			return msg
		}
		if msg.Type == "error" {
			log.Fatalf("server error while waiting for %s: %s", msgType, string(msg.Data))
		}
	}
}

func stringField(msg message, field string) string {
	var obj map[string]any
	if err := json.Unmarshal(msg.Data, &obj); err != nil {
		log.Fatalf("malformed %s payload: %v", msg.Type, err)
	}
	val, _ := obj[field].(string)
	if val == "" {
		log.Fatalf("%s missing field %q in %s", msg.Type, field, string(msg.Data))
	}
	return val
}
