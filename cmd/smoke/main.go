// Command smoke runs the S1 happy-path scenario end to end over the
// Session Gateway's WebSocket endpoint and exits non-zero on any
// deviation: register rider and driver, create a request, place a bid,
// accept it, and confirm the request lands in ACCEPTED state.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func main() {
	wsBase := flag.String("ws", "ws://localhost:8080/ws", "Session Gateway WebSocket URL")
	flag.Parse()

	if err := run(*wsBase); err != nil {
		fmt.Fprintf(os.Stderr, "smoke test failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("smoke test passed: S1 happy path")
}

func run(wsBase string) error {
	riderConn, _, err := websocket.DefaultDialer.Dial(wsBase, nil)
	if err != nil {
		return fmt.Errorf("dial rider: %w", err)
	}
	defer riderConn.Close()

	driverConn, _, err := websocket.DefaultDialer.Dial(wsBase, nil)
	if err != nil {
		return fmt.Errorf("dial driver: %w", err)
	}
	defer driverConn.Close()

	send(riderConn, "user:register", map[string]any{})
	if _, err := waitFor(riderConn, "user:registered"); err != nil {
		return fmt.Errorf("rider registration: %w", err)
	}

	send(driverConn, "driver:register", map[string]any{
		"vehicles": []map[string]any{
			{"id": "VEH_SMOKE", "class": "Taxi", "comfort": 3, "price": 20, "active": true},
		},
		"location": map[string]float64{"latitude": 40.758, "longitude": -73.9855},
	})
	if _, err := waitFor(driverConn, "driver:registered"); err != nil {
		return fmt.Errorf("driver registration: %w", err)
	}

	send(driverConn, "driver:updateStatus", map[string]any{"status": "AVAILABLE"})
	if _, err := waitFor(driverConn, "driver:statusUpdated"); err != nil {
		return fmt.Errorf("driver status update: %w", err)
	}

	send(riderConn, "ride:newRequest", map[string]any{
		"rideType":       "Taxi",
		"pickupLocation": map[string]float64{"latitude": 40.758, "longitude": -73.9855},
		"destination":    map[string]float64{"latitude": 40.7489, "longitude": -73.968},
	})
	created, err := waitFor(riderConn, "ride:requestCreated")
	if err != nil {
		return fmt.Errorf("request creation: %w", err)
	}
	requestID, err := stringField(created, "id")
	if err != nil {
		return err
	}

	if _, err := waitFor(driverConn, "rideRequest:new"); err != nil {
		return fmt.Errorf("driver dispatch notification: %w", err)
	}

	send(driverConn, "ride:bidPlaced", map[string]any{
		"requestId":        requestID,
		"fareAmount":       18.5,
		"estimatedArrival": 4,
		"vehicleId":        "VEH_SMOKE",
	})
	bidMsg, err := waitFor(driverConn, "ride:bidUpdate")
	if err != nil {
		return fmt.Errorf("bid placement: %w", err)
	}
	bidID, err := stringField(bidMsg, "id")
	if err != nil {
		return err
	}

	if _, err := waitFor(riderConn, "ride:bidUpdate"); err != nil {
		return fmt.Errorf("rider bid notification: %w", err)
	}

	send(riderConn, "ride:bidAccepted", map[string]any{
		"requestId": requestID,
		"bidId":     bidID,
	})
	accepted, err := waitFor(riderConn, "ride:bidAccepted")
	if err != nil {
		return fmt.Errorf("bid acceptance: %w", err)
	}
	status, err := stringField(accepted, "status")
	if err != nil {
		return err
	}
	if status != "ACCEPTED" {
		return fmt.Errorf("expected request status ACCEPTED, got %q", status)
	}

	return nil
}

func send(conn *websocket.Conn, msgType string, data any) {
	payload, _ := json.Marshal(data)
	_ = conn.WriteJSON(message{Type: msgType, Data: payload})
}

func waitFor(conn *websocket.Conn, msgType string) (message, error) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return message{}, err
		}
		if msg.Type == msgType {
			return msg, nil
		}
		if msg.Type == "error" {
			return message{}, fmt.Errorf("server error: %s", string(msg.Data))
		}
		log.Printf("ignoring unexpected message %q while waiting for %q", msg.Type, msgType)
	}
}

func stringField(msg message, field string) (string, error) {
	var obj map[string]any
	if err := json.Unmarshal(msg.Data, &obj); err != nil {
		return "", fmt.Errorf("malformed %s payload: %w", msg.Type, err)
	}
	val, _ := obj[field].(string)
	if val == "" {
		return "", fmt.Errorf("%s missing field %q in %s", msg.Type, field, string(msg.Data))
	}
	return val, nil
}
