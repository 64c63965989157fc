// Command heartbeat connects a simulated driver over the Session Gateway's
// WebSocket endpoint and streams periodic location updates.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

type message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func main() {
	wsBase := flag.String("ws", "ws://localhost:8080/ws", "Session Gateway WebSocket URL")
	driverID := flag.String("driver", "", "existing driver id (blank mints a new one)")
	lat := flag.Float64("lat", 40.758, "starting latitude")
	lon := flag.Float64("lon", -73.9855, "starting longitude")
	stepLat := flag.Float64("delta-lat", 0.0005, "latitude increment per tick")
	stepLon := flag.Float64("delta-lon", 0.0005, "longitude increment per tick")
	interval := flag.Duration("interval", 3*time.Second, "tick interval")
	count := flag.Int("count", 20, "number of location updates to send")
	flag.Parse()

	u, err := url.Parse(*wsBase)
	if err != nil {
		log.Fatalf("invalid ws url: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	send(conn, "driver:register", map[string]any{"id": *driverID})
	log.Println("registered, awaiting ack")
	waitFor(conn, "driver:registered")

	send(conn, "driver:updateStatus", map[string]any{"status": "AVAILABLE"})
	waitFor(conn, "driver:statusUpdated")

	for i := 0; i < *count; i++ {
		send(conn, "driver:updateLocation", map[string]any{
			"latitude":  *lat + float64(i)**stepLat,
			"longitude": *lon + float64(i)**stepLon,
		})
		log.Printf("location update %d/%d sent", i+1, *count)
		time.Sleep(*interval)
	}
}

func send(conn *websocket.Conn, msgType string, data any) {
	payload, _ := json.Marshal(data)
	_ = conn.WriteJSON(message{Type: msgType, Data: payload})
}

func waitFor(conn *websocket.Conn, msgType string) message {
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			log.Fatalf("read failed waiting for %s: %v", msgType, err)
		}
		if msg.Type == msgType || msg.Type == "error" {
			return msg
		}
	}
}
