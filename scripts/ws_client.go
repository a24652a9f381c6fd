// Package main runs a demo WebSocket client for driver events against a
// dispatchd running in dev auth mode.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func call(base, method, path string, body any, out any) {
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, base+path, rd)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer admin")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		log.Fatalf("%s %s: %s", method, path, resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatal(err)
		}
	}
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)
	driverID := "demo-driver"

	call(base, http.MethodPut, "/v1/drivers/"+driverID, map[string]any{
		"status":            "available",
		"performanceScore":  4,
		"maxConcurrentJobs": 3,
		"currentLocation":   map[string]any{"lat": 40.0, "lng": -75.0, "timestamp": time.Now().UTC()},
	}, nil)

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.WriteJSON(wsMessage{Type: "connection_init", Payload: json.RawMessage(`{"authorization":"Bearer driver:` + driverID + `"}`)}); err != nil {
		log.Fatal(err)
	}
	pl, _ := json.Marshal(map[string]string{"topic": "driver:" + driverID})
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: pl}); err != nil {
		log.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
		}
	}()

	// Trigger driver events: create and assign a job, then report a ping.
	time.Sleep(500 * time.Millisecond)
	var job struct {
		ID string `json:"id"`
	}
	call(base, http.MethodPost, "/v1/jobs", map[string]any{
		"customerName":    "Demo",
		"deliveryAddress": "1 Demo St",
		"coordinates":     map[string]any{"lat": 40.01, "lng": -75.0},
	}, &job)
	log.Printf("Job ID: %s", job.ID)
	call(base, http.MethodPost, "/v1/jobs/"+job.ID+"/assign", map[string]any{"driverId": driverID}, nil)
	call(base, http.MethodPost, "/v1/pings", map[string]any{"driverId": driverID, "lat": 40.004, "lng": -75.0, "timestamp": time.Now().UTC(), "speed": 9}, nil)

	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
