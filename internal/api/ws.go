package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fleetdispatch/internal/auth"
	"fleetdispatch/internal/events"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

const (
	wsReadTimeout = 60 * time.Second
	wsPingEvery   = 20 * time.Second
)

// wsMessage is the envelope in both directions. Client types:
// connection_init, subscribe, complete, ping. Server types: connection_ack,
// next, error, complete, pong, ping.
type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsInit struct {
	Authorization string `json:"authorization"`
}

type wsSubscribe struct {
	Topic string `json:"topic"`
}

// WSHandler multiplexes event topic subscriptions over one socket. Topics
// are "alerts" (dispatchers) and "driver:<id>" (dispatchers or that driver).
func (s *Server) WSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	var wmu sync.Mutex
	write := func(m wsMessage) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(m)
	}
	fail := func(id, msg string) {
		b, _ := json.Marshal(map[string]string{"message": msg})
		_ = write(wsMessage{Type: "error", ID: id, Payload: b})
		_ = write(wsMessage{Type: "complete", ID: id})
	}

	type sub struct {
		topic string
		ch    chan events.Event
	}
	subs := map[string]sub{}
	broker := s.svc.Broker()
	done := make(chan struct{})
	defer func() {
		close(done)
		for id, sb := range subs {
			broker.Unsubscribe(sb.topic, sb.ch)
			delete(subs, id)
		}
	}()

	conn.SetReadLimit(maxBody)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsReadTimeout)) })

	var principal *auth.Principal
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		switch msg.Type {
		case "connection_init":
			var in wsInit
			_ = json.Unmarshal(msg.Payload, &in)
			p, err := s.wsPrincipal(r, in.Authorization)
			if err != nil {
				fail("", "unauthorized")
				return
			}
			principal = &p
			_ = write(wsMessage{Type: "connection_ack"})
			go func() {
				ticker := time.NewTicker(wsPingEvery)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						if err := write(wsMessage{Type: "ping"}); err != nil {
							return
						}
					}
				}
			}()
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "subscribe":
			if principal == nil {
				fail(msg.ID, "connection_init required")
				continue
			}
			if msg.ID == "" {
				fail("", "subscription id required")
				continue
			}
			if _, dup := subs[msg.ID]; dup {
				fail(msg.ID, "subscription id already in use")
				continue
			}
			var pl wsSubscribe
			_ = json.Unmarshal(msg.Payload, &pl)
			if !topicAllowed(*principal, pl.Topic) {
				fail(msg.ID, "forbidden")
				continue
			}
			ch := broker.Subscribe(pl.Topic)
			subs[msg.ID] = sub{topic: pl.Topic, ch: ch}
			go func(id string, c chan events.Event) {
				for evt := range c {
					payload, err := json.Marshal(evt)
					if err != nil {
						continue
					}
					if err := write(wsMessage{Type: "next", ID: id, Payload: payload}); err != nil {
						return
					}
				}
				_ = write(wsMessage{Type: "complete", ID: id})
			}(msg.ID, ch)
		case "complete":
			if sb, ok := subs[msg.ID]; ok {
				broker.Unsubscribe(sb.topic, sb.ch)
				delete(subs, msg.ID)
			}
		}
	}
}

// wsPrincipal prefers a token from connection_init, since browsers cannot set
// headers on the upgrade request.
func (s *Server) wsPrincipal(r *http.Request, authz string) (auth.Principal, error) {
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return s.auth.Verify(strings.TrimSpace(authz[len("Bearer "):]))
	}
	return s.getPrincipal(r)
}

func topicAllowed(p auth.Principal, topic string) bool {
	if topic == events.AlertsTopic {
		return p.CanDispatch()
	}
	if id, ok := strings.CutPrefix(topic, "driver:"); ok && id != "" {
		return p.CanActAs(id)
	}
	return false
}
