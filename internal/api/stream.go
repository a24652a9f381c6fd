package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"fleetdispatch/internal/events"
)

const sseHeartbeat = 15 * time.Second

// DriverEventsStreamHandler streams a driver's events as server-sent events,
// with a heartbeat while the topic is quiet.
func (s *Server) DriverEventsStreamHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.requireDriver(w, r, id) {
		return
	}
	if _, err := s.svc.GetDriver(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	topic := events.DriverTopic(id)
	broker := s.svc.Broker()
	ch := broker.Subscribe(topic)
	defer broker.Unsubscribe(topic, ch)

	heartbeat := func() {
		fmt.Fprintf(w, "event: heartbeat\n")
		fmt.Fprintf(w, "data: {\"driverId\":%q,\"ts\":%q}\n\n", id, time.Now().UTC().Format(time.RFC3339))
		flusher.Flush()
	}
	heartbeat()
	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\n", evt.ID)
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		case <-ticker.C:
			heartbeat()
		}
	}
}
