// Package events fans dispatch events out to live subscribers, in process or
// across instances over Redis pub/sub.
package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobAssigned    = "job.assigned"
	JobStatus      = "job.status"
	RouteOptimized = "route.optimized"
	ETAUpdated     = "eta.updated"
	AlertRaised    = "alert.raised"
	AlertUpdated   = "alert.updated"
)

// AlertsTopic carries every alert event.
const AlertsTopic = "alerts"

// DriverTopic carries events about one driver's jobs and route.
func DriverTopic(driverID string) string { return "driver:" + driverID }

type Event struct {
	ID    string    `json:"id"`
	Type  string    `json:"type"`
	Topic string    `json:"topic"`
	At    time.Time `json:"ts"`
	Data  any       `json:"data"`
}

func New(topic, typ string, data any) Event {
	return Event{ID: "evt_" + uuid.NewString(), Type: typ, Topic: topic, At: time.Now().UTC(), Data: data}
}

// Broker delivers events to subscribers of a topic. Publish never blocks on
// slow subscribers; their events are dropped.
type Broker interface {
	Subscribe(topic string) chan Event
	Unsubscribe(topic string, ch chan Event)
	Publish(topic string, evt Event)
}
