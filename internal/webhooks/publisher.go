package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleetdispatch/internal/model"
	"fleetdispatch/internal/store"
)

// Subscription is a configured webhook receiver. An empty Events list
// receives every event type.
type Subscription struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

func (s Subscription) wants(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

type Config struct {
	Subscriptions []Subscription `json:"subscriptions"`
	MaxAttempts   int            `json:"max_attempts"`
	PollInterval  time.Duration  `json:"poll_interval"`
	Timeout       time.Duration  `json:"timeout"`
	BatchSize     int            `json:"batch_size"`
}

func (c *Config) SetDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	for i := range c.Subscriptions {
		if c.Subscriptions[i].ID == "" {
			c.Subscriptions[i].ID = fmt.Sprintf("sub-%d", i+1)
		}
	}
}

func (c Config) Validate() error {
	for _, s := range c.Subscriptions {
		u, err := url.Parse(s.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhooks.subscriptions[%s].url %q: %w", s.ID, s.URL, model.ErrInvalidInput)
		}
	}
	return nil
}

type Publisher struct {
	Store store.Store
	subs  []Subscription
	log   zerolog.Logger
}

func NewPublisher(s store.Store, subs []Subscription, log zerolog.Logger) *Publisher {
	return &Publisher{Store: s, subs: subs, log: log}
}

// Emit enqueues an event for every subscription that wants its type.
func (p *Publisher) Emit(ctx context.Context, eventType string, data any) {
	if len(p.subs) == 0 {
		return
	}
	payload := map[string]any{
		"id":   "evt_" + uuid.NewString(),
		"type": eventType,
		"ts":   time.Now().UTC().Format(time.RFC3339),
		"data": data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("encode webhook payload")
		return
	}
	for _, s := range p.subs {
		if !s.wants(eventType) {
			continue
		}
		if _, err := p.Store.EnqueueWebhook(ctx, s.ID, eventType, s.URL, s.Secret, body); err != nil {
			p.log.Warn().Err(err).Str("subscription_id", s.ID).Str("event_type", eventType).Msg("enqueue webhook")
		}
	}
}
