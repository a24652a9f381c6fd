// Package dispatch is the service layer: it owns the dispatch components,
// serializes per-driver mutations and publishes what changed.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleetdispatch/internal/alert"
	"fleetdispatch/internal/assign"
	"fleetdispatch/internal/eta"
	"fleetdispatch/internal/events"
	"fleetdispatch/internal/geo"
	"fleetdispatch/internal/logging"
	"fleetdispatch/internal/metrics"
	"fleetdispatch/internal/model"
	"fleetdispatch/internal/registry"
	"fleetdispatch/internal/route"
	"fleetdispatch/internal/store"
)

// WebhookEmitter is satisfied by *webhooks.Publisher.
type WebhookEmitter interface {
	Emit(ctx context.Context, eventType string, data any)
}

type Deps struct {
	Store     store.Store
	Locker    registry.Locker
	Broker    events.Broker
	Webhooks  WebhookEmitter
	Durations route.DurationSource
	Assign    assign.Config
	Route     route.Config
	ETA       eta.Config
	Log       zerolog.Logger
}

type Service struct {
	store    store.Store
	reg      *registry.Registry
	zones    *geo.Index
	engine   *assign.Engine
	opt      *route.Optimizer
	coord    *route.Coordinator
	tracker  *eta.Tracker
	alerts   *alert.Escalator
	broker   events.Broker
	webhooks WebhookEmitter
	log      zerolog.Logger
	now      func() time.Time

	bg     context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed bool
	mu     sync.Mutex
}

// New wires the components and loads the zone index from the store.
func New(ctx context.Context, d Deps) (*Service, error) {
	if d.Broker == nil {
		d.Broker = events.NewMemoryBroker()
	}
	bg, stop := context.WithCancel(context.Background())
	s := &Service{
		store:    d.Store,
		reg:      registry.New(d.Store, d.Locker),
		zones:    geo.NewIndex(nil),
		opt:      route.NewOptimizer(d.Route, d.Durations),
		coord:    route.NewCoordinator(),
		tracker:  eta.NewTracker(d.ETA),
		broker:   d.Broker,
		webhooks: d.Webhooks,
		log:      logging.Component(d.Log, "dispatch"),
		now:      time.Now,
		bg:       bg,
		stop:     stop,
	}
	s.engine = assign.NewEngine(d.Assign, d.Store, s.reg, s.zones, s, logging.Component(d.Log, "assign"))
	s.alerts = alert.NewEscalator(d.Store, s.tracker, s.zones, s, logging.Component(d.Log, "alerts"))
	if err := s.RebuildZones(ctx); err != nil {
		stop()
		return nil, err
	}
	return s, nil
}

// Close stops background re-optimizations and waits for them to finish.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) Store() store.Store { return s.store }

func (s *Service) Zones() *geo.Index { return s.zones }

func (s *Service) Broker() events.Broker { return s.broker }

func (s *Service) Tracker() *eta.Tracker { return s.tracker }

// goBackground runs fn unless the service is closing.
func (s *Service) goBackground(fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.bg)
	}()
}

func (s *Service) publish(topic, typ string, data any) {
	s.broker.Publish(topic, events.New(topic, typ, data))
}

func (s *Service) emit(ctx context.Context, typ string, data any) {
	if s.webhooks != nil {
		s.webhooks.Emit(ctx, typ, data)
	}
}

// AlertRaised implements alert.Notifier.
func (s *Service) AlertRaised(ctx context.Context, a model.Alert) {
	metrics.AlertsRaised.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
	s.publish(events.AlertsTopic, events.AlertRaised, a)
	if a.EntityType == "driver" {
		s.publish(events.DriverTopic(a.EntityID), events.AlertRaised, a)
	}
	s.emit(ctx, events.AlertRaised, a)
}

// AlertUpdated implements alert.Notifier.
func (s *Service) AlertUpdated(ctx context.Context, a model.Alert) {
	s.publish(events.AlertsTopic, events.AlertUpdated, a)
}

func isNotFound(err error) bool { return errors.Is(err, model.ErrNotFound) }

func (s *Service) today() string { return store.Day(s.now()) }

func dayOf(t time.Time, now time.Time) string {
	if t.IsZero() {
		return store.Day(now)
	}
	return store.Day(t)
}

var _ alert.Notifier = (*Service)(nil)
var _ assign.RoutePlanner = (*Service)(nil)
