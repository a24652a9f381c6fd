// Package eta turns driver location pings into per-stop arrival estimates
// and flags drift large enough to warrant re-optimizing the route.
package eta

import (
	"fmt"
	"math"
	"sync"
	"time"

	"fleetdispatch/internal/geo"
	"fleetdispatch/internal/model"
)

type Config struct {
	FreshnessWindow time.Duration `json:"freshness_window"`
	StaleAfter      time.Duration `json:"stale_after"`
	EMASamples      int           `json:"ema_samples"`
	DriftPercent    float64       `json:"drift_percent"`
	DriftAbsolute   time.Duration `json:"drift_absolute"`
	ArrivingRadiusM float64       `json:"arriving_radius_m"`
	ArrivedRadiusM  float64       `json:"arrived_radius_m"`
	DefaultSpeedKmh float64       `json:"default_speed_kmh"`
	MinSpeedMps     float64       `json:"min_speed_mps"`
}

func (c *Config) SetDefaults() {
	if c.FreshnessWindow <= 0 {
		c.FreshnessWindow = 2 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.EMASamples <= 0 {
		c.EMASamples = 5
	}
	if c.DriftPercent <= 0 {
		c.DriftPercent = 0.15
	}
	if c.DriftAbsolute <= 0 {
		c.DriftAbsolute = 10 * time.Minute
	}
	if c.ArrivingRadiusM <= 0 {
		c.ArrivingRadiusM = 500
	}
	if c.ArrivedRadiusM <= 0 {
		c.ArrivedRadiusM = 50
	}
	if c.DefaultSpeedKmh <= 0 {
		c.DefaultSpeedKmh = 30
	}
	if c.MinSpeedMps <= 0 {
		c.MinSpeedMps = 1
	}
}

func (c Config) Validate() error {
	if c.StaleAfter < c.FreshnessWindow {
		return fmt.Errorf("eta.stale_after (%s) must be >= eta.freshness_window (%s): %w", c.StaleAfter, c.FreshnessWindow, model.ErrInvalidInput)
	}
	if c.ArrivedRadiusM > c.ArrivingRadiusM {
		return fmt.Errorf("eta.arrived_radius_m must be <= eta.arriving_radius_m: %w", model.ErrInvalidInput)
	}
	return nil
}

// Drift describes a target stop whose live ETA moved past the threshold
// since it was last published.
type Drift struct {
	DriverID  string        `json:"driverId"`
	JobID     string        `json:"jobId"`
	StopKey   string        `json:"stopKey"`
	Published time.Time     `json:"published"`
	Current   time.Time     `json:"current"`
	By        time.Duration `json:"by"`
	At        time.Time     `json:"at"`
}

// Update is the outcome of one accepted ping.
type Update struct {
	DriverID        string         `json:"driverId"`
	Location        model.Location `json:"location"`
	SpeedMps        float64        `json:"speedMps"`
	Target          *model.Stop    `json:"target,omitempty"`
	RemainingMeters float64        `json:"remainingMeters"`
	ETA             *time.Time     `json:"eta,omitempty"`
	Arrived         []string       `json:"arrived,omitempty"`
	Drift           *Drift         `json:"drift,omitempty"`
}

type published struct {
	key string
	eta time.Time
	at  time.Time
}

type driverState struct {
	last    model.Ping
	speed   float64
	samples int
	pub     *published
	drift   *Drift
}

// Tracker keeps per-driver smoothing state. mu guards the map and every
// driverState field; Observe still runs under the driver's lock so the route
// it rewrites is not shared.
type Tracker struct {
	cfg     Config
	mu      sync.Mutex
	drivers map[string]*driverState
	now     func() time.Time
}

func NewTracker(cfg Config) *Tracker {
	cfg.SetDefaults()
	return &Tracker{cfg: cfg, drivers: map[string]*driverState{}, now: time.Now}
}

func (t *Tracker) Config() Config { return t.cfg }

// stateLocked returns the state for id, creating it. Callers hold t.mu.
func (t *Tracker) stateLocked(id string) *driverState {
	st, ok := t.drivers[id]
	if !ok {
		st = &driverState{}
		t.drivers[id] = st
	}
	return st
}

// Check validates p against the freshness window and the driver's last
// accepted ping without changing any state.
func (t *Tracker) Check(p model.Ping) error {
	if p.DriverID == "" || math.Abs(p.Lat) > 90 || math.Abs(p.Lng) > 180 {
		return fmt.Errorf("ping: %w", model.ErrInvalidInput)
	}
	if p.Speed != nil && *p.Speed < 0 {
		return fmt.Errorf("ping speed %v: %w", *p.Speed, model.ErrInvalidInput)
	}
	now := t.now()
	if p.Timestamp.IsZero() || now.Sub(p.Timestamp) > t.cfg.FreshnessWindow {
		return fmt.Errorf("ping from %s at %s: %w", p.DriverID, p.Timestamp.Format(time.RFC3339), model.ErrStaleLocation)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkOrderLocked(p)
}

func (t *Tracker) checkOrderLocked(p model.Ping) error {
	st, ok := t.drivers[p.DriverID]
	if ok && !st.last.Timestamp.IsZero() && !p.Timestamp.After(st.last.Timestamp) {
		return fmt.Errorf("ping from %s not newer than %s: %w", p.DriverID, st.last.Timestamp.Format(time.RFC3339), model.ErrStaleLocation)
	}
	return nil
}

// Observe applies an accepted ping to route, advancing stop states and
// rewriting ETAs for the open stops in place. route may be nil when the
// driver has nothing scheduled.
func (t *Tracker) Observe(p model.Ping, route *model.Route) (Update, error) {
	if err := t.Check(p); err != nil {
		return Update{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	// a concurrent Observe may have advanced the driver since Check
	if err := t.checkOrderLocked(p); err != nil {
		return Update{}, err
	}
	st := t.stateLocked(p.DriverID)
	pos := model.LatLng{Lat: p.Lat, Lng: p.Lng}

	sample := -1.0
	switch {
	case p.Speed != nil:
		sample = *p.Speed
	case !st.last.Timestamp.IsZero():
		dt := p.Timestamp.Sub(st.last.Timestamp).Seconds()
		sample = geo.HaversineMeters(model.LatLng{Lat: st.last.Lat, Lng: st.last.Lng}, pos) / dt
	}
	if sample >= 0 {
		if st.samples == 0 {
			st.speed = sample
		} else {
			alpha := 2 / (float64(t.cfg.EMASamples) + 1)
			st.speed = alpha*sample + (1-alpha)*st.speed
		}
		st.samples++
	}
	st.last = p

	up := Update{DriverID: p.DriverID, Location: model.Location{Lat: p.Lat, Lng: p.Lng, At: p.Timestamp}, SpeedMps: st.speed}
	if route == nil {
		return up, nil
	}

	idx := t.advance(route, pos, p.Timestamp, &up)
	if idx < 0 {
		st.pub = nil
		return up, nil
	}
	target := &route.Stops[idx]
	up.RemainingMeters = geo.HaversineMeters(pos, *target.Location)
	speed := t.etaSpeed(st)
	eta := p.Timestamp.Add(time.Duration(up.RemainingMeters / speed * float64(time.Second))).UTC()
	target.EstimatedArrival = &eta
	target.ETAStale = false
	up.ETA = &eta

	// cascade to the stops after the target
	cur, prev := eta, *target.Location
	cur = cur.Add(time.Duration(target.TimeAtStop) * time.Minute)
	for i := idx + 1; i < len(route.Stops); i++ {
		s := &route.Stops[i]
		if s.State == model.StopArrived || s.Location == nil {
			continue
		}
		cur = cur.Add(time.Duration(geo.HaversineMeters(prev, *s.Location) / speed * float64(time.Second)))
		e := cur.UTC()
		s.EstimatedArrival = &e
		s.ETAStale = false
		cur = cur.Add(time.Duration(s.TimeAtStop) * time.Minute)
		prev = *s.Location
	}
	cp := *target
	up.Target = &cp

	key := target.Key()
	if st.pub == nil || st.pub.key != key {
		st.pub = &published{key: key, eta: eta, at: p.Timestamp}
		st.drift = nil
		return up, nil
	}
	if d, ok := t.drifted(st.pub, eta); ok {
		st.drift = &Drift{DriverID: p.DriverID, JobID: target.JobID, StopKey: key, Published: st.pub.eta, Current: eta, By: d, At: p.Timestamp}
		d := *st.drift
		up.Drift = &d
		st.pub = &published{key: key, eta: eta, at: p.Timestamp}
	}
	return up, nil
}

// advance walks the open stops from the front, marking those within the
// arrival radius as arrived, and returns the index of the new target.
func (t *Tracker) advance(route *model.Route, pos model.LatLng, at time.Time, up *Update) int {
	for i := range route.Stops {
		s := &route.Stops[i]
		if s.State == model.StopArrived || s.Location == nil {
			continue
		}
		d := geo.HaversineMeters(pos, *s.Location)
		switch {
		case d <= t.cfg.ArrivedRadiusM:
			s.State = model.StopArrived
			a := at.UTC()
			s.ActualArrival = &a
			s.ETAStale = false
			up.Arrived = append(up.Arrived, s.Key())
			continue
		case d <= t.cfg.ArrivingRadiusM:
			s.State = model.StopArriving
		default:
			s.State = model.StopEnRoute
		}
		return i
	}
	return -1
}

func (t *Tracker) etaSpeed(st *driverState) float64 {
	if st.samples == 0 {
		return t.cfg.DefaultSpeedKmh / 3.6
	}
	return math.Max(st.speed, t.cfg.MinSpeedMps)
}

func (t *Tracker) drifted(pub *published, eta time.Time) (time.Duration, bool) {
	diff := eta.Sub(pub.eta)
	abs := diff
	if abs < 0 {
		abs = -abs
	}
	if abs > t.cfg.DriftAbsolute {
		return diff, true
	}
	base := pub.eta.Sub(pub.at)
	if base < time.Minute {
		base = time.Minute
	}
	return diff, float64(abs)/float64(base) > t.cfg.DriftPercent
}

// LastPing returns the most recent accepted ping for a driver.
func (t *Tracker) LastPing(driverID string) (model.Ping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.drivers[driverID]
	if !ok || st.last.Timestamp.IsZero() {
		return model.Ping{}, false
	}
	return st.last, true
}

// Drifts returns the standing drift per driver. An entry clears once the
// driver moves on to another target stop.
func (t *Tracker) Drifts() []Drift {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Drift
	for _, st := range t.drivers {
		if st.drift != nil {
			out = append(out, *st.drift)
		}
	}
	return out
}

// IsStale reports whether driverID has gone quiet longer than StaleAfter.
// Drivers never seen by the tracker are judged by since.
func (t *Tracker) IsStale(driverID string, since time.Time) bool {
	last := since
	if p, ok := t.LastPing(driverID); ok {
		last = p.Timestamp
	}
	return !last.IsZero() && t.now().Sub(last) > t.cfg.StaleAfter
}

// MarkStale flags every open stop with an estimate as stale. It reports
// whether anything changed.
func MarkStale(route *model.Route) bool {
	changed := false
	for i := range route.Stops {
		s := &route.Stops[i]
		if s.State == model.StopArrived || s.EstimatedArrival == nil || s.ETAStale {
			continue
		}
		s.ETAStale = true
		changed = true
	}
	return changed
}

// Forget drops all state for a driver.
func (t *Tracker) Forget(driverID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.drivers, driverID)
}
