package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetdispatch/internal/model"
)

// Memory is an in-memory store used when no database_url is configured.
type Memory struct {
	mu          sync.Mutex
	drivers     map[string]model.Driver
	vehicles    map[string]model.Vehicle
	zones       map[string]model.Zone
	jobs        map[string]model.Job
	jobOrder    []string          // insertion order, used as cursor
	tokens      map[string]string // tracking token -> job id
	assignments map[string][]model.Assignment
	routes      map[string]model.Route // driverId|day -> route
	alerts      map[string]model.Alert
	alertOrder  []string
	openAlerts  map[string]string // type|entityId -> alert id
	deliveries  map[string]*WebhookDelivery
	delivOrder  []string
	now         func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		drivers:     map[string]model.Driver{},
		vehicles:    map[string]model.Vehicle{},
		zones:       map[string]model.Zone{},
		jobs:        map[string]model.Job{},
		tokens:      map[string]string{},
		assignments: map[string][]model.Assignment{},
		routes:      map[string]model.Route{},
		alerts:      map[string]model.Alert{},
		openAlerts:  map[string]string{},
		deliveries:  map[string]*WebhookDelivery{},
		now:         time.Now,
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

// Drivers

func (m *Memory) UpsertDriver(ctx context.Context, d model.Driver) (model.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if prev, ok := m.drivers[d.ID]; ok && d.CurrentLocation == nil {
		d.CurrentLocation = prev.CurrentLocation
	}
	d.UpdatedAt = m.now().UTC()
	m.drivers[d.ID] = d
	return d, nil
}

func (m *Memory) GetDriver(ctx context.Context, id string) (model.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return model.Driver{}, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	return d, nil
}

func (m *Memory) ListDrivers(ctx context.Context, f DriverFilter) ([]model.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids map[string]bool
	if len(f.IDs) > 0 {
		ids = make(map[string]bool, len(f.IDs))
		for _, id := range f.IDs {
			ids[id] = true
		}
	}
	out := []model.Driver{}
	for _, d := range m.drivers {
		if d.Retired && !f.IncludeRetired {
			continue
		}
		if ids != nil && !ids[d.ID] {
			continue
		}
		if !statusIn(d.Status, f.Statuses) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetDriverStatus(ctx context.Context, id string, status model.DriverStatus) (model.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return model.Driver{}, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	d.Status = status
	d.UpdatedAt = m.now().UTC()
	m.drivers[id] = d
	return d, nil
}

func (m *Memory) SetDriverLocation(ctx context.Context, id string, loc model.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	d.CurrentLocation = &loc
	m.drivers[id] = d
	return nil
}

func (m *Memory) SetDriverShiftEnd(ctx context.Context, id string, at *time.Time) (model.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return model.Driver{}, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	d.ShiftEndedAt = at
	d.UpdatedAt = m.now().UTC()
	m.drivers[id] = d
	return d, nil
}

// Vehicles

func (m *Memory) UpsertVehicle(ctx context.Context, v model.Vehicle) (model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	m.vehicles[v.ID] = v
	return v, nil
}

func (m *Memory) GetVehicle(ctx context.Context, id string) (model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return model.Vehicle{}, fmt.Errorf("vehicle %s: %w", id, ErrNotFound)
	}
	return v, nil
}

func (m *Memory) ListVehicles(ctx context.Context) ([]model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Vehicle, 0, len(m.vehicles))
	for _, v := range m.vehicles {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) VehicleForDriver(ctx context.Context, driverID string) (model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *model.Vehicle
	for _, v := range m.vehicles {
		if v.OwnerDriverID == driverID && (found == nil || v.ID < found.ID) {
			v := v
			found = &v
		}
	}
	if found == nil {
		return model.Vehicle{}, fmt.Errorf("vehicle for driver %s: %w", driverID, ErrNotFound)
	}
	return *found, nil
}

// Zones

func (m *Memory) UpsertZone(ctx context.Context, z model.Zone) (model.Zone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if z.ID == "" {
		z.ID = uuid.New().String()
	}
	z.Polygon = append([]model.LatLng(nil), z.Polygon...)
	z.AssignedDrivers = append([]string(nil), z.AssignedDrivers...)
	m.zones[z.ID] = z
	return z, nil
}

func (m *Memory) GetZone(ctx context.Context, id string) (model.Zone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zones[id]
	if !ok {
		return model.Zone{}, fmt.Errorf("zone %s: %w", id, ErrNotFound)
	}
	return z, nil
}

func (m *Memory) ListZones(ctx context.Context) ([]model.Zone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Zone, 0, len(m.zones))
	for _, z := range m.zones {
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteZone(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.zones[id]; !ok {
		return fmt.Errorf("zone %s: %w", id, ErrNotFound)
	}
	delete(m.zones, id)
	return nil
}

// Jobs

func (m *Memory) CreateJob(ctx context.Context, j model.Job) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if _, ok := m.jobs[j.ID]; ok {
		return model.Job{}, fmt.Errorf("job %s exists: %w", j.ID, model.ErrVersionConflict)
	}
	now := m.now().UTC()
	j.Version = 1
	j.CreatedAt, j.UpdatedAt = now, now
	m.jobs[j.ID] = j
	m.jobOrder = append(m.jobOrder, j.ID)
	if j.TrackingToken != "" {
		m.tokens[j.TrackingToken] = j.ID
	}
	return j, nil
}

func (m *Memory) GetJob(ctx context.Context, id string) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return model.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j, nil
}

func (m *Memory) GetJobByToken(ctx context.Context, token string) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.tokens[token]
	if !ok || token == "" {
		return model.Job{}, fmt.Errorf("tracking token: %w", ErrNotFound)
	}
	return m.jobs[id], nil
}

func (m *Memory) ListJobs(ctx context.Context, f JobFilter) ([]model.Job, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if f.Cursor != "" {
		for i, id := range m.jobOrder {
			if id == f.Cursor {
				start = i + 1
				break
			}
		}
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	out := []model.Job{}
	var next string
	for i := start; i < len(m.jobOrder) && len(out) < limit; i++ {
		j := m.jobs[m.jobOrder[i]]
		next = j.ID
		if !statusIn(j.Status, f.Statuses) || (f.DriverID != "" && j.DriverID != f.DriverID) {
			continue
		}
		out = append(out, j)
	}
	if len(out) < limit {
		next = ""
	}
	return out, next, nil
}

func (m *Memory) UpdateJob(ctx context.Context, j model.Job, expectedVersion int) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateJobLocked(j, expectedVersion)
}

func (m *Memory) AssignJob(ctx context.Context, j model.Job, expectedVersion int, a model.Assignment) (model.Job, model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved, err := m.updateJobLocked(j, expectedVersion)
	if err != nil {
		return saved, model.Assignment{}, err
	}
	if a.Supersedes == "" {
		if prior := m.assignments[a.JobID]; len(prior) > 0 {
			a.Supersedes = prior[len(prior)-1].ID
		}
	}
	return saved, m.insertAssignmentLocked(a), nil
}

func (m *Memory) updateJobLocked(j model.Job, expectedVersion int) (model.Job, error) {
	if err := checkJobDriver(j); err != nil {
		return model.Job{}, err
	}
	cur, ok := m.jobs[j.ID]
	if !ok {
		return model.Job{}, fmt.Errorf("job %s: %w", j.ID, ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return cur, fmt.Errorf("job %s at version %d, expected %d: %w", j.ID, cur.Version, expectedVersion, model.ErrVersionConflict)
	}
	j.Version = expectedVersion + 1
	j.CreatedAt = cur.CreatedAt
	j.TrackingToken = cur.TrackingToken
	j.UpdatedAt = m.now().UTC()
	m.jobs[j.ID] = j
	return j, nil
}

func (m *Memory) CountActiveJobs(ctx context.Context, driverID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.DriverID == driverID && (j.Status == model.JobAssigned || j.Status == model.JobInProgress) {
			n++
		}
	}
	return n, nil
}

// Assignments

func (m *Memory) InsertAssignment(ctx context.Context, a model.Assignment) (model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertAssignmentLocked(a), nil
}

func (m *Memory) insertAssignmentLocked(a model.Assignment) model.Assignment {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	m.assignments[a.JobID] = append(m.assignments[a.JobID], a)
	return a
}

func (m *Memory) ListAssignments(ctx context.Context, jobID string) ([]model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Assignment{}, m.assignments[jobID]...), nil
}

// Routes

func routeKey(driverID, day string) string { return driverID + "|" + day }

func cloneRoute(r model.Route) model.Route {
	r.Stops = append([]model.Stop(nil), r.Stops...)
	return r
}

func (m *Memory) GetRoute(ctx context.Context, driverID, day string) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[routeKey(driverID, day)]
	if !ok {
		return model.Route{}, fmt.Errorf("route %s/%s: %w", driverID, day, ErrNotFound)
	}
	return cloneRoute(r), nil
}

func (m *Memory) SaveRoute(ctx context.Context, r model.Route, expectedVersion int) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := routeKey(r.DriverID, r.Day)
	cur, ok := m.routes[k]
	curVersion := 0
	if ok {
		curVersion = cur.Version
	}
	if curVersion != expectedVersion {
		return model.Route{}, fmt.Errorf("route %s at version %d, expected %d: %w", k, curVersion, expectedVersion, model.ErrVersionConflict)
	}
	r = cloneRoute(r)
	r.Version = expectedVersion + 1
	m.routes[k] = r
	return cloneRoute(r), nil
}

func (m *Memory) ListRoutes(ctx context.Context, day string) ([]model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Route{}
	for _, r := range m.routes {
		if day == "" || r.Day == day {
			out = append(out, cloneRoute(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out, nil
}

// Alerts

func alertKey(t model.AlertType, entityID string) string { return string(t) + "|" + entityID }

func (m *Memory) RaiseAlert(ctx context.Context, a model.Alert) (model.Alert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := alertKey(a.Type, a.EntityID)
	if id, ok := m.openAlerts[k]; ok {
		return m.alerts[id], false, nil
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now().UTC()
	}
	a.IsRead, a.IsResolved, a.ResolvedAt = false, false, nil
	m.alerts[a.ID] = a
	m.alertOrder = append(m.alertOrder, a.ID)
	m.openAlerts[k] = a.ID
	return a, true, nil
}

func (m *Memory) GetAlert(ctx context.Context, id string) (model.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return model.Alert{}, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return a, nil
}

func (m *Memory) ListAlerts(ctx context.Context, f AlertFilter) ([]model.Alert, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// newest first
	start := len(m.alertOrder) - 1
	if f.Cursor != "" {
		for i, id := range m.alertOrder {
			if id == f.Cursor {
				start = i - 1
				break
			}
		}
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	out := []model.Alert{}
	var next string
	for i := start; i >= 0 && len(out) < limit; i-- {
		a := m.alerts[m.alertOrder[i]]
		next = a.ID
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		if f.OpenOnly && a.IsResolved {
			continue
		}
		out = append(out, a)
	}
	if len(out) < limit {
		next = ""
	}
	return out, next, nil
}

func (m *Memory) TransitionAlert(ctx context.Context, id string, from []model.AlertState, to model.AlertState, at time.Time) (model.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return model.Alert{}, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if !statusIn(a.State(), from) {
		return a, fmt.Errorf("alert %s %s -> %s: %w", id, a.State(), to, model.ErrInvalidTransition)
	}
	switch to {
	case model.AlertRead:
		a.IsRead = true
	case model.AlertResolved:
		a.IsResolved = true
		t := at.UTC()
		a.ResolvedAt = &t
		delete(m.openAlerts, alertKey(a.Type, a.EntityID))
	default:
		return a, fmt.Errorf("alert %s -> %s: %w", id, to, model.ErrInvalidTransition)
	}
	m.alerts[id] = a
	return a, nil
}

// Webhook deliveries

func (m *Memory) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	now := m.now().UTC()
	m.deliveries[id] = &WebhookDelivery{ID: id, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret,
		Payload: payload, Status: "pending", NextAttemptAt: now, CreatedAt: now}
	m.delivOrder = append(m.delivOrder, id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := []WebhookDelivery{}
	for _, id := range m.delivOrder {
		d := m.deliveries[id]
		if d.Status == "pending" && !d.NextAttemptAt.After(now) {
			out = append(out, *d)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	d.Attempts++
	d.LastError, d.ResponseCode, d.LatencyMs = lastError, responseCode, latencyMs
	if success {
		d.Status = "delivered"
		now := m.now().UTC()
		d.DeliveredAt = &now
		return nil
	}
	if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	d.Attempts++
	d.Status = "failed"
	d.LastError, d.ResponseCode, d.LatencyMs = lastError, responseCode, latencyMs
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]WebhookDelivery, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if cursor != "" {
		for i, id := range m.delivOrder {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	out := []WebhookDelivery{}
	var next string
	for i := start; i < len(m.delivOrder) && len(out) < limit; i++ {
		d := m.deliveries[m.delivOrder[i]]
		next = d.ID
		if status == "" || d.Status == status {
			out = append(out, *d)
		}
	}
	if len(out) < limit {
		next = ""
	}
	return out, next, nil
}
