package store

import (
	"context"
	"fmt"
	"time"

	"fleetdispatch/internal/model"
)

// ErrNotFound is returned by lookups that match nothing.
var ErrNotFound = model.ErrNotFound

type DriverFilter struct {
	Statuses       []model.DriverStatus
	IDs            []string
	IncludeRetired bool
}

type JobFilter struct {
	Statuses []model.JobStatus
	DriverID string
	Cursor   string
	Limit    int
}

type AlertFilter struct {
	Type     model.AlertType
	OpenOnly bool
	Cursor   string
	Limit    int
}

// WebhookDelivery is one queued outbound webhook post.
type WebhookDelivery struct {
	ID             string     `json:"id"`
	SubscriptionID string     `json:"subscriptionId,omitempty"`
	EventType      string     `json:"eventType"`
	URL            string     `json:"url"`
	Secret         string     `json:"-"`
	Payload        []byte     `json:"-"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	NextAttemptAt  time.Time  `json:"nextAttemptAt"`
	LastError      string     `json:"lastError,omitempty"`
	ResponseCode   int        `json:"responseCode,omitempty"`
	LatencyMs      int        `json:"latencyMs,omitempty"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Store is the persistence interface behind the dispatch service. Mutations
// that guard an invariant are compare-and-set on a version or state.
type Store interface {
	Ping(ctx context.Context) error

	// Drivers
	UpsertDriver(ctx context.Context, d model.Driver) (model.Driver, error)
	GetDriver(ctx context.Context, id string) (model.Driver, error)
	ListDrivers(ctx context.Context, f DriverFilter) ([]model.Driver, error)
	SetDriverStatus(ctx context.Context, id string, status model.DriverStatus) (model.Driver, error)
	SetDriverLocation(ctx context.Context, id string, loc model.Location) error
	SetDriverShiftEnd(ctx context.Context, id string, at *time.Time) (model.Driver, error)

	// Vehicles
	UpsertVehicle(ctx context.Context, v model.Vehicle) (model.Vehicle, error)
	GetVehicle(ctx context.Context, id string) (model.Vehicle, error)
	ListVehicles(ctx context.Context) ([]model.Vehicle, error)
	VehicleForDriver(ctx context.Context, driverID string) (model.Vehicle, error)

	// Zones
	UpsertZone(ctx context.Context, z model.Zone) (model.Zone, error)
	GetZone(ctx context.Context, id string) (model.Zone, error)
	ListZones(ctx context.Context) ([]model.Zone, error)
	DeleteZone(ctx context.Context, id string) error

	// Jobs
	CreateJob(ctx context.Context, j model.Job) (model.Job, error)
	GetJob(ctx context.Context, id string) (model.Job, error)
	GetJobByToken(ctx context.Context, token string) (model.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]model.Job, string, error)
	// UpdateJob writes j only if the stored version equals expectedVersion,
	// otherwise model.ErrVersionConflict. The stored version becomes expectedVersion+1.
	// A driverId that does not match the status is model.ErrInvalidInput.
	UpdateJob(ctx context.Context, j model.Job, expectedVersion int) (model.Job, error)
	// AssignJob is UpdateJob plus InsertAssignment as one write: either both
	// land or neither does. An empty a.Supersedes is filled with the job's
	// latest prior assignment.
	AssignJob(ctx context.Context, j model.Job, expectedVersion int, a model.Assignment) (model.Job, model.Assignment, error)
	CountActiveJobs(ctx context.Context, driverID string) (int, error)

	// Assignments are append-only.
	InsertAssignment(ctx context.Context, a model.Assignment) (model.Assignment, error)
	ListAssignments(ctx context.Context, jobID string) ([]model.Assignment, error)

	// Routes. SaveRoute with expectedVersion 0 creates the route.
	GetRoute(ctx context.Context, driverID, day string) (model.Route, error)
	SaveRoute(ctx context.Context, r model.Route, expectedVersion int) (model.Route, error)
	ListRoutes(ctx context.Context, day string) ([]model.Route, error)

	// Alerts. RaiseAlert returns the existing open alert for (type, entityId)
	// with created=false instead of inserting a duplicate.
	RaiseAlert(ctx context.Context, a model.Alert) (alert model.Alert, created bool, err error)
	GetAlert(ctx context.Context, id string) (model.Alert, error)
	ListAlerts(ctx context.Context, f AlertFilter) ([]model.Alert, string, error)
	TransitionAlert(ctx context.Context, id string, from []model.AlertState, to model.AlertState, at time.Time) (model.Alert, error)

	// Webhook deliveries
	EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]WebhookDelivery, string, error)
}

// Day is the route key for t.
func Day(t time.Time) string { return t.UTC().Format("2006-01-02") }

func statusIn[T comparable](v T, set []T) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// checkJobDriver rejects a job whose driverId disagrees with its status.
func checkJobDriver(j model.Job) error {
	if (j.DriverID != "") != j.Status.HasDriver() {
		return fmt.Errorf("job %s is %s with driver %q: %w", j.ID, j.Status, j.DriverID, model.ErrInvalidInput)
	}
	return nil
}
