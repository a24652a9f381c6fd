package model

import "time"

// Core dispatch records. Enum-typed fields are closed sets; use Valid() at
// every boundary that accepts them from the outside.

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Location is a timestamped position.
type Location struct {
	Lat float64   `json:"lat"`
	Lng float64   `json:"lng"`
	At  time.Time `json:"timestamp"`
}

func (l Location) Point() LatLng { return LatLng{Lat: l.Lat, Lng: l.Lng} }

type DriverStatus string

const (
	DriverAvailable DriverStatus = "available"
	DriverOnBreak   DriverStatus = "on_break"
	DriverBusy      DriverStatus = "busy"
	DriverOffline   DriverStatus = "offline"
)

func (s DriverStatus) Valid() bool {
	switch s {
	case DriverAvailable, DriverOnBreak, DriverBusy, DriverOffline:
		return true
	}
	return false
}

type Driver struct {
	ID                string       `json:"id"`
	Name              string       `json:"name,omitempty"`
	Status            DriverStatus `json:"status"`
	CurrentLocation   *Location    `json:"currentLocation,omitempty"`
	AssignedZone      string       `json:"assignedZone,omitempty"`
	PerformanceScore  float64      `json:"performanceScore"`
	MaxConcurrentJobs int          `json:"maxConcurrentJobs"`
	ShiftEndedAt      *time.Time   `json:"shiftEndedAt,omitempty"`
	Retired           bool         `json:"retired,omitempty"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

type Vehicle struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Capacity      int    `json:"capacity"`
	OwnerDriverID string `json:"ownerDriverId,omitempty"`
}

type Zone struct {
	ID               string   `json:"id"`
	Name             string   `json:"name,omitempty"`
	Polygon          []LatLng `json:"polygon"`
	Priority         int      `json:"priority"`
	MaxDeliveryHours float64  `json:"maxDeliveryHours"`
	AssignedDrivers  []string `json:"assignedDrivers"`
}

type JobPriority string

const (
	PriorityLow    JobPriority = "low"
	PriorityMedium JobPriority = "medium"
	PriorityHigh   JobPriority = "high"
	PriorityUrgent JobPriority = "urgent"
)

func (p JobPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobAssigned   JobStatus = "assigned"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobCancelled  JobStatus = "cancelled"
)

func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobAssigned, JobInProgress, JobCompleted, JobCancelled:
		return true
	}
	return false
}

// HasDriver reports whether a job in this status must carry a driverId.
func (s JobStatus) HasDriver() bool {
	switch s {
	case JobAssigned, JobInProgress, JobCompleted:
		return true
	}
	return false
}

// Open reports whether the job still needs work.
func (s JobStatus) Open() bool {
	switch s {
	case JobPending, JobAssigned, JobInProgress:
		return true
	}
	return false
}

type OrderPriority string

const (
	OrderFirst OrderPriority = "first"
	OrderAuto  OrderPriority = "auto"
	OrderLast  OrderPriority = "last"
)

func (o OrderPriority) Valid() bool {
	switch o {
	case OrderFirst, OrderAuto, OrderLast:
		return true
	}
	return false
}

type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type Job struct {
	ID                string        `json:"id"`
	CustomerName      string        `json:"customerName"`
	PickupAddress     string        `json:"pickupAddress"`
	DeliveryAddress   string        `json:"deliveryAddress"`
	Coordinates       *LatLng       `json:"coordinates,omitempty"`
	PickupCoordinates *LatLng       `json:"pickupCoordinates,omitempty"`
	Priority          JobPriority   `json:"priority"`
	Status            JobStatus     `json:"status"`
	ScheduledDate     time.Time     `json:"scheduledDate"`
	DriverID          string        `json:"driverId,omitempty"`
	VehicleID         string        `json:"vehicleId,omitempty"`
	OrderPriority     OrderPriority `json:"orderPriority"`
	TimeWindow        *TimeWindow   `json:"timeWindow,omitempty"`
	TimeAtStopMinutes int           `json:"timeAtStopMinutes"`
	ZoneID            string        `json:"zoneId,omitempty"`
	TrackingToken     string        `json:"-"`
	Version           int           `json:"version"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

type AssignMethod string

const (
	MethodManual      AssignMethod = "manual"
	MethodAutoSuggest AssignMethod = "auto_suggest"
	MethodZoneAuto    AssignMethod = "zone_auto"
)

func (m AssignMethod) Valid() bool {
	switch m {
	case MethodManual, MethodAutoSuggest, MethodZoneAuto:
		return true
	}
	return false
}

// Assignment is immutable. A reassignment appends a new record whose
// Supersedes points at the previous one.
type Assignment struct {
	ID             string       `json:"id"`
	JobID          string       `json:"jobId"`
	DriverID       string       `json:"driverId"`
	VehicleID      string       `json:"vehicleId,omitempty"`
	AssignedAt     time.Time    `json:"assignedAt"`
	Method         AssignMethod `json:"method"`
	Score          float64      `json:"score"`
	ZoneID         string       `json:"zoneId,omitempty"`
	Fallback       bool         `json:"fallback"`
	FallbackReason string       `json:"fallbackReason,omitempty"`
	Supersedes     string       `json:"supersedes,omitempty"`
}

type StopKind string

const (
	StopPickup   StopKind = "pickup"
	StopDelivery StopKind = "delivery"
)

type StopState string

const (
	StopPending  StopState = "pending"
	StopEnRoute  StopState = "en_route"
	StopArriving StopState = "arriving"
	StopArrived  StopState = "arrived"
)

func (s StopState) Valid() bool {
	switch s {
	case StopPending, StopEnRoute, StopArriving, StopArrived:
		return true
	}
	return false
}

type Stop struct {
	JobID            string        `json:"jobId"`
	Kind             StopKind      `json:"kind"`
	SequenceIndex    int           `json:"sequenceIndex"`
	Location         *LatLng       `json:"location,omitempty"`
	LoadSeq          int           `json:"loadSeq"`
	OrderPriority    OrderPriority `json:"orderPriority"`
	ScheduledDate    time.Time     `json:"scheduledDate"`
	State            StopState     `json:"state"`
	EstimatedArrival *time.Time    `json:"estimatedArrival,omitempty"`
	ActualArrival    *time.Time    `json:"actualArrival,omitempty"`
	TimeAtStop       int           `json:"timeAtStop"`
	Unoptimized      bool          `json:"unoptimized,omitempty"`
	ETAStale         bool          `json:"etaStale,omitempty"`
}

// Key identifies a stop within a route.
func (s Stop) Key() string { return s.JobID + "/" + string(s.Kind) }

type OptimizationMode string

const (
	ModeStrictLIFO OptimizationMode = "strictLIFO"
	ModeBalanced   OptimizationMode = "balanced"
	ModeFastest    OptimizationMode = "fastest"
)

func (m OptimizationMode) Valid() bool {
	switch m {
	case ModeStrictLIFO, ModeBalanced, ModeFastest:
		return true
	}
	return false
}

// Route is the active stop sequence for one driver-day.
type Route struct {
	DriverID        string           `json:"driverId"`
	Day             string           `json:"day"`
	Stops           []Stop           `json:"stops"`
	TotalDistance   float64          `json:"totalDistance"`
	TotalDuration   float64          `json:"totalDuration"`
	EfficiencyScore float64          `json:"efficiencyScore"`
	Mode            OptimizationMode `json:"mode"`
	Partial         bool             `json:"partial,omitempty"`
	NextLoadSeq     int              `json:"nextLoadSeq"`
	LastOptimizedAt *time.Time       `json:"lastOptimizedAt,omitempty"`
	Version         int              `json:"version"`
}

// OpenStops returns the stops not yet arrived at, in sequence order.
func (r Route) OpenStops() []Stop {
	out := make([]Stop, 0, len(r.Stops))
	for _, s := range r.Stops {
		if s.State != StopArrived {
			out = append(out, s)
		}
	}
	return out
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
	SeverityUrgent Severity = "urgent"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityUrgent:
		return true
	}
	return false
}

type AlertType string

const (
	AlertJobIncomplete  AlertType = "job_incomplete"
	AlertRouteDeviation AlertType = "route_deviation"
	AlertDriverShiftEnd AlertType = "driver_shift_end"
	AlertETAStale       AlertType = "eta_stale"
)

func (t AlertType) Valid() bool {
	switch t {
	case AlertJobIncomplete, AlertRouteDeviation, AlertDriverShiftEnd, AlertETAStale:
		return true
	}
	return false
}

type AlertState string

const (
	AlertNew      AlertState = "new"
	AlertRead     AlertState = "read"
	AlertResolved AlertState = "resolved"
)

type Alert struct {
	ID         string     `json:"id"`
	Type       AlertType  `json:"type"`
	Severity   Severity   `json:"severity"`
	EntityType string     `json:"entityType"`
	EntityID   string     `json:"entityId"`
	Message    string     `json:"message,omitempty"`
	IsRead     bool       `json:"isRead"`
	IsResolved bool       `json:"isResolved"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// State derives the alert state from its flags.
func (a Alert) State() AlertState {
	switch {
	case a.IsResolved:
		return AlertResolved
	case a.IsRead:
		return AlertRead
	default:
		return AlertNew
	}
}

// Ping is one location sample reported by a driver device.
type Ping struct {
	DriverID  string    `json:"driverId"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
	Speed     *float64  `json:"speed,omitempty"` // m/s
}
