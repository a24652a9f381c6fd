// Package alert raises and tracks dispatcher alerts. Raising is idempotent
// per (type, entity) while an alert is open; only users read or resolve.
package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"fleetdispatch/internal/eta"
	"fleetdispatch/internal/model"
	"fleetdispatch/internal/store"
)

// Notifier hears about alerts that were created or changed state.
type Notifier interface {
	AlertRaised(ctx context.Context, a model.Alert)
	AlertUpdated(ctx context.Context, a model.Alert)
}

// DriftSource is satisfied by *eta.Tracker.
type DriftSource interface {
	Drifts() []eta.Drift
}

// ZoneLookup is satisfied by *geo.Index.
type ZoneLookup interface {
	Zone(id string) (model.Zone, bool)
}

type Escalator struct {
	store  store.Store
	drifts DriftSource
	zones  ZoneLookup
	notify Notifier
	log    zerolog.Logger
	now    func() time.Time
}

func NewEscalator(s store.Store, drifts DriftSource, zones ZoneLookup, notify Notifier, log zerolog.Logger) *Escalator {
	return &Escalator{store: s, drifts: drifts, zones: zones, notify: notify, log: log, now: time.Now}
}

// Raise records a, or returns the already open alert for the same type and
// entity with created=false.
func (e *Escalator) Raise(ctx context.Context, a model.Alert) (model.Alert, bool, error) {
	if !a.Type.Valid() || !a.Severity.Valid() || a.EntityID == "" {
		return model.Alert{}, false, fmt.Errorf("alert %s/%s: %w", a.Type, a.Severity, model.ErrInvalidInput)
	}
	out, created, err := e.store.RaiseAlert(ctx, a)
	if err != nil {
		return out, false, err
	}
	if created {
		e.log.Info().
			Str("alert_id", out.ID).
			Str("type", string(out.Type)).
			Str("severity", string(out.Severity)).
			Str("entity_id", out.EntityID).
			Msg("alert raised")
		if e.notify != nil {
			e.notify.AlertRaised(ctx, out)
		}
	}
	return out, created, nil
}

// MarkRead moves new to read; reading a read alert is a no-op.
func (e *Escalator) MarkRead(ctx context.Context, id string) (model.Alert, error) {
	cur, err := e.store.GetAlert(ctx, id)
	if err != nil {
		return cur, err
	}
	if cur.State() == model.AlertRead {
		return cur, nil
	}
	return e.transition(ctx, id, []model.AlertState{model.AlertNew}, model.AlertRead)
}

func (e *Escalator) Resolve(ctx context.Context, id string) (model.Alert, error) {
	return e.transition(ctx, id, []model.AlertState{model.AlertNew, model.AlertRead}, model.AlertResolved)
}

func (e *Escalator) transition(ctx context.Context, id string, from []model.AlertState, to model.AlertState) (model.Alert, error) {
	a, err := e.store.TransitionAlert(ctx, id, from, to, e.now())
	if err != nil {
		return a, err
	}
	if e.notify != nil {
		e.notify.AlertUpdated(ctx, a)
	}
	return a, nil
}

type SweepReport struct {
	Evaluated  int `json:"evaluated"`
	Raised     int `json:"raised"`
	Suppressed int `json:"suppressed"`
}

func (r *SweepReport) count(created bool) {
	if created {
		r.Raised++
	} else {
		r.Suppressed++
	}
}

// Sweep evaluates every trigger against current state. It never resolves.
func (e *Escalator) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	now := e.now()
	open := []model.JobStatus{model.JobPending, model.JobAssigned, model.JobInProgress}
	inProgress := map[string]bool{}

	cursor := ""
	for {
		jobs, next, err := e.store.ListJobs(ctx, store.JobFilter{Statuses: open, Cursor: cursor, Limit: 200})
		if err != nil {
			return rep, err
		}
		for _, j := range jobs {
			rep.Evaluated++
			if j.Status == model.JobInProgress {
				inProgress[j.ID] = true
			}
			if a, ok := e.jobTrigger(j, now); ok {
				_, created, err := e.Raise(ctx, a)
				if err != nil {
					return rep, err
				}
				rep.count(created)
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}

	if e.drifts != nil {
		for _, d := range e.drifts.Drifts() {
			if !inProgress[d.JobID] {
				continue
			}
			rep.Evaluated++
			_, created, err := e.Raise(ctx, model.Alert{
				Type:       model.AlertRouteDeviation,
				Severity:   model.SeverityHigh,
				EntityType: "job",
				EntityID:   d.JobID,
				Message:    fmt.Sprintf("ETA for %s drifted by %s", d.StopKey, d.By.Round(time.Second)),
			})
			if err != nil {
				return rep, err
			}
			rep.count(created)
		}
	}

	drivers, err := e.store.ListDrivers(ctx, store.DriverFilter{})
	if err != nil {
		return rep, err
	}
	for _, d := range drivers {
		if d.ShiftEndedAt == nil {
			continue
		}
		rep.Evaluated++
		n, err := e.store.CountActiveJobs(ctx, d.ID)
		if err != nil {
			return rep, err
		}
		if n == 0 {
			continue
		}
		_, created, err := e.Raise(ctx, model.Alert{
			Type:       model.AlertDriverShiftEnd,
			Severity:   model.SeverityMedium,
			EntityType: "driver",
			EntityID:   d.ID,
			Message:    fmt.Sprintf("shift ended with %d open jobs", n),
		})
		if err != nil {
			return rep, err
		}
		rep.count(created)
	}

	e.log.Debug().Int("evaluated", rep.Evaluated).Int("raised", rep.Raised).Int("suppressed", rep.Suppressed).Msg("alert sweep")
	return rep, nil
}

// jobTrigger decides whether an open job needs a job_incomplete alert:
// unassigned and urgent-ish or overdue, or older than its zone's SLA.
func (e *Escalator) jobTrigger(j model.Job, now time.Time) (model.Alert, bool) {
	a := model.Alert{Type: model.AlertJobIncomplete, EntityType: "job", EntityID: j.ID}
	overdue := !j.ScheduledDate.IsZero() && j.ScheduledDate.Before(now)
	if j.DriverID == "" {
		highPri := j.Priority == model.PriorityHigh || j.Priority == model.PriorityUrgent
		if highPri || overdue {
			a.Severity = model.SeverityHigh
			if j.Priority == model.PriorityUrgent || overdue {
				a.Severity = model.SeverityUrgent
			}
			a.Message = fmt.Sprintf("%s priority job unassigned", j.Priority)
			if overdue {
				a.Message = fmt.Sprintf("job unassigned %s past its scheduled time", now.Sub(j.ScheduledDate).Round(time.Minute))
			}
			return a, true
		}
	}
	if e.zones != nil && j.ZoneID != "" && !j.CreatedAt.IsZero() {
		if z, ok := e.zones.Zone(j.ZoneID); ok && z.MaxDeliveryHours > 0 {
			sla := time.Duration(z.MaxDeliveryHours * float64(time.Hour))
			if now.Sub(j.CreatedAt) > sla {
				a.Severity = model.SeverityHigh
				a.Message = fmt.Sprintf("open longer than the %gh delivery SLA of zone %s", z.MaxDeliveryHours, z.ID)
				return a, true
			}
		}
	}
	return a, false
}
