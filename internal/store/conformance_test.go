package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetdispatch/internal/model"
)

// runConformance exercises the behaviour every Store implementation shares.
func runConformance(t *testing.T, s Store) {
	ctx := context.Background()
	suffix := uuid.New().String()[:8]

	t.Run("driver roundtrip", func(t *testing.T) {
		d, err := s.UpsertDriver(ctx, model.Driver{ID: "drv-" + suffix, Status: model.DriverAvailable, PerformanceScore: 4.5, MaxConcurrentJobs: 2})
		require.NoError(t, err)
		require.NoError(t, s.SetDriverLocation(ctx, d.ID, model.Location{Lat: 1, Lng: 2, At: time.Now().UTC()}))
		got, err := s.GetDriver(ctx, d.ID)
		require.NoError(t, err)
		require.NotNil(t, got.CurrentLocation)
		assert.Equal(t, 1.0, got.CurrentLocation.Lat)

		busy, err := s.SetDriverStatus(ctx, d.ID, model.DriverBusy)
		require.NoError(t, err)
		assert.Equal(t, model.DriverBusy, busy.Status)

		list, err := s.ListDrivers(ctx, DriverFilter{Statuses: []model.DriverStatus{model.DriverBusy}, IDs: []string{d.ID}})
		require.NoError(t, err)
		require.Len(t, list, 1)

		_, err = s.GetDriver(ctx, "missing-"+suffix)
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("job version compare-and-set", func(t *testing.T) {
		j, err := s.CreateJob(ctx, model.Job{ID: "job-" + suffix, CustomerName: "c", DeliveryAddress: "a", Priority: model.PriorityLow,
			Status: model.JobPending, OrderPriority: model.OrderAuto, ScheduledDate: time.Now().UTC(), TrackingToken: "tok-" + suffix})
		require.NoError(t, err)
		assert.Equal(t, 1, j.Version)

		j.Status = model.JobAssigned
		j.DriverID = "drv-" + suffix
		upd, err := s.UpdateJob(ctx, j, 1)
		require.NoError(t, err)
		assert.Equal(t, 2, upd.Version)

		_, err = s.UpdateJob(ctx, j, 1)
		assert.ErrorIs(t, err, model.ErrVersionConflict)

		byTok, err := s.GetJobByToken(ctx, "tok-"+suffix)
		require.NoError(t, err)
		assert.Equal(t, j.ID, byTok.ID)

		n, err := s.CountActiveJobs(ctx, "drv-"+suffix)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("assignments append only", func(t *testing.T) {
		first, err := s.InsertAssignment(ctx, model.Assignment{JobID: "job-" + suffix, DriverID: "drv-" + suffix, Method: model.MethodManual, AssignedAt: time.Now().UTC()})
		require.NoError(t, err)
		_, err = s.InsertAssignment(ctx, model.Assignment{JobID: "job-" + suffix, DriverID: "drv-" + suffix, Method: model.MethodAutoSuggest,
			AssignedAt: time.Now().UTC().Add(time.Second), Supersedes: first.ID})
		require.NoError(t, err)
		list, err := s.ListAssignments(ctx, "job-"+suffix)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, first.ID, list[1].Supersedes)
	})

	t.Run("assign job writes job and assignment together", func(t *testing.T) {
		id := "job-assign-" + suffix
		j, err := s.CreateJob(ctx, model.Job{ID: id, CustomerName: "c", DeliveryAddress: "a", Priority: model.PriorityLow,
			Status: model.JobPending, OrderPriority: model.OrderAuto, ScheduledDate: time.Now().UTC(), TrackingToken: "tok-assign-" + suffix})
		require.NoError(t, err)

		next := j
		next.Status, next.DriverID = model.JobAssigned, "drv-"+suffix
		first, a1, err := s.AssignJob(ctx, next, j.Version, model.Assignment{JobID: id, DriverID: "drv-" + suffix, Method: model.MethodManual, AssignedAt: time.Now().UTC()})
		require.NoError(t, err)
		assert.Equal(t, j.Version+1, first.Version)
		assert.NotEmpty(t, a1.ID)
		assert.Empty(t, a1.Supersedes)

		// stale version: neither the job nor the assignment log moves
		_, _, err = s.AssignJob(ctx, next, j.Version, model.Assignment{JobID: id, DriverID: "other-" + suffix, Method: model.MethodManual, AssignedAt: time.Now().UTC()})
		require.ErrorIs(t, err, model.ErrVersionConflict)
		list, err := s.ListAssignments(ctx, id)
		require.NoError(t, err)
		require.Len(t, list, 1)

		// driver and status disagree: rejected before anything is written
		bad := first
		bad.DriverID = ""
		_, _, err = s.AssignJob(ctx, bad, first.Version, model.Assignment{JobID: id, DriverID: "x", Method: model.MethodManual, AssignedAt: time.Now().UTC()})
		require.ErrorIs(t, err, model.ErrInvalidInput)
		list, err = s.ListAssignments(ctx, id)
		require.NoError(t, err)
		require.Len(t, list, 1)

		next = first
		next.DriverID = "drv2-" + suffix
		second, a2, err := s.AssignJob(ctx, next, first.Version, model.Assignment{JobID: id, DriverID: "drv2-" + suffix, Method: model.MethodAutoSuggest,
			AssignedAt: time.Now().UTC().Add(time.Second)})
		require.NoError(t, err)
		assert.Equal(t, "drv2-"+suffix, second.DriverID)
		assert.Equal(t, a1.ID, a2.Supersedes)

		got, err := s.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, second.Version, got.Version)
	})

	t.Run("job driver must match status", func(t *testing.T) {
		id := "job-guard-" + suffix
		j, err := s.CreateJob(ctx, model.Job{ID: id, CustomerName: "c", DeliveryAddress: "a", Priority: model.PriorityLow,
			Status: model.JobPending, OrderPriority: model.OrderAuto, ScheduledDate: time.Now().UTC(), TrackingToken: "tok-guard-" + suffix})
		require.NoError(t, err)

		noDriver := j
		noDriver.Status = model.JobAssigned
		_, err = s.UpdateJob(ctx, noDriver, j.Version)
		require.ErrorIs(t, err, model.ErrInvalidInput)

		pendingWithDriver := j
		pendingWithDriver.DriverID = "drv-" + suffix
		_, err = s.UpdateJob(ctx, pendingWithDriver, j.Version)
		require.ErrorIs(t, err, model.ErrInvalidInput)

		cur, err := s.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, j.Version, cur.Version)
		assert.Equal(t, model.JobPending, cur.Status)

		assigned := j
		assigned.Status, assigned.DriverID = model.JobAssigned, "drv-"+suffix
		assigned, err = s.UpdateJob(ctx, assigned, j.Version)
		require.NoError(t, err)

		cancelled := assigned
		cancelled.Status = model.JobCancelled
		_, err = s.UpdateJob(ctx, cancelled, assigned.Version)
		require.ErrorIs(t, err, model.ErrInvalidInput)
		cancelled.DriverID, cancelled.VehicleID = "", ""
		_, err = s.UpdateJob(ctx, cancelled, assigned.Version)
		require.NoError(t, err)
	})

	t.Run("route compare-and-set", func(t *testing.T) {
		r := model.Route{DriverID: "drv-" + suffix, Day: "2030-01-01", Stops: []model.Stop{{JobID: "job-" + suffix, Kind: model.StopDelivery}}}
		saved, err := s.SaveRoute(ctx, r, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, saved.Version)
		_, err = s.SaveRoute(ctx, r, 0)
		assert.ErrorIs(t, err, model.ErrVersionConflict)
		saved, err = s.SaveRoute(ctx, saved, saved.Version)
		require.NoError(t, err)
		assert.Equal(t, 2, saved.Version)
		got, err := s.GetRoute(ctx, r.DriverID, r.Day)
		require.NoError(t, err)
		assert.Len(t, got.Stops, 1)
		assert.Equal(t, 2, got.Version)
	})

	t.Run("alert raise is idempotent until resolved", func(t *testing.T) {
		a := model.Alert{Type: model.AlertJobIncomplete, Severity: model.SeverityUrgent, EntityType: "job", EntityID: "job-" + suffix}
		first, created, err := s.RaiseAlert(ctx, a)
		require.NoError(t, err)
		require.True(t, created)
		again, created, err := s.RaiseAlert(ctx, a)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, again.ID)

		read, err := s.TransitionAlert(ctx, first.ID, []model.AlertState{model.AlertNew}, model.AlertRead, time.Now())
		require.NoError(t, err)
		assert.True(t, read.IsRead)
		_, created, err = s.RaiseAlert(ctx, a)
		require.NoError(t, err)
		assert.False(t, created, "read alerts are still open")

		_, err = s.TransitionAlert(ctx, first.ID, []model.AlertState{model.AlertNew}, model.AlertRead, time.Now())
		assert.ErrorIs(t, err, model.ErrInvalidTransition)

		resolved, err := s.TransitionAlert(ctx, first.ID, []model.AlertState{model.AlertNew, model.AlertRead}, model.AlertResolved, time.Now())
		require.NoError(t, err)
		assert.True(t, resolved.IsResolved)

		next, created, err := s.RaiseAlert(ctx, a)
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEqual(t, first.ID, next.ID)
	})

	t.Run("webhook queue", func(t *testing.T) {
		id, err := s.EnqueueWebhook(ctx, "", "job.assigned", "http://example.invalid/"+suffix, "s", []byte(`{"id":"evt-`+suffix+`"}`))
		require.NoError(t, err)
		due, err := s.FetchDueWebhookDeliveries(ctx, 100)
		require.NoError(t, err)
		found := false
		for _, d := range due {
			if d.ID == id {
				found = true
			}
		}
		require.True(t, found)
		later := time.Now().Add(time.Hour)
		require.NoError(t, s.MarkWebhookDelivery(ctx, id, false, &later, "boom", 500, 3))
		due, err = s.FetchDueWebhookDeliveries(ctx, 100)
		require.NoError(t, err)
		for _, d := range due {
			assert.NotEqual(t, id, d.ID)
		}
		require.NoError(t, s.FailWebhookDelivery(ctx, id, "boom", 500, 3))
		failed, _, err := s.ListWebhookDeliveries(ctx, "failed", "", 500)
		require.NoError(t, err)
		found = false
		for _, d := range failed {
			if d.ID == id {
				found = true
				assert.Equal(t, 2, d.Attempts)
			}
		}
		assert.True(t, found)
	})
}

func TestMemoryConformance(t *testing.T) {
	runConformance(t, NewMemory())
}

func TestMemoryListJobsPagination(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := m.CreateJob(ctx, model.Job{CustomerName: "c", Status: model.JobPending})
		require.NoError(t, err)
	}
	page, next, err := m.ListJobs(ctx, JobFilter{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, page, 3)
	require.NotEmpty(t, next)
	page, next, err = m.ListJobs(ctx, JobFilter{Limit: 3, Cursor: next})
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.Empty(t, next)
}

func TestMemoryRouteIsolation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	r, err := m.SaveRoute(ctx, model.Route{DriverID: "d", Day: "x", Stops: []model.Stop{{JobID: "a"}}}, 0)
	require.NoError(t, err)
	r.Stops[0].JobID = "mutated"
	got, err := m.GetRoute(ctx, "d", "x")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Stops[0].JobID)
}
