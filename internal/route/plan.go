package route

import (
	"time"

	"fleetdispatch/internal/model"
)

// StopsForJob builds the stops a job contributes to a route. A pickup stop is
// only added when the job carries pickup coordinates.
func StopsForJob(j model.Job, loadSeq int) []model.Stop {
	op := j.OrderPriority
	if !op.Valid() {
		op = model.OrderAuto
	}
	base := model.Stop{
		JobID:         j.ID,
		LoadSeq:       loadSeq,
		OrderPriority: op,
		ScheduledDate: j.ScheduledDate,
		State:         model.StopPending,
		TimeAtStop:    j.TimeAtStopMinutes,
	}
	var out []model.Stop
	if j.PickupCoordinates != nil {
		p := base
		p.Kind = model.StopPickup
		loc := *j.PickupCoordinates
		p.Location = &loc
		out = append(out, p)
	}
	d := base
	d.Kind = model.StopDelivery
	if j.Coordinates != nil {
		loc := *j.Coordinates
		d.Location = &loc
	}
	return append(out, d)
}

// AddJob appends the job's stops to r. It reports false when the job is
// already on the route.
func AddJob(r *model.Route, j model.Job) bool {
	for _, s := range r.Stops {
		if s.JobID == j.ID {
			return false
		}
	}
	if r.NextLoadSeq == 0 {
		r.NextLoadSeq = 1
	}
	r.Stops = append(r.Stops, StopsForJob(j, r.NextLoadSeq)...)
	r.NextLoadSeq++
	reindex(r.Stops)
	return true
}

// RemoveJob drops every stop of jobID from r.
func RemoveJob(r *model.Route, jobID string) bool {
	kept := r.Stops[:0]
	removed := false
	for _, s := range r.Stops {
		if s.JobID == jobID {
			removed = true
			continue
		}
		kept = append(kept, s)
	}
	r.Stops = kept
	reindex(r.Stops)
	return removed
}

// Apply replaces the open part of r with ordered, keeping arrived stops in
// front, and records the result metrics.
func Apply(r *model.Route, res Result, mode model.OptimizationMode, at time.Time) {
	var arrived []model.Stop
	for _, s := range r.Stops {
		if s.State == model.StopArrived {
			arrived = append(arrived, s)
		}
	}
	r.Stops = append(arrived, res.Stops...)
	reindex(r.Stops)
	r.TotalDistance = res.TotalDistance
	r.TotalDuration = res.TotalDuration
	r.EfficiencyScore = res.EfficiencyScore
	r.Partial = res.Partial
	r.Mode = mode
	t := at.UTC()
	r.LastOptimizedAt = &t
}

// SameStops reports whether a and b hold the same set of stop keys.
func SameStops(a, b []model.Stop) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, s := range a {
		seen[s.Key()]++
	}
	for _, s := range b {
		seen[s.Key()]--
		if seen[s.Key()] < 0 {
			return false
		}
	}
	return true
}

func reindex(stops []model.Stop) {
	for i := range stops {
		stops[i].SequenceIndex = i
	}
}
