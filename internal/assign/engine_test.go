package assign

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetdispatch/internal/geo"
	"fleetdispatch/internal/model"
	"fleetdispatch/internal/registry"
	"fleetdispatch/internal/store"
)

type planCall struct {
	op, driverID, jobID string
}

type recordPlanner struct {
	mu    sync.Mutex
	calls []planCall
}

func (p *recordPlanner) AddJob(_ context.Context, driverID string, j model.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, planCall{"add", driverID, j.ID})
	return nil
}

func (p *recordPlanner) RemoveJob(_ context.Context, driverID, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, planCall{"remove", driverID, jobID})
	return nil
}

type fixture struct {
	mem     *store.Memory
	idx     *geo.Index
	planner *recordPlanner
	eng     *Engine
}

func newFixture(t *testing.T, cfg Config, zones ...model.Zone) *fixture {
	t.Helper()
	mem := store.NewMemory()
	idx := geo.NewIndex(zones)
	p := &recordPlanner{}
	reg := registry.New(mem, nil)
	return &fixture{mem: mem, idx: idx, planner: p, eng: NewEngine(cfg, mem, reg, idx, p, zerolog.Nop())}
}

func (f *fixture) driver(t *testing.T, id string, status model.DriverStatus, perf float64, maxJobs int) {
	t.Helper()
	_, err := f.mem.UpsertDriver(context.Background(), model.Driver{ID: id, Status: status, PerformanceScore: perf, MaxConcurrentJobs: maxJobs})
	require.NoError(t, err)
}

func (f *fixture) job(t *testing.T, id string, coords *model.LatLng) model.Job {
	t.Helper()
	j, err := f.mem.CreateJob(context.Background(), model.Job{ID: id, Status: model.JobPending, Priority: model.PriorityMedium, Coordinates: coords, OrderPriority: model.OrderAuto})
	require.NoError(t, err)
	return j
}

func square(lat, lng, size float64) []model.LatLng {
	return []model.LatLng{{Lat: lat, Lng: lng}, {Lat: lat, Lng: lng + size}, {Lat: lat + size, Lng: lng + size}, {Lat: lat + size, Lng: lng}}
}

func TestManualAssign(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.driver(t, "d1", model.DriverAvailable, 4, 1)
	_, err := f.mem.UpsertVehicle(ctx, model.Vehicle{ID: "v1", Type: "van", Capacity: 10, OwnerDriverID: "d1"})
	require.NoError(t, err)
	f.job(t, "j1", nil)

	res, err := f.eng.Assign(ctx, Request{JobID: "j1", DriverID: "d1"})
	require.NoError(t, err)
	assert.Equal(t, Assigned, res.Outcome)
	assert.Equal(t, model.JobAssigned, res.Job.Status)
	assert.Equal(t, "d1", res.Job.DriverID)
	assert.Equal(t, "v1", res.Job.VehicleID)
	assert.Equal(t, model.MethodManual, res.Assignment.Method)
	assert.Equal(t, 4.0, res.Assignment.Score)

	d, err := f.mem.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, model.DriverBusy, d.Status)
	assert.Equal(t, []planCall{{"add", "d1", "j1"}}, f.planner.calls)
}

func TestManualAssignRejectsUnavailableDriver(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.driver(t, "off", model.DriverOffline, 5, 3)
	f.driver(t, "full", model.DriverAvailable, 5, 1)
	f.job(t, "j0", nil)
	f.job(t, "j1", nil)

	_, err := f.eng.Assign(ctx, Request{JobID: "j1", DriverID: "off"})
	assert.ErrorIs(t, err, model.ErrDriverUnavailable)

	_, err = f.eng.Assign(ctx, Request{JobID: "j0", DriverID: "full"})
	require.NoError(t, err)
	_, err = f.eng.Assign(ctx, Request{JobID: "j1", DriverID: "full"})
	assert.ErrorIs(t, err, model.ErrDriverUnavailable)

	j, err := f.mem.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, j.Status)
	assert.Empty(t, j.DriverID)

	_, err = f.eng.Assign(ctx, Request{JobID: "j1", DriverID: "ghost"})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestAutoSuggestPicksHighestScoreThenFewestJobsThenID(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.driver(t, "b", model.DriverAvailable, 4.5, 5)
	f.driver(t, "a", model.DriverOnBreak, 4.5, 5)
	f.driver(t, "c", model.DriverAvailable, 3, 5)
	f.driver(t, "z", model.DriverOffline, 5, 5)
	f.job(t, "j1", nil)
	f.job(t, "j2", nil)
	f.job(t, "j3", nil)

	res, err := f.eng.Assign(ctx, Request{JobID: "j1"})
	require.NoError(t, err)
	assert.Equal(t, "a", res.Job.DriverID)
	assert.Equal(t, model.MethodAutoSuggest, res.Assignment.Method)
	assert.False(t, res.Assignment.Fallback)

	// a now has one job, b has none
	res, err = f.eng.Assign(ctx, Request{JobID: "j2"})
	require.NoError(t, err)
	assert.Equal(t, "b", res.Job.DriverID)

	sugg, err := f.eng.Suggest(ctx, "j3")
	require.NoError(t, err)
	require.Len(t, sugg, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{sugg[0].DriverID, sugg[1].DriverID, sugg[2].DriverID})
}

func TestAutoSuggestNoDriverAvailable(t *testing.T) {
	f := newFixture(t, Config{})
	f.driver(t, "busy", model.DriverBusy, 5, 1)
	f.job(t, "j1", nil)
	_, err := f.eng.Assign(context.Background(), Request{JobID: "j1"})
	assert.ErrorIs(t, err, model.ErrNoDriverAvailable)
}

func TestProximityWeight(t *testing.T) {
	f := newFixture(t, Config{ProximityWeight: 2})
	ctx := context.Background()
	f.driver(t, "far", model.DriverAvailable, 4, 5)
	f.driver(t, "near", model.DriverAvailable, 4, 5)
	require.NoError(t, f.mem.SetDriverLocation(ctx, "far", model.Location{Lat: 1, Lng: 1, At: time.Now()}))
	require.NoError(t, f.mem.SetDriverLocation(ctx, "near", model.Location{Lat: 0, Lng: 0.001, At: time.Now()}))
	f.job(t, "j1", &model.LatLng{Lat: 0, Lng: 0})

	res, err := f.eng.Assign(ctx, Request{JobID: "j1"})
	require.NoError(t, err)
	assert.Equal(t, "near", res.Job.DriverID)
	assert.Greater(t, res.Assignment.Score, 5.5)
}

func TestZoneAutoAssign(t *testing.T) {
	zone := model.Zone{ID: "z1", Polygon: square(0, 0, 1), Priority: 1, AssignedDrivers: []string{"zd"}}
	f := newFixture(t, Config{ZoneAutoAssign: true}, zone)
	f.driver(t, "zd", model.DriverAvailable, 3, 2)
	f.driver(t, "star", model.DriverAvailable, 5, 2)
	f.job(t, "j1", &model.LatLng{Lat: 0.5, Lng: 0.5})

	res, err := f.eng.Assign(context.Background(), Request{JobID: "j1"})
	require.NoError(t, err)
	assert.Equal(t, "zd", res.Job.DriverID)
	assert.Equal(t, model.MethodZoneAuto, res.Assignment.Method)
	assert.Equal(t, "z1", res.Assignment.ZoneID)
	assert.False(t, res.Assignment.Fallback)
}

func TestZoneAutoAssignEmptyRosterFallsBack(t *testing.T) {
	zone := model.Zone{ID: "z1", Polygon: square(0, 0, 1), Priority: 1, AssignedDrivers: []string{}}
	f := newFixture(t, Config{ZoneAutoAssign: true}, zone)
	f.driver(t, "d1", model.DriverAvailable, 3, 2)
	f.job(t, "j1", &model.LatLng{Lat: 0.5, Lng: 0.5})

	res, err := f.eng.Assign(context.Background(), Request{JobID: "j1"})
	require.NoError(t, err)
	assert.Equal(t, "d1", res.Job.DriverID)
	assert.Equal(t, model.MethodAutoSuggest, res.Assignment.Method)
	assert.True(t, res.Assignment.Fallback)
	assert.Contains(t, res.Assignment.FallbackReason, "no assigned drivers")
	assert.Equal(t, "z1", res.Assignment.ZoneID)
}

func TestZoneAutoAssignRosterUnavailableFallsBack(t *testing.T) {
	zone := model.Zone{ID: "z1", Polygon: square(0, 0, 1), AssignedDrivers: []string{"off"}}
	f := newFixture(t, Config{ZoneAutoAssign: true}, zone)
	f.driver(t, "off", model.DriverOffline, 5, 2)
	f.driver(t, "d1", model.DriverAvailable, 1, 2)
	f.job(t, "j1", &model.LatLng{Lat: 0.5, Lng: 0.5})

	res, err := f.eng.Assign(context.Background(), Request{JobID: "j1"})
	require.NoError(t, err)
	assert.True(t, res.Assignment.Fallback)
	assert.Contains(t, res.Assignment.FallbackReason, "no eligible driver")
}

func TestZoneAutoAssignOutsideZonesRequiresManual(t *testing.T) {
	zone := model.Zone{ID: "z1", Polygon: square(0, 0, 1), AssignedDrivers: []string{"d1"}}
	f := newFixture(t, Config{ZoneAutoAssign: true}, zone)
	f.driver(t, "d1", model.DriverAvailable, 3, 2)
	f.job(t, "j1", &model.LatLng{Lat: 5, Lng: 5})

	_, err := f.eng.Assign(context.Background(), Request{JobID: "j1"})
	assert.ErrorIs(t, err, model.ErrNotFound)
	j, err := f.mem.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, j.Status)
}

func TestConcurrentAssignExactlyOneWinner(t *testing.T) {
	f := newFixture(t, Config{})
	for _, id := range []string{"d1", "d2", "d3"} {
		f.driver(t, id, model.DriverAvailable, 4, 2)
	}
	f.job(t, "j1", nil)

	const n = 12
	results := make([]Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			req := Request{JobID: "j1"}
			if i%2 == 0 {
				req.DriverID = []string{"d1", "d2", "d3"}[i%3]
			}
			results[i], errs[i] = f.eng.Assign(context.Background(), req)
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].Outcome == Assigned {
			winners++
		} else {
			assert.Equal(t, AlreadyAssigned, results[i].Outcome)
		}
	}
	assert.Equal(t, 1, winners)

	as, err := f.mem.ListAssignments(context.Background(), "j1")
	require.NoError(t, err)
	assert.Len(t, as, 1)
	j, err := f.mem.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, as[0].DriverID, j.DriverID)
}

func TestReassignSupersedesPriorAssignment(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.driver(t, "d1", model.DriverAvailable, 4, 1)
	f.driver(t, "d2", model.DriverAvailable, 3, 1)
	f.job(t, "j1", nil)

	first, err := f.eng.Assign(ctx, Request{JobID: "j1", DriverID: "d1"})
	require.NoError(t, err)

	again, err := f.eng.Assign(ctx, Request{JobID: "j1", DriverID: "d2"})
	require.NoError(t, err)
	assert.Equal(t, AlreadyAssigned, again.Outcome)

	res, err := f.eng.Assign(ctx, Request{JobID: "j1", DriverID: "d2", Reassign: true})
	require.NoError(t, err)
	assert.Equal(t, Assigned, res.Outcome)
	assert.Equal(t, "d1", res.PreviousDriverID)
	assert.Equal(t, first.Assignment.ID, res.Assignment.Supersedes)

	as, err := f.mem.ListAssignments(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, as, 2)
	assert.Equal(t, "d1", as[0].DriverID)

	d1, err := f.mem.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, model.DriverAvailable, d1.Status)
	assert.Contains(t, f.planner.calls, planCall{"remove", "d1", "j1"})
	assert.Contains(t, f.planner.calls, planCall{"add", "d2", "j1"})
}

func TestAutoReassignExcludesCurrentDriver(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.driver(t, "top", model.DriverAvailable, 5, 3)
	f.driver(t, "other", model.DriverAvailable, 2, 3)
	f.job(t, "j1", nil)
	_, err := f.eng.Assign(ctx, Request{JobID: "j1"})
	require.NoError(t, err)

	res, err := f.eng.Assign(ctx, Request{JobID: "j1", Reassign: true})
	require.NoError(t, err)
	assert.Equal(t, "other", res.Job.DriverID)
}

func TestAssignRejectsClosedJobs(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.driver(t, "d1", model.DriverAvailable, 4, 3)
	j := f.job(t, "j1", nil)
	j.Status, j.DriverID = model.JobInProgress, "d1"
	_, err := f.mem.UpdateJob(ctx, j, j.Version)
	require.NoError(t, err)

	_, err = f.eng.Assign(ctx, Request{JobID: "j1", DriverID: "d1", Reassign: true})
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

// flakyStore fails the next n AssignJob calls before anything is written.
type flakyStore struct {
	*store.Memory
	n int
}

func (s *flakyStore) AssignJob(ctx context.Context, j model.Job, expectedVersion int, a model.Assignment) (model.Job, model.Assignment, error) {
	if s.n > 0 {
		s.n--
		return model.Job{}, model.Assignment{}, errors.New("connection reset by peer")
	}
	return s.Memory.AssignJob(ctx, j, expectedVersion, a)
}

func TestAssignWriteFailureLeavesJobRetryable(t *testing.T) {
	mem := store.NewMemory()
	fs := &flakyStore{Memory: mem, n: 1}
	p := &recordPlanner{}
	reg := registry.New(fs, nil)
	f := &fixture{mem: mem, idx: geo.NewIndex(nil), planner: p}
	f.eng = NewEngine(Config{}, fs, reg, f.idx, p, zerolog.Nop())
	ctx := context.Background()
	f.driver(t, "d1", model.DriverAvailable, 4, 1)
	f.job(t, "j1", nil)

	_, err := f.eng.Assign(ctx, Request{JobID: "j1", DriverID: "d1"})
	require.Error(t, err)

	j, err := mem.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, j.Status)
	assert.Empty(t, j.DriverID)
	as, err := mem.ListAssignments(ctx, "j1")
	require.NoError(t, err)
	assert.Empty(t, as)
	assert.Empty(t, p.calls)
	d, err := mem.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, model.DriverAvailable, d.Status)

	res, err := f.eng.Assign(ctx, Request{JobID: "j1", DriverID: "d1"})
	require.NoError(t, err)
	assert.Equal(t, Assigned, res.Outcome)
	as, err = mem.ListAssignments(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, as, 1)
	assert.Equal(t, res.Assignment.ID, as[0].ID)
	assert.Equal(t, []planCall{{"add", "d1", "j1"}}, p.calls)
}
