package route

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetdispatch/internal/model"
)

func at(lat, lng float64) *model.LatLng { return &model.LatLng{Lat: lat, Lng: lng} }

func delivery(job string, seq int, loc *model.LatLng) model.Stop {
	return model.Stop{JobID: job, Kind: model.StopDelivery, LoadSeq: seq, Location: loc, OrderPriority: model.OrderAuto, State: model.StopPending}
}

func pickup(job string, seq int, loc *model.LatLng) model.Stop {
	s := delivery(job, seq, loc)
	s.Kind = model.StopPickup
	return s
}

func jobOrder(stops []model.Stop) []string {
	out := make([]string, len(stops))
	for i, s := range stops {
		out[i] = s.Key()
	}
	return out
}

func newOpt() *Optimizer { return NewOptimizer(Config{}, nil) }

func TestOptimizeStrictLIFOReversesLoadOrder(t *testing.T) {
	stops := []model.Stop{
		delivery("A", 1, at(0, 0.01)),
		delivery("B", 2, at(0, 0.02)),
		delivery("C", 3, at(0, 0.03)),
	}
	res, err := newOpt().Optimize(context.Background(), Input{Start: at(0, 0), Stops: stops, Mode: model.ModeStrictLIFO})
	require.NoError(t, err)
	assert.Equal(t, []string{"C/delivery", "B/delivery", "A/delivery"}, jobOrder(res.Stops))
	for i, s := range res.Stops {
		assert.Equal(t, i, s.SequenceIndex)
		require.NotNil(t, s.EstimatedArrival)
	}
	assert.InDelta(t, 100.0, res.EfficiencyScore, 1e-9)
}

func TestOptimizeStrictLIFOPickupsThenDeliveriesLastLoadedFirst(t *testing.T) {
	stops := []model.Stop{
		pickup("A", 1, at(0, 0.03)),
		delivery("A", 1, at(0.01, 0.05)),
		pickup("B", 2, at(0, 0.01)),
		delivery("B", 2, at(0.01, 0.06)),
	}
	res, err := newOpt().Optimize(context.Background(), Input{Start: at(0, 0), Stops: stops, Mode: model.ModeStrictLIFO})
	require.NoError(t, err)
	got := jobOrder(res.Stops)
	require.Len(t, got, 4)
	assert.Equal(t, "pickup", string(res.Stops[0].Kind))
	assert.Equal(t, "pickup", string(res.Stops[1].Kind))
	// whichever job went on last comes off first
	assert.Equal(t, res.Stops[1].JobID, res.Stops[2].JobID)
	assert.Equal(t, res.Stops[0].JobID, res.Stops[3].JobID)
}

func TestOptimizeTrivialRoutes(t *testing.T) {
	o := newOpt()
	res, err := o.Optimize(context.Background(), Input{Start: at(0, 0)})
	require.NoError(t, err)
	assert.Empty(t, res.Stops)
	assert.Equal(t, 100.0, res.EfficiencyScore)

	res, err = o.Optimize(context.Background(), Input{Start: at(0, 0), Stops: []model.Stop{delivery("A", 1, at(0, 0.01))}})
	require.NoError(t, err)
	assert.Len(t, res.Stops, 1)
	assert.Equal(t, 100.0, res.EfficiencyScore)
	assert.Greater(t, res.TotalDistance, 0.0)
}

func TestOptimizeNeverWorseThanNaive(t *testing.T) {
	pts := [][2]float64{{0, 0.05}, {0.02, 0.01}, {0, 0.04}, {0.02, 0.02}, {0, 0.03}, {0.01, 0.015}, {0.03, 0.05}}
	var stops []model.Stop
	for i, p := range pts {
		stops = append(stops, delivery(string(rune('A'+i)), i+1, at(p[0], p[1])))
	}
	for _, mode := range []model.OptimizationMode{model.ModeStrictLIFO, model.ModeBalanced, model.ModeFastest} {
		t.Run(string(mode), func(t *testing.T) {
			res, err := newOpt().Optimize(context.Background(), Input{Start: at(0, 0), Stops: stops, Mode: mode})
			require.NoError(t, err)
			assert.Len(t, res.Stops, len(stops))
			assert.LessOrEqual(t, res.TotalDistance, res.NaiveDistance+1e-6)
			assert.InDelta(t, 100.0, res.EfficiencyScore, 1e-9)
		})
	}
}

func TestOptimizeFastestImprovesZigZag(t *testing.T) {
	stops := []model.Stop{
		delivery("A", 1, at(0, 0.04)),
		delivery("B", 2, at(0, 0.01)),
		delivery("C", 3, at(0, 0.03)),
		delivery("D", 4, at(0, 0.02)),
	}
	res, err := newOpt().Optimize(context.Background(), Input{Start: at(0, 0), Stops: stops, Mode: model.ModeFastest})
	require.NoError(t, err)
	assert.Equal(t, []string{"B/delivery", "D/delivery", "C/delivery", "A/delivery"}, jobOrder(res.Stops))
	assert.Less(t, res.TotalDistance, res.NaiveDistance)
	assert.InDelta(t, 100.0, res.EfficiencyScore, 1e-9)
}

func TestOptimizePickupPrecedesDelivery(t *testing.T) {
	// the delivery is closer to the start than its pickup
	stops := []model.Stop{
		delivery("A", 1, at(0, 0.01)),
		pickup("A", 1, at(0, 0.05)),
		delivery("B", 2, at(0, 0.02)),
	}
	for _, mode := range []model.OptimizationMode{model.ModeBalanced, model.ModeFastest, model.ModeStrictLIFO} {
		res, err := newOpt().Optimize(context.Background(), Input{Start: at(0, 0), Stops: stops, Mode: mode})
		require.NoError(t, err)
		assert.True(t, precedenceOK(res.Stops), "mode %s order %v", mode, jobOrder(res.Stops))
	}
}

func TestOptimizePinsAndMissingCoordinates(t *testing.T) {
	early := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)
	firstLate := delivery("F2", 2, at(0, 0.09))
	firstLate.OrderPriority = model.OrderFirst
	firstLate.ScheduledDate = late
	firstEarly := delivery("F1", 5, at(0, 0.08))
	firstEarly.OrderPriority = model.OrderFirst
	firstEarly.ScheduledDate = early
	lastPinned := delivery("L", 1, at(0, 0.001))
	lastPinned.OrderPriority = model.OrderLast
	missing := delivery("X", 3, nil)

	stops := []model.Stop{missing, lastPinned, delivery("M", 4, at(0, 0.05)), firstLate, firstEarly}
	res, err := newOpt().Optimize(context.Background(), Input{Start: at(0, 0), Stops: stops, Mode: model.ModeFastest})
	require.NoError(t, err)
	assert.Equal(t, []string{"F1/delivery", "F2/delivery", "M/delivery", "L/delivery", "X/delivery"}, jobOrder(res.Stops))
	assert.True(t, res.Stops[4].Unoptimized)
	assert.Nil(t, res.Stops[4].EstimatedArrival)
	assert.False(t, res.Stops[0].Unoptimized)
}

func TestOptimizeETAsIncludeDwell(t *testing.T) {
	depart := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := delivery("A", 1, at(0, 0))
	a.TimeAtStop = 10
	b := delivery("B", 2, at(0, 0))
	res, err := NewOptimizer(Config{AverageSpeedKmh: 36}, nil).Optimize(context.Background(), Input{Start: at(0, 0), Stops: []model.Stop{a, b}, Mode: model.ModeBalanced, DepartAt: depart})
	require.NoError(t, err)
	require.NotNil(t, res.Stops[1].EstimatedArrival)
	assert.Equal(t, depart.Add(10*time.Minute), *res.Stops[1].EstimatedArrival)
	assert.Equal(t, 100.0, res.EfficiencyScore)
}

type fixedLegs time.Duration

func (f fixedLegs) LegDuration(_, _ model.LatLng) (time.Duration, bool) { return time.Duration(f), true }

func TestOptimizeUsesDurationSource(t *testing.T) {
	depart := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	o := NewOptimizer(Config{}, fixedLegs(7*time.Minute))
	res, err := o.Optimize(context.Background(), Input{Start: at(0, 0), Stops: []model.Stop{delivery("A", 1, at(0, 0.01)), delivery("B", 2, at(0, 0.02))}, DepartAt: depart})
	require.NoError(t, err)
	assert.Equal(t, depart.Add(14*time.Minute), *res.Stops[1].EstimatedArrival)
	assert.InDelta(t, 14*60, res.TotalDuration, 1e-6)
}

func TestOptimizeRejectsUnknownMode(t *testing.T) {
	_, err := newOpt().Optimize(context.Background(), Input{Stops: []model.Stop{delivery("A", 1, at(0, 0)), delivery("B", 2, at(0, 1))}, Mode: "scenic"})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestTwoOptIterationCapMarksPartial(t *testing.T) {
	stops := []model.Stop{
		delivery("A", 1, at(0, 0.01)),
		delivery("B", 2, at(0, 0.05)),
		delivery("C", 3, at(0, 0.02)),
		delivery("D", 4, at(0, 0.04)),
		delivery("E", 5, at(0, 0.03)),
	}
	_, iters, partial, err := twoOpt(context.Background(), at(0, 0), stops, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, iters)
	assert.True(t, partial)

	_, _, partial, err = twoOpt(context.Background(), at(0, 0), stops, 100)
	require.NoError(t, err)
	assert.False(t, partial)
}

func TestOptimizeCancelledReturnsBestSoFar(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stops := []model.Stop{
		delivery("A", 1, at(0, 0.01)),
		delivery("B", 2, at(0, 0.05)),
		delivery("C", 3, at(0, 0.02)),
	}
	res, err := newOpt().Optimize(ctx, Input{Start: at(0, 0), Stops: stops, Mode: model.ModeFastest})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, res.Partial)
	assert.Len(t, res.Stops, 3)
}

func TestEvaluateKeepsOrder(t *testing.T) {
	stops := []model.Stop{delivery("B", 2, at(0, 0.02)), delivery("A", 1, at(0, 0.01))}
	res := newOpt().Evaluate(Input{Start: at(0, 0), Stops: stops, Mode: model.ModeBalanced})
	assert.Equal(t, []string{"B/delivery", "A/delivery"}, jobOrder(res.Stops))
	assert.Greater(t, res.EfficiencyScore, 0.0)
	assert.Less(t, res.EfficiencyScore, 100.0)
	assert.InDelta(t, 100*res.NaiveDistance/res.TotalDistance, res.EfficiencyScore, 1e-9)
}

func TestEfficiencyIsOnePercentScale(t *testing.T) {
	o := newOpt()
	empty := o.Evaluate(Input{Start: at(0, 0)})
	single := o.Evaluate(Input{Start: at(0, 0), Stops: []model.Stop{delivery("A", 1, at(0, 0.01))}})
	inOrder := o.Evaluate(Input{Start: at(0, 0), Stops: []model.Stop{delivery("A", 1, at(0, 0.01)), delivery("B", 2, at(0, 0.02))}, Mode: model.ModeBalanced})
	assert.Equal(t, 100.0, empty.EfficiencyScore)
	assert.Equal(t, 100.0, single.EfficiencyScore)
	assert.InDelta(t, 100.0, inOrder.EfficiencyScore, 1e-9)

	assert.Equal(t, 100.0, efficiency(0, 0))
	assert.Equal(t, 100.0, efficiency(10, 10))
	assert.Equal(t, 100.0, efficiency(30, 10))
	assert.InDelta(t, 50.0, efficiency(10, 20), 1e-9)
}
