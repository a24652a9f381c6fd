// Package route orders a driver's active stops and keeps concurrent
// optimizations for the same driver from overwriting each other.
package route

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"fleetdispatch/internal/geo"
	"fleetdispatch/internal/model"
)

type Config struct {
	Mode             model.OptimizationMode `json:"mode"`
	AverageSpeedKmh  float64                `json:"average_speed_kmh"`
	TwoOptIterations int                    `json:"two_opt_iterations"`
	LIFOWeightKm     float64                `json:"lifo_weight_km"`
	OptimizeTimeout  time.Duration          `json:"optimize_timeout"`
}

func (c *Config) SetDefaults() {
	if c.Mode == "" {
		c.Mode = model.ModeBalanced
	}
	if c.AverageSpeedKmh <= 0 {
		c.AverageSpeedKmh = 30
	}
	if c.TwoOptIterations <= 0 {
		c.TwoOptIterations = 50
	}
	if c.LIFOWeightKm <= 0 {
		c.LIFOWeightKm = 0.5
	}
	if c.OptimizeTimeout <= 0 {
		c.OptimizeTimeout = 2 * time.Second
	}
}

func (c Config) Validate() error {
	if !c.Mode.Valid() {
		return fmt.Errorf("route.mode %q: %w", c.Mode, model.ErrInvalidInput)
	}
	return nil
}

// DurationSource supplies externally estimated drive times per leg. A false
// second return falls back to distance over average speed.
type DurationSource interface {
	LegDuration(from, to model.LatLng) (time.Duration, bool)
}

type Input struct {
	Start    *model.LatLng
	Stops    []model.Stop
	Mode     model.OptimizationMode
	DepartAt time.Time
}

type Result struct {
	Stops           []model.Stop `json:"stops"`
	TotalDistance   float64      `json:"totalDistance"` // meters
	TotalDuration   float64      `json:"totalDuration"` // seconds of driving
	NaiveDistance   float64      `json:"naiveDistance"`
	EfficiencyScore float64      `json:"efficiencyScore"`
	Partial         bool         `json:"partial"`
	Iterations      int          `json:"iterations"`
}

type Optimizer struct {
	cfg       Config
	durations DurationSource
}

func NewOptimizer(cfg Config, durations DurationSource) *Optimizer {
	cfg.SetDefaults()
	return &Optimizer{cfg: cfg, durations: durations}
}

func (o *Optimizer) Config() Config { return o.cfg }

// Optimize re-sequences the stops. Pinned first/last stops keep their ends,
// stops without coordinates go to the very end flagged unoptimized, and the
// result is never longer than the naive sequential order. Hitting the 2-opt
// cap yields Partial; a cancelled ctx returns the best order so far and the
// context error.
func (o *Optimizer) Optimize(ctx context.Context, in Input) (Result, error) {
	mode := in.Mode
	if mode == "" {
		mode = o.cfg.Mode
	}
	if !mode.Valid() {
		return Result{}, fmt.Errorf("optimization mode %q: %w", mode, model.ErrInvalidInput)
	}
	if len(in.Stops) <= 1 {
		res := o.measure(in.Start, in.Stops, in.DepartAt)
		res.NaiveDistance = res.TotalDistance
		res.EfficiencyScore = efficiency(res.NaiveDistance, res.TotalDistance)
		return res, nil
	}

	first, middle, last, loose := partition(in.Stops)
	from := in.Start
	if len(first) > 0 {
		from = first[len(first)-1].Location
	}

	var ordered []model.Stop
	var partial bool
	var iters int
	var ctxErr error
	switch mode {
	case model.ModeStrictLIFO:
		ordered = lifoOrder(from, middle)
	case model.ModeBalanced:
		ordered = balancedOrder(from, middle, o.cfg.LIFOWeightKm)
	case model.ModeFastest:
		ordered = nearestNeighbor(from, middle)
		ordered, iters, partial, ctxErr = twoOpt(ctx, from, ordered, o.cfg.TwoOptIterations)
	}

	naiveMiddle := naiveOrder(middle, mode)
	candidate := concat(first, ordered, last)
	naive := concat(first, naiveMiddle, last)
	optDist := pathMeters(in.Start, candidate)
	naiveDist := pathMeters(in.Start, naive)
	if naiveDist < optDist {
		candidate, optDist = naive, naiveDist
	}

	for i := range loose {
		loose[i].Unoptimized = true
		loose[i].EstimatedArrival = nil
	}
	res := o.measure(in.Start, append(candidate, loose...), in.DepartAt)
	res.NaiveDistance = naiveDist
	res.EfficiencyScore = efficiency(naiveDist, optDist)
	res.Partial = partial || ctxErr != nil
	res.Iterations = iters
	if ctxErr != nil {
		return res, fmt.Errorf("optimize: %w", ctxErr)
	}
	return res, nil
}

// Evaluate measures stops in the given order without re-sequencing, scoring
// it against the naive order for mode.
func (o *Optimizer) Evaluate(in Input) Result {
	res := o.measure(in.Start, in.Stops, in.DepartAt)
	if len(in.Stops) <= 1 {
		res.NaiveDistance = res.TotalDistance
		res.EfficiencyScore = efficiency(res.NaiveDistance, res.TotalDistance)
		return res
	}
	mode := in.Mode
	if !mode.Valid() {
		mode = o.cfg.Mode
	}
	first, middle, last, _ := partition(in.Stops)
	res.NaiveDistance = pathMeters(in.Start, concat(first, naiveOrder(middle, mode), last))
	res.EfficiencyScore = efficiency(res.NaiveDistance, res.TotalDistance)
	return res
}

// efficiency scores a stop order as a percentage: naive distance over the
// order's distance, times 100, capped at 100. An order no longer than the
// naive sequence scores 100, as do routes with no distance to cover.
// Optimize never returns an order longer than naive, so its results always
// score 100; Evaluate drops below 100 for hand-ordered routes that are.
func efficiency(naive, optimized float64) float64 {
	if optimized <= 0 {
		return 100
	}
	return math.Min(100, 100*naive/optimized)
}

// measure assigns sequence indexes and ETAs, and sums distance and drive time
// over stops with coordinates.
func (o *Optimizer) measure(start *model.LatLng, stops []model.Stop, depart time.Time) Result {
	out := make([]model.Stop, len(stops))
	copy(out, stops)
	if depart.IsZero() {
		depart = time.Now()
	}
	res := Result{Stops: out}
	t := depart
	prev := start
	for i := range out {
		out[i].SequenceIndex = i
		if out[i].Location == nil {
			out[i].Unoptimized = true
			out[i].EstimatedArrival = nil
			continue
		}
		if prev != nil {
			d := geo.HaversineMeters(*prev, *out[i].Location)
			leg := o.legDuration(*prev, *out[i].Location, d)
			res.TotalDistance += d
			res.TotalDuration += leg.Seconds()
			t = t.Add(leg)
		}
		if out[i].State != model.StopArrived {
			eta := t.UTC()
			out[i].EstimatedArrival = &eta
			out[i].ETAStale = false
		}
		t = t.Add(time.Duration(out[i].TimeAtStop) * time.Minute)
		prev = out[i].Location
	}
	return res
}

func (o *Optimizer) legDuration(a, b model.LatLng, meters float64) time.Duration {
	if o.durations != nil {
		if d, ok := o.durations.LegDuration(a, b); ok {
			return d
		}
	}
	mps := o.cfg.AverageSpeedKmh / 3.6
	return time.Duration(meters / mps * float64(time.Second))
}

// partition splits stops into pinned-first, free, pinned-last and stops
// without coordinates. Pinned groups are sorted by scheduled date, then load
// order, pickups before deliveries.
func partition(stops []model.Stop) (first, middle, last, loose []model.Stop) {
	for _, s := range stops {
		switch {
		case s.Location == nil:
			loose = append(loose, s)
		case s.OrderPriority == model.OrderFirst:
			first = append(first, s)
		case s.OrderPriority == model.OrderLast:
			last = append(last, s)
		default:
			middle = append(middle, s)
		}
	}
	byDate := func(g []model.Stop) {
		sort.SliceStable(g, func(i, j int) bool {
			a, b := g[i], g[j]
			if !a.ScheduledDate.Equal(b.ScheduledDate) {
				return a.ScheduledDate.Before(b.ScheduledDate)
			}
			if a.LoadSeq != b.LoadSeq {
				return a.LoadSeq < b.LoadSeq
			}
			return a.Kind == model.StopPickup && b.Kind != model.StopPickup
		})
	}
	byDate(first)
	byDate(last)
	return
}

func concat(parts ...[]model.Stop) []model.Stop {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]model.Stop, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func pathMeters(start *model.LatLng, stops []model.Stop) float64 {
	total := 0.0
	prev := start
	for _, s := range stops {
		if s.Location == nil {
			continue
		}
		if prev != nil {
			total += geo.HaversineMeters(*prev, *s.Location)
		}
		prev = s.Location
	}
	return total
}

func byLoad(stops []model.Stop) []model.Stop {
	out := append([]model.Stop(nil), stops...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LoadSeq != out[j].LoadSeq {
			return out[i].LoadSeq < out[j].LoadSeq
		}
		return out[i].Kind == model.StopPickup && out[j].Kind != model.StopPickup
	})
	return out
}

// pickupsPending reports which jobs still have a pickup among stops.
func pickupsPending(stops []model.Stop) map[string]bool {
	m := map[string]bool{}
	for _, s := range stops {
		if s.Kind == model.StopPickup {
			m[s.JobID] = true
		}
	}
	return m
}

// naiveOrder is the sequential order the efficiency score is measured
// against: insertion order, or for strictLIFO all pickups in insertion order
// followed by deliveries in reverse load order.
func naiveOrder(stops []model.Stop, mode model.OptimizationMode) []model.Stop {
	seq := byLoad(stops)
	if mode != model.ModeStrictLIFO {
		return seq
	}
	var pickups []model.Stop
	for _, s := range seq {
		if s.Kind == model.StopPickup {
			pickups = append(pickups, s)
		}
	}
	return append(pickups, lifoDeliveries(seq, pickups)...)
}

// loadStack returns job ids in the order they were loaded: jobs without a
// pickup stop are on board from the start in insertion order, then jobs
// picked up along the route in visiting order.
func loadStack(stops []model.Stop, pickupsVisited []model.Stop) []string {
	withPickup := pickupsPending(stops)
	var stack []string
	for _, s := range byLoad(stops) {
		if s.Kind == model.StopDelivery && !withPickup[s.JobID] {
			stack = append(stack, s.JobID)
		}
	}
	for _, p := range pickupsVisited {
		stack = append(stack, p.JobID)
	}
	return stack
}

func lifoDeliveries(stops, pickupsVisited []model.Stop) []model.Stop {
	deliveries := map[string]model.Stop{}
	for _, s := range stops {
		if s.Kind == model.StopDelivery {
			deliveries[s.JobID] = s
		}
	}
	stack := loadStack(stops, pickupsVisited)
	out := make([]model.Stop, 0, len(deliveries))
	for i := len(stack) - 1; i >= 0; i-- {
		if d, ok := deliveries[stack[i]]; ok {
			out = append(out, d)
			delete(deliveries, stack[i])
		}
	}
	return out
}

// lifoOrder visits pickups nearest-first, then delivers strictly last loaded
// first.
func lifoOrder(from *model.LatLng, stops []model.Stop) []model.Stop {
	var pickups []model.Stop
	for _, s := range stops {
		if s.Kind == model.StopPickup {
			pickups = append(pickups, s)
		}
	}
	visited := nearestNeighbor(from, pickups)
	return append(visited, lifoDeliveries(stops, visited)...)
}

// nearestNeighbor greedily picks the closest eligible stop. A delivery is
// eligible once its job's pickup (if on the route) has been visited. Ties and
// an unknown start resolve by load order.
func nearestNeighbor(from *model.LatLng, stops []model.Stop) []model.Stop {
	return greedy(from, stops, func(_ model.Stop, meters float64) float64 { return meters })
}

// balancedOrder adds a penalty per item stacked above a delivery, so burying
// packages costs distance-equivalents.
func balancedOrder(from *model.LatLng, stops []model.Stop, weightKm float64) []model.Stop {
	loaded := loadStack(stops, nil)
	onBoard := map[string]int{}
	for i, id := range loaded {
		onBoard[id] = i
	}
	next := len(loaded)
	var order []model.Stop
	cost := func(s model.Stop, meters float64) float64 {
		if s.Kind != model.StopDelivery {
			return meters
		}
		pos, ok := onBoard[s.JobID]
		if !ok {
			return meters
		}
		above := 0
		for _, p := range onBoard {
			if p > pos {
				above++
			}
		}
		return meters + float64(above)*weightKm*1000
	}
	order = greedyWith(from, stops, cost, func(s model.Stop) {
		switch s.Kind {
		case model.StopPickup:
			onBoard[s.JobID] = next
			next++
		case model.StopDelivery:
			delete(onBoard, s.JobID)
		}
	})
	return order
}

func greedy(from *model.LatLng, stops []model.Stop, cost func(model.Stop, float64) float64) []model.Stop {
	return greedyWith(from, stops, cost, nil)
}

func greedyWith(from *model.LatLng, stops []model.Stop, cost func(model.Stop, float64) float64, visit func(model.Stop)) []model.Stop {
	remaining := byLoad(stops)
	pending := pickupsPending(remaining)
	out := make([]model.Stop, 0, len(remaining))
	cur := from
	for len(remaining) > 0 {
		best := -1
		bestCost := math.Inf(1)
		for i, s := range remaining {
			if s.Kind == model.StopDelivery && pending[s.JobID] {
				continue
			}
			c := 0.0
			if cur != nil {
				c = geo.HaversineMeters(*cur, *s.Location)
			}
			c = cost(s, c)
			if c < bestCost {
				best, bestCost = i, c
			}
		}
		if best < 0 {
			// only deliveries blocked by pickups remain; cannot happen with
			// well-formed input, fall back to load order
			out = append(out, remaining...)
			break
		}
		s := remaining[best]
		remaining = append(remaining[:best], remaining[best+1:]...)
		if s.Kind == model.StopPickup {
			delete(pending, s.JobID)
		}
		if visit != nil {
			visit(s)
		}
		out = append(out, s)
		cur = s.Location
	}
	return out
}

// twoOpt reverses segments while that shortens the path and keeps every
// pickup ahead of its delivery. Each full pass counts as one iteration; a
// pass that still improved when the cap is reached makes the result partial.
func twoOpt(ctx context.Context, from *model.LatLng, stops []model.Stop, maxIter int) ([]model.Stop, int, bool, error) {
	n := len(stops)
	if n < 3 {
		return stops, 0, false, nil
	}
	best := append([]model.Stop(nil), stops...)
	bestDist := pathMeters(from, best)
	it := 0
	for ; it < maxIter; it++ {
		if err := ctx.Err(); err != nil {
			return best, it, true, err
		}
		improved := false
		for i := 0; i < n-1; i++ {
			for k := i + 1; k < n; k++ {
				cand := reverseSegment(best, i, k)
				if !precedenceOK(cand) {
					continue
				}
				if d := pathMeters(from, cand); d+1e-3 < bestDist {
					best, bestDist, improved = cand, d, true
				}
			}
		}
		if !improved {
			return best, it + 1, false, nil
		}
	}
	return best, it, true, nil
}

func reverseSegment(ord []model.Stop, i, k int) []model.Stop {
	out := make([]model.Stop, len(ord))
	copy(out, ord[:i])
	pos := i
	for j := k; j >= i; j-- {
		out[pos] = ord[j]
		pos++
	}
	copy(out[pos:], ord[k+1:])
	return out
}

func precedenceOK(stops []model.Stop) bool {
	pending := pickupsPending(stops)
	for _, s := range stops {
		switch s.Kind {
		case model.StopPickup:
			delete(pending, s.JobID)
		case model.StopDelivery:
			if pending[s.JobID] {
				return false
			}
		}
	}
	return true
}
