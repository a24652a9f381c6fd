package route

import (
	"context"
	"sync"
	"sync/atomic"
)

// Ticket identifies one optimization attempt for a driver.
type Ticket struct {
	DriverID string
	gen      uint64
}

// Coordinator tracks the latest optimization request per driver. Starting a
// new one cancels the previous context; only the latest ticket may commit.
type Coordinator struct {
	seq     atomic.Uint64
	mu      sync.Mutex
	latest  map[string]uint64
	cancels map[string]context.CancelFunc
}

func NewCoordinator() *Coordinator {
	return &Coordinator{latest: map[string]uint64{}, cancels: map[string]context.CancelFunc{}}
}

// Begin supersedes any in-flight attempt for driverID. Callers must call
// Done with the returned ticket.
func (c *Coordinator) Begin(ctx context.Context, driverID string) (context.Context, Ticket) {
	gen := c.seq.Add(1)
	cctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if prev, ok := c.cancels[driverID]; ok {
		prev()
	}
	c.latest[driverID] = gen
	c.cancels[driverID] = cancel
	c.mu.Unlock()
	return cctx, Ticket{DriverID: driverID, gen: gen}
}

// Current reports whether t is still the newest attempt for its driver.
func (c *Coordinator) Current(t Ticket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest[t.DriverID] == t.gen
}

// Done releases t. The newest ticket clears the driver's entry; older ones
// were already cancelled by Begin.
func (c *Coordinator) Done(t Ticket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest[t.DriverID] != t.gen {
		return
	}
	if cancel, ok := c.cancels[t.DriverID]; ok {
		cancel()
	}
	delete(c.cancels, t.DriverID)
	delete(c.latest, t.DriverID)
}

// InFlight returns the number of drivers with an attempt in progress.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.latest)
}
