package sweep

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetdispatch/internal/alert"
)

type countSweeper struct {
	alerts, eta atomic.Int64
}

func (c *countSweeper) SweepAlerts(context.Context) (alert.SweepReport, error) {
	c.alerts.Add(1)
	return alert.SweepReport{}, nil
}

func (c *countSweeper) SweepETA(context.Context) (int, error) {
	c.eta.Add(1)
	return 0, nil
}

func TestConfigValidate(t *testing.T) {
	c := Config{}
	c.SetDefaults()
	require.NoError(t, c.Validate())

	c.AlertSchedule = "every minute"
	assert.Error(t, c.Validate())

	c = Config{AlertSchedule: "*/5 * * * *", ETASchedule: "@every 10s"}
	assert.NoError(t, c.Validate())
}

func TestSchedulerRunsBothSweeps(t *testing.T) {
	sw := &countSweeper{}
	s, err := NewScheduler(Config{AlertSchedule: "@every 1s", ETASchedule: "@every 1s"}, sw, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return sw.alerts.Load() > 0 && sw.eta.Load() > 0
	}, 3*time.Second, 50*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, sw.alerts.Load(), s.alertRuns.Load())
}

func TestNewSchedulerRejectsBadSchedule(t *testing.T) {
	_, err := NewScheduler(Config{AlertSchedule: "nope"}, &countSweeper{}, zerolog.Nop())
	assert.Error(t, err)
}
