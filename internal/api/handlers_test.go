package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetdispatch/internal/auth"
	"fleetdispatch/internal/dispatch"
	"fleetdispatch/internal/events"
	"fleetdispatch/internal/store"
)

type testEnv struct {
	svc *dispatch.Service
	h   http.Handler
	srv *Server
}

func newTestServer(t *testing.T, limits RateLimitConfig) *testEnv {
	t.Helper()
	svc, err := dispatch.New(context.Background(), dispatch.Deps{Store: store.NewMemory(), Log: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	v, err := auth.NewVerifier(auth.Config{Mode: "dev"})
	require.NoError(t, err)
	s := NewServer(svc, v, limits, zerolog.Nop())
	t.Cleanup(s.Close)
	return &testEnv{svc: svc, h: s.Handler(), srv: s}
}

// do sends body (nil, []byte or a value to marshal) with the dev role header.
func (e *testEnv) do(t *testing.T, method, path, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if role != "" {
		r, driver, _ := strings.Cut(role, ":")
		req.Header.Set("X-Role", r)
		req.Header.Set("X-Driver-Id", driver)
	}
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func (e *testEnv) seedDriver(t *testing.T, id string, lat, lng float64) {
	t.Helper()
	rr := e.do(t, http.MethodPut, "/v1/drivers/"+id, "admin", map[string]any{
		"status":            "available",
		"performanceScore":  4,
		"maxConcurrentJobs": 2,
		"currentLocation":   map[string]any{"lat": lat, "lng": lng, "timestamp": time.Now().UTC()},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func (e *testEnv) createJob(t *testing.T, lat, lng float64) map[string]any {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/v1/jobs", "dispatcher", map[string]any{
		"customerName":    "Acme",
		"deliveryAddress": "1 Main St",
		"coordinates":     map[string]any{"lat": lat, "lng": lng},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[map[string]any](t, rr)
}

func TestHealthReady(t *testing.T) {
	e := newTestServer(t, RateLimitConfig{})
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/readyz", "", nil).Code)

	rr := e.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "http_requests_total")
}

func TestDebugInfoRequiresAdmin(t *testing.T) {
	e := newTestServer(t, RateLimitConfig{})
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodGet, "/debug/info", "dispatcher", nil).Code)
	rr := e.do(t, http.MethodGet, "/debug/info", "admin", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[map[string]any](t, rr)
	assert.Equal(t, "dev", body["authMode"])
}

func TestCreateJobReturnsTokenOnce(t *testing.T) {
	e := newTestServer(t, RateLimitConfig{})
	j := e.createJob(t, 40.01, -75.0)
	assert.Equal(t, "pending", j["status"])
	token, _ := j["trackingToken"].(string)
	require.NotEmpty(t, token)

	rr := e.do(t, http.MethodGet, "/v1/jobs/"+j["id"].(string), "dispatcher", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), token)

	rr = e.do(t, http.MethodGet, "/v1/track/"+token, "", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/track/nope", "", nil).Code)
}

func TestCreateJobValidationProblem(t *testing.T) {
	e := newTestServer(t, RateLimitConfig{})
	rr := e.do(t, http.MethodPost, "/v1/jobs", "dispatcher", map[string]any{"deliveryAddress": "x"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	p := decode[Problem](t, rr)
	assert.Equal(t, http.StatusBadRequest, p.Status)
	assert.Contains(t, p.Detail, "customerName")

	rr = e.do(t, http.MethodPost, "/v1/jobs", "dispatcher", []byte(`{"customerName":"a","bogus":1}`))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodPost, "/v1/jobs", "driver:d1", map[string]any{}).Code)
}

func TestAssignAndLifecycleOverHTTP(t *testing.T) {
	e := newTestServer(t, RateLimitConfig{})
	e.seedDriver(t, "d1", 40.0, -75.0)
	e.seedDriver(t, "d2", 40.0, -75.0)
	j := e.createJob(t, 40.01, -75.0)
	id := j["id"].(string)

	rr := e.do(t, http.MethodGet, "/v1/jobs/"+id+"/suggestions", "dispatcher", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, decode[map[string][]any](t, rr)["items"])

	rr = e.do(t, http.MethodPost, "/v1/jobs/"+id+"/assign", "dispatcher", map[string]any{"driverId": "d1"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decode[map[string]any](t, rr)
	assert.Equal(t, "assigned", res["outcome"])

	rr = e.do(t, http.MethodPost, "/v1/jobs/"+id+"/assign", "dispatcher", map[string]any{"driverId": "d1"})
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "already_assigned", decode[map[string]any](t, rr)["outcome"])

	// another driver may neither read nor start it
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodGet, "/v1/jobs/"+id, "driver:d2", nil).Code)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodPost, "/v1/jobs/"+id+"/start", "driver:d2", nil).Code)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodPost, "/v1/jobs/"+id+"/cancel", "driver:d1", nil).Code)

	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/v1/jobs/"+id+"/complete", "driver:d1", nil).Code)

	rr = e.do(t, http.MethodPost, "/v1/jobs/"+id+"/start", "driver:d1", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "in_progress", decode[map[string]any](t, rr)["status"])

	rr = e.do(t, http.MethodPost, "/v1/jobs/"+id+"/complete", "driver:d1", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "completed", decode[map[string]any](t, rr)["status"])

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/v1/jobs/"+id+"/explode", "dispatcher", nil).Code)

	rr = e.do(t, http.MethodGet, "/v1/jobs/"+id+"/assignments", "dispatcher", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[map[string][]any](t, rr)["items"], 1)

	rr = e.do(t, http.MethodGet, "/v1/jobs?status=completed", "dispatcher", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[map[string]any](t, rr)["items"], 1)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/jobs?status=lost", "dispatcher", nil).Code)
}

func TestPingsSingleAndBatch(t *testing.T) {
	e := newTestServer(t, RateLimitConfig{})
	e.seedDriver(t, "d1", 40.0, -75.0)
	now := time.Now().UTC()

	rr := e.do(t, http.MethodPost, "/v1/pings", "driver:d1", map[string]any{"driverId": "d1", "lat": 40.001, "lng": -75.0, "timestamp": now})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.Equal(t, true, decode[map[string]any](t, rr)["accepted"])

	rr = e.do(t, http.MethodPost, "/v1/pings", "driver:d1", map[string]any{"driverId": "d1", "lat": 40.0, "lng": -75.0, "timestamp": now.Add(-time.Minute)})
	require.Equal(t, http.StatusAccepted, rr.Code)
	single := decode[map[string]any](t, rr)
	assert.Equal(t, false, single["accepted"])
	assert.Contains(t, single["reason"], "stale")

	batch := []map[string]any{
		{"driverId": "d1", "lat": 40.002, "lng": -75.0, "timestamp": now.Add(time.Second)},
		{"driverId": "d1", "lat": 40.003, "lng": -75.0, "timestamp": now.Add(2 * time.Second)},
	}
	rr = e.do(t, http.MethodPost, "/v1/pings", "driver:d1", batch)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	results := decode[map[string][]pingResult](t, rr)["results"]
	require.Len(t, results, 2)
	assert.True(t, results[0].Accepted)
	assert.True(t, results[1].Accepted)

	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodPost, "/v1/pings", "driver:d2", map[string]any{"driverId": "d1", "lat": 1, "lng": 1, "timestamp": now}).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/v1/pings", "admin", map[string]any{"driverId": "ghost", "lat": 1, "lng": 1, "timestamp": now}).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/pings", "admin", []byte(`{"driverId":`)).Code)
}

func TestPingsRateLimited(t *testing.T) {
	e := newTestServer(t, RateLimitConfig{RPS: 1, Burst: 1})
	e.seedDriver(t, "d1", 40.0, -75.0)
	now := time.Now().UTC()
	first := e.do(t, http.MethodPost, "/v1/pings", "driver:d1", map[string]any{"driverId": "d1", "lat": 40.0, "lng": -75.0, "timestamp": now})
	require.Equal(t, http.StatusAccepted, first.Code)
	second := e.do(t, http.MethodPost, "/v1/pings", "driver:d1", map[string]any{"driverId": "d1", "lat": 40.0, "lng": -75.0, "timestamp": now.Add(time.Second)})
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
}

func TestOptimizeAndApplyOverHTTP(t *testing.T) {
	e := newTestServer(t, RateLimitConfig{})
	e.seedDriver(t, "d1", 40.0, -75.0)
	for _, lat := range []float64{40.03, 40.01, 40.02} {
		j := e.createJob(t, lat, -75.0)
		rr := e.do(t, http.MethodPost, "/v1/jobs/"+j["id"].(string)+"/assign", "dispatcher", map[string]any{"driverId": "d1"})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}

	rr := e.do(t, http.MethodPost, "/v1/routes/optimize", "dispatcher", map[string]any{"driverIds": []string{"d1"}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	opt := decode[map[string][]dispatch.OptimizedRoute](t, rr)["optimizedRoutes"]
	require.Len(t, opt, 1)
	require.Len(t, opt[0].Stops, 3)

	keys := make([]string, 0, len(opt[0].Stops))
	for _, st := range opt[0].Stops {
		keys = append(keys, st.Key())
	}
	apply := map[string]any{"routes": []map[string]any{{
		"driverId":     "d1",
		"day":          opt[0].Day,
		"routeVersion": opt[0].RouteVersion,
		"stops":        keys,
	}}}
	rr = e.do(t, http.MethodPost, "/v1/routes/apply-optimized", "dispatcher", apply)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	// the same preview is now stale
	rr = e.do(t, http.MethodPost, "/v1/routes/apply-optimized", "dispatcher", apply)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = e.do(t, http.MethodGet, "/v1/drivers/d1/route", "driver:d1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodGet, "/v1/drivers/d1/route", "driver:d2", nil).Code)

	rr = e.do(t, http.MethodPost, "/v1/drivers/d1/reoptimize", "dispatcher", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = e.do(t, http.MethodGet, "/v1/routes", "dispatcher", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[map[string][]any](t, rr)["items"], 1)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/routes/optimize", "dispatcher", map[string]any{"mode": "teleport"}).Code)
}

func TestZonesOverHTTP(t *testing.T) {
	e := newTestServer(t, RateLimitConfig{})
	zone := map[string]any{
		"id":      "z1",
		"name":    "Center",
		"polygon": []map[string]float64{{"lat": 39.9, "lng": -75.1}, {"lat": 39.9, "lng": -74.9}, {"lat": 40.1, "lng": -74.9}, {"lat": 40.1, "lng": -75.1}},
	}
	rr := e.do(t, http.MethodPost, "/v1/zones", "dispatcher", zone)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = e.do(t, http.MethodGet, "/v1/zones/resolve?lat=40&lng=-75", "dispatcher", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "z1", decode[map[string]any](t, rr)["id"])

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/zones/resolve?lat=45&lng=-75", "dispatcher", nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/zones/resolve?lat=abc&lng=-75", "dispatcher", nil).Code)

	zone["polygon"] = []map[string]float64{{"lat": 1, "lng": 1}}
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPut, "/v1/zones/z1", "dispatcher", zone).Code)

	assert.Equal(t, http.StatusNoContent, e.do(t, http.MethodDelete, "/v1/zones/z1", "dispatcher", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/zones/z1", "dispatcher", nil).Code)
}

func TestDriverStatusAndShift(t *testing.T) {
	e := newTestServer(t, RateLimitConfig{})
	e.seedDriver(t, "d1", 40.0, -75.0)

	rr := e.do(t, http.MethodPost, "/v1/drivers/d1/status", "driver:d1", map[string]any{"status": "on_break"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "on_break", decode[map[string]any](t, rr)["status"])

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/drivers/d1/status", "driver:d1", map[string]any{"status": "napping"}).Code)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodPost, "/v1/drivers/d1/status", "driver:d2", map[string]any{"status": "available"}).Code)

	rr = e.do(t, http.MethodPost, "/v1/drivers/d1/shift/end", "driver:d1", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "offline", decode[map[string]any](t, rr)["status"])

	rr = e.do(t, http.MethodGet, "/v1/drivers?status=offline", "dispatcher", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[map[string][]any](t, rr)["items"], 1)
}

func TestAlertsAndSweeps(t *testing.T) {
	e := newTestServer(t, RateLimitConfig{})
	rr := e.do(t, http.MethodPost, "/v1/admin/sweeps/alerts", "admin", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rr = e.do(t, http.MethodPost, "/v1/admin/sweeps/eta", "admin", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 0, decode[map[string]float64](t, rr)["markedStale"])

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/v1/admin/sweeps/laundry", "admin", nil).Code)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodPost, "/v1/admin/sweeps/alerts", "dispatcher", nil).Code)

	rr = e.do(t, http.MethodGet, "/v1/alerts?open=true", "dispatcher", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/alerts?type=meteor", "dispatcher", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPut, "/v1/alerts/nope/read", "dispatcher", nil).Code)

	rr = e.do(t, http.MethodGet, "/v1/admin/webhook-deliveries?status=failed", "admin", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/admin/webhook-deliveries?status=lost", "admin", nil).Code)
}

func TestDriverEventsStream(t *testing.T) {
	e := newTestServer(t, RateLimitConfig{})
	e.seedDriver(t, "d1", 40.0, -75.0)
	ts := httptest.NewServer(e.h)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/drivers/d1/events/stream", nil)
	require.NoError(t, err)
	req.Header.Set("X-Role", "driver")
	req.Header.Set("X-Driver-Id", "d1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	require.True(t, sc.Scan())
	assert.Equal(t, "event: heartbeat", sc.Text())

	e.svc.Broker().Publish(events.DriverTopic("d1"), events.New(events.DriverTopic("d1"), events.JobStatus, map[string]string{"jobId": "j1"}))
	var seen bool
	for sc.Scan() {
		if sc.Text() == "event: "+events.JobStatus {
			seen = true
			break
		}
	}
	assert.True(t, seen)
}

func TestWebSocketSubscriptions(t *testing.T) {
	e := newTestServer(t, RateLimitConfig{})
	ts := httptest.NewServer(e.h)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "connection_init", Payload: json.RawMessage(`{"authorization":"Bearer driver:d1"}`)}))
	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "connection_ack", msg.Type)

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "subscribe", ID: "a", Payload: json.RawMessage(`{"topic":"alerts"}`)}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, "a", msg.ID)
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "complete", msg.Type)

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "subscribe", ID: "b", Payload: json.RawMessage(`{"topic":"driver:d1"}`)}))
	topic := events.DriverTopic("d1")
	require.Eventually(t, func() bool {
		return e.svc.Broker().(*events.MemoryBroker).Subscribers(topic) == 1
	}, 2*time.Second, 10*time.Millisecond)
	e.svc.Broker().Publish(topic, events.New(topic, events.ETAUpdated, map[string]int{"n": 1}))

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "next", msg.Type)
	assert.Equal(t, "b", msg.ID)
	var evt events.Event
	require.NoError(t, json.Unmarshal(msg.Payload, &evt))
	assert.Equal(t, events.ETAUpdated, evt.Type)

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "ping"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "pong", msg.Type)
}
