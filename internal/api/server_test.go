package api

import (
	"bytes"
	"context"
	"devicefleet/internal/broker"
	"devicefleet/internal/directory"
	"devicefleet/internal/fleetsync"
	"devicefleet/internal/health"
	"devicefleet/internal/history"
	"devicefleet/internal/tasks"
	"devicefleet/internal/worker"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePool struct {
	status map[string]worker.State
	stats  worker.Stats
}

func (p fakePool) Status() map[string]worker.State { return p.status }
func (p fakePool) Stats() worker.Stats             { return p.stats }

type fakeHistory struct {
	entries []history.Entry
	limit   int
}

func (h *fakeHistory) List(_ context.Context, _ string, limit int) ([]history.Entry, error) {
	h.limit = limit
	return h.entries, nil
}

type fakeHealth struct{}

func (fakeHealth) Running() bool { return true }

func (fakeHealth) CheckAll(_ context.Context, endpoints []directory.Endpoint) []health.Result {
	out := make([]health.Result, 0, len(endpoints))
	for _, ep := range endpoints {
		r := health.Result{EndpointID: ep.ID, Alias: ep.Alias, Healthy: ep.Alias == "cel01"}
		if !r.Healthy {
			r.Err = health.ErrLivenessTimeout
		}
		out = append(out, r)
	}
	return out
}

func (fakeHealth) Reconnect(_ context.Context, ep directory.Endpoint) error {
	if ep.Status == directory.StatusOffline {
		return health.ErrReconnectExhausted
	}
	return nil
}

type fakeFleet struct {
	aliases map[string]string
	mu      sync.Mutex
	syncs   int
}

func (f *fakeFleet) Resolve(alias string) (string, bool) {
	id, ok := f.aliases[alias]
	return id, ok
}

func (f *fakeFleet) Sync(context.Context, bool) (fleetsync.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	return fleetsync.Result{}, nil
}

func (f *fakeFleet) Syncs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncs
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	srv    *httptest.Server
	broker *broker.RedisBroker
	dir    *directory.Store
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	b := broker.NewRedisBrokerFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = b.Close() })

	dir, err := directory.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = dir.Close() })
	require.NoError(t, dir.Upsert(context.Background(),
		directory.Endpoint{ID: "emulator-5554", Alias: "cel01", Width: 720, Height: 1600, Model: "Pixel", Status: directory.StatusOnline},
		directory.Endpoint{ID: "emulator-5556", Alias: "cel02", Width: 1080, Height: 2400, Status: directory.StatusOnline},
		directory.Endpoint{ID: "emulator-5558", Alias: "cel03", Status: directory.StatusOffline},
	))

	pool := fakePool{
		status: map[string]worker.State{"cel01": worker.StateBusy},
		stats:  worker.Stats{TotalProcessed: 4, TotalSuccess: 3, TotalFailed: 1},
	}
	server := NewServer(b, pool, dir, opts...)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, broker: b, dir: dir}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))

	resp = f.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateAndGetTask(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/task", map[string]any{
		"endpoint": "cel01",
		"action":   "send_text",
		"payload":  map[string]string{"number": "5511999990000", "text": "oi"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[CreateTaskResponse](t, resp)
	require.NotNil(t, created.Task)
	assert.Equal(t, tasks.StatePending, created.Task.State)
	assert.EqualValues(t, 1, created.QueuePosition)

	resp = f.do(t, http.MethodGet, "/task/"+created.Task.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[tasks.Task](t, resp)
	assert.Equal(t, "cel01", got.Endpoint)
	assert.JSONEq(t, `{"number":"5511999990000","text":"oi"}`, string(got.Payload))
}

func TestCreateTask_Validation(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/task", map[string]any{"endpoint": "cel01"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/task", bytes.NewBufferString("{"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestGetTask_NotFound(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/task/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSendText_Wait(t *testing.T) {
	f := newFixture(t, WithWait(10*time.Millisecond, 2*time.Second))
	ctx := context.Background()

	go func() {
		// stand-in worker: complete whatever lands on cel02
		for i := 0; i < 200; i++ {
			task, err := f.broker.DequeueNext(ctx, "cel02")
			if err == nil {
				_ = f.broker.Complete(ctx, task.ID, map[string]bool{"sent": true})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	resp := f.do(t, http.MethodPost, "/message/sendText/cel02?wait=true", SendTextRequest{Number: "5511999990000", Text: "oi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	task := decode[tasks.Task](t, resp)
	assert.Equal(t, tasks.StateCompleted, task.State)
	assert.Equal(t, "send_text", task.Action)
	assert.JSONEq(t, `{"sent":true}`, string(task.Result))
}

func TestSendText_WaitTimeout(t *testing.T) {
	f := newFixture(t, WithWait(10*time.Millisecond, 50*time.Millisecond))

	resp := f.do(t, http.MethodPost, "/message/sendText/cel02?wait=true", SendTextRequest{Number: "5511999990000", Text: "oi"})
	require.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.NotEmpty(t, body.TaskID)
}

func TestSendText_Accepted(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/message/sendText/cel02", SendTextRequest{Number: "5511999990000", Text: "oi"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/message/sendText/cel02", SendTextRequest{Number: "5511999990000"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueueEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.broker.Enqueue(ctx, "cel01", "send_text", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = f.broker.Enqueue(ctx, "cel01", "send_text", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = f.broker.Enqueue(ctx, "cel01", "send_text", json.RawMessage(`{}`))
	require.NoError(t, err)

	leased, err := f.broker.DequeueNext(ctx, "cel01")
	require.NoError(t, err)
	require.Equal(t, first.ID, leased.ID)
	require.NoError(t, f.broker.IncrementCounters(ctx, "cel01"))

	resp := f.do(t, http.MethodGet, "/queue/cel01", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summary := decode[QueueSummaryResponse](t, resp)
	assert.EqualValues(t, 2, summary.Pending)
	assert.Equal(t, first.ID, summary.Processing)
	assert.Equal(t, "busy", summary.Worker)
	assert.EqualValues(t, 1, summary.Today)
	assert.EqualValues(t, 1, summary.Total)

	resp = f.do(t, http.MethodGet, "/queue/cel01/tasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pending := decode[ListPendingResponse](t, resp)
	assert.Equal(t, 2, pending.Count)

	resp = f.do(t, http.MethodDelete, "/queue/cel01", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cleared := decode[ClearQueueResponse](t, resp)
	assert.Equal(t, 2, cleared.Removed)

	n, err := f.broker.QueueLength(ctx, "cel01")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	_, err := f.broker.Enqueue(context.Background(), "cel02", "send_text", json.RawMessage(`{}`))
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[StatusResponse](t, resp)

	assert.Equal(t, "ok", status.Status)
	assert.EqualValues(t, 4, status.Stats.TotalProcessed)
	require.Len(t, status.Devices, 2, "offline endpoints are not listed")
	assert.Equal(t, "busy", status.Devices["cel01"].Worker)
	assert.Equal(t, "stopped", status.Devices["cel02"].Worker)
	assert.EqualValues(t, 1, status.Devices["cel02"].Pending)
	assert.Equal(t, "1080x2400", status.Devices["cel02"].Resolution)
}

func TestDevices(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/devices", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[ListDevicesResponse](t, resp)
	assert.Len(t, list.Devices, 3)
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/health-check", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	f = newFixture(t, WithHealth(fakeHealth{}))
	resp = f.do(t, http.MethodGet, "/health-check", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hc := decode[HealthCheckResponse](t, resp)
	assert.True(t, hc.Running)
	assert.Equal(t, 2, hc.Total)
	assert.Equal(t, 1, hc.Healthy)
	assert.Equal(t, 1, hc.Unhealthy)
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/queue/cel01/history", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	h := &fakeHistory{entries: []history.Entry{{ID: "t1", Endpoint: "cel01", Status: tasks.StateCompleted}}}
	f = newFixture(t, WithHistory(h))
	resp = f.do(t, http.MethodGet, "/queue/cel01/history?limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[HistoryResponse](t, resp)
	assert.Len(t, body.Entries, 1)
	assert.Equal(t, 5, h.limit)
}

func TestEventLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.broker.AppendEventLog(ctx, "first"))
	require.NoError(t, f.broker.AppendEventLog(ctx, "second"))

	resp := f.do(t, http.MethodGet, "/events/logs?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[EventLogResponse](t, resp)
	require.Len(t, body.Logs, 1)
	assert.Contains(t, body.Logs[0], "second")
}

func TestRequestIDPropagated(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, "req-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-123", resp.Header.Get(requestIDHeader))
}

func TestReadyz_StorageDown(t *testing.T) {
	mr := miniredis.RunT(t)
	b := broker.NewRedisBrokerFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	dir, err := directory.Open(":memory:")
	require.NoError(t, err)
	defer dir.Close()
	mr.Close()

	logs := &lockedBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))
	srv := httptest.NewServer(NewServer(b, fakePool{}, dir, WithLogger(logger)).Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/readyz", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, "req-503")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, logs.String(), `"msg":"not ready","request_id":"req-503"`)

	_, err = b.GetTask(context.Background(), "x")
	assert.True(t, errors.Is(err, tasks.ErrStorageUnavailable))
}

func TestDeviceStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for range 2 {
		_, err := f.broker.Enqueue(ctx, "cel01", "send_text", json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	require.NoError(t, f.broker.IncrementCounters(ctx, "cel01"))

	resp := f.do(t, http.MethodGet, "/device/cel01/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[DeviceStatsResponse](t, resp)
	assert.Equal(t, "emulator-5554", stats.ID)
	assert.Equal(t, "busy", stats.Worker)
	assert.EqualValues(t, 2, stats.QueueLength)
	assert.EqualValues(t, 1, stats.Today)
	assert.EqualValues(t, 1, stats.Total)
	assert.EqualValues(t, 4, stats.Stats.TotalProcessed)

	resp = f.do(t, http.MethodGet, "/device/cel99/stats", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeviceStats_OnlyLiveAliasesWithFleet(t *testing.T) {
	f := newFixture(t, WithFleet(&fakeFleet{aliases: map[string]string{"cel02": "emulator-5556"}}))

	resp := f.do(t, http.MethodGet, "/device/cel02/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "emulator-5556", decode[DeviceStatsResponse](t, resp).ID)

	resp = f.do(t, http.MethodGet, "/device/cel01/stats", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "cel01 is in the directory but not connected")
}

func TestDevicePending(t *testing.T) {
	f := newFixture(t)
	_, err := f.broker.Enqueue(context.Background(), "cel02", "send_text", json.RawMessage(`{"number":"1"}`))
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/device/cel02/pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[ListPendingResponse](t, resp)
	assert.Equal(t, "cel02", body.Alias)
	assert.Equal(t, 1, body.Count)

	resp = f.do(t, http.MethodGet, "/device/cel99/pending", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReconnect(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/device/emulator-5554/reconnect", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	fleet := &fakeFleet{}
	f = newFixture(t, WithHealth(fakeHealth{}), WithFleet(fleet))

	resp = f.do(t, http.MethodPost, "/device/emulator-5554/reconnect", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[DeviceActionResponse](t, resp)
	assert.Equal(t, "cel01", body.Alias)
	assert.Equal(t, "ONLINE", body.Status)
	assert.Equal(t, 1, fleet.Syncs())

	resp = f.do(t, http.MethodPost, "/device/emulator-5558/reconnect", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, 1, fleet.Syncs(), "no resync after a failed reconnect")

	resp = f.do(t, http.MethodPost, "/device/10.0.0.1:5555/reconnect", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/device/emulator-5556/disconnect", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OFFLINE", decode[DeviceActionResponse](t, resp).Status)

	ep, err := f.dir.Get(context.Background(), "emulator-5556")
	require.NoError(t, err)
	assert.Equal(t, directory.StatusOffline, ep.Status)

	resp = f.do(t, http.MethodPost, "/device/missing/disconnect", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSetCoordinates(t *testing.T) {
	fleet := &fakeFleet{}
	f := newFixture(t, WithFleet(fleet))

	resp := f.do(t, http.MethodPut, "/device/emulator-5554/coordinates", map[string]int{"focus_x": 360, "focus_y": 1450})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	ep, err := f.dir.Get(context.Background(), "emulator-5554")
	require.NoError(t, err)
	assert.Equal(t, 360, ep.FocusX)
	assert.Equal(t, 1450, ep.FocusY)
	assert.Equal(t, 1, fleet.Syncs())

	resp = f.do(t, http.MethodPut, "/device/emulator-5554/coordinates", map[string]int{"focus_x": 360})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/device/missing/coordinates", map[string]int{"focus_x": 1, "focus_y": 2})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
