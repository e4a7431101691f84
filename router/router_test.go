package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensate-iot/platform-network/bucket"
	"github.com/sensate-iot/platform-network/bus"
	"github.com/sensate-iot/platform-network/config"
	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/gateway"
	"github.com/sensate-iot/platform-network/message"
	"github.com/sensate-iot/platform-network/metric"
	"github.com/sensate-iot/platform-network/storage"
	fixtures "github.com/sensate-iot/platform-network/testutil"
)

func testRouterConfig() config.RouterConfig {
	cfg := config.Default().Router
	cfg.Port = 0
	cfg.Workers = 2
	cfg.BatchSize = 10
	cfg.DrainInterval = 10 * time.Millisecond
	return cfg
}

func newTestRouter(t *testing.T, cfg config.RouterConfig) (*Router, *processorFixture) {
	t.Helper()
	f := newProcessorFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateAPIKey(ctx, storage.APIKey{Key: "owner-key", UserID: "user-1", Type: storage.APIKeySystem}))
	require.NoError(t, f.store.CreateAPIKey(ctx, storage.APIKey{Key: "other-key", UserID: "user-2", Type: storage.APIKeySystem}))

	r, err := New(cfg, Dependencies{
		Store:     f.store,
		Buckets:   bucket.NewStore(f.backend, bucket.WithClock(func() time.Time { return ingestTime })),
		Evaluator: f.evaluator,
		Bus:       f.bus,
		Routes:    f.routes,
	}, WithMetrics(metric.NewMetricsRegistry()), WithClock(func() time.Time { return ingestTime }))
	require.NoError(t, err)
	return r, f
}

func post(t *testing.T, h http.Handler, path, key string, body any) (*httptest.ResponseRecorder, RoutingResponse) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	if key != "" {
		req.Header.Set(gateway.APIKeyHeader, key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp RoutingResponse
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func measurementBody(sensor string) map[string]any {
	return map[string]any{
		"sensorId":  sensor,
		"timestamp": fixtures.BaseTime,
		"data": map[string]any{
			"temperature": map[string]any{"value": 21.5, "unit": "C"},
		},
	}
}

func TestRouter_EnqueueMeasurement(t *testing.T) {
	r, _ := newTestRouter(t, testRouterConfig())
	h := r.Handler()

	rec, resp := post(t, h, "/network/v1/measurements", "owner-key", measurementBody(testSensor.String()))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, MeasurementQueued, resp.Message)
	assert.NotEqual(t, uuid.Nil, resp.ResponseID)

	items := r.Queue().Dequeue(10)
	require.Len(t, items, 1)
	m := items[0].(message.Measurement)
	assert.Equal(t, testSensor, m.SensorID)
	assert.Equal(t, "21.5", m.Data["temperature"].Value.String())
	assert.Equal(t, ingestTime, m.PlatformTime)
	assert.Equal(t, float64(1), testutil.ToFloat64(r.metrics.measurementRequests))
}

func TestRouter_InvalidSensorIDIsNotAFault(t *testing.T) {
	r, _ := newTestRouter(t, testRouterConfig())
	h := r.Handler()

	tests := []struct {
		path    string
		body    any
		message string
	}{
		{"/network/v1/measurements", measurementBody("not-a-sensor"), MeasurementsNotQueued},
		{"/network/v1/measurements/bulk", map[string]any{"measurements": []any{
			measurementBody(testSensor.String()), measurementBody("abc"),
		}}, MeasurementsNotQueued},
		{"/network/v1/messages", map[string]any{"sensorId": "xyz", "data": "hi"}, MessagesNotQueued},
		{"/network/v1/messages/bulk", map[string]any{"messages": []any{
			map[string]any{"sensorId": "5c7c3bbd80e8ae3154d0491", "data": "hi"},
		}}, MessagesNotQueued},
		{"/network/v1/control", map[string]any{"sensorID": "nope", "data": "open"}, ControlMessageNotQueued},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec, resp := post(t, h, tt.path, "owner-key", tt.body)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, 0, resp.Count)
			assert.Equal(t, tt.message, resp.Message)
		})
	}
	assert.Equal(t, 0, r.Queue().Size(), "nothing of a rejected request is queued")
}

func TestRouter_BulkRequests(t *testing.T) {
	r, _ := newTestRouter(t, testRouterConfig())
	h := r.Handler()

	_, resp := post(t, h, "/network/v1/measurements/bulk", "owner-key", map[string]any{"measurements": []any{
		measurementBody(testSensor.String()), measurementBody(otherSensor.String()), measurementBody(testSensor.String()),
	}})
	assert.Equal(t, 3, resp.Count)
	assert.Equal(t, MeasurementQueued, resp.Message)

	_, resp = post(t, h, "/network/v1/messages/bulk", "owner-key", map[string]any{"messages": []any{
		map[string]any{"sensorId": testSensor.String(), "data": "a"},
		map[string]any{"sensorId": testSensor.String(), "data": "b"},
	}})
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, MessagesQueued, resp.Message)

	_, resp = post(t, h, "/network/v1/messages", "owner-key", map[string]any{"sensorId": testSensor.String(), "data": "c"})
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, MessageQueued, resp.Message)

	assert.Equal(t, 6, r.Queue().Size())
	assert.Equal(t, float64(1), testutil.ToFloat64(r.metrics.measurementRequests))
	assert.Equal(t, float64(2), testutil.ToFloat64(r.metrics.messageRequests))
}

func TestRouter_RequestErrors(t *testing.T) {
	cfg := testRouterConfig()
	cfg.QueueCapacity = 1
	cfg.OverflowPolicy = config.OverflowReject
	r, _ := newTestRouter(t, cfg)
	h := r.Handler()

	rec, _ := post(t, h, "/network/v1/measurements", "", measurementBody(testSensor.String()))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = post(t, h, "/network/v1/measurements", "unknown-key", measurementBody(testSensor.String()))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/network/v1/messages", bytes.NewBufferString("{"))
	req.Header.Set(gateway.APIKeyHeader, "owner-key")
	bad := httptest.NewRecorder()
	h.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	rec, _ = post(t, h, "/network/v1/measurements", "owner-key", measurementBody(testSensor.String()))
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = post(t, h, "/network/v1/measurements", "owner-key", measurementBody(testSensor.String()))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	require.NoError(t, r.Queue().Close())
	r.Queue().Dequeue(10)
	rec, _ = post(t, h, "/network/v1/measurements", "owner-key", measurementBody(testSensor.String()))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_ControlMessageAuthorization(t *testing.T) {
	r, _ := newTestRouter(t, testRouterConfig())
	h := r.Handler()

	control := func(sensor message.SensorID, secret string) map[string]any {
		return map[string]any{"sensorID": sensor.String(), "data": "open", "destination": 0, "secret": secret}
	}

	rec, resp := post(t, h, "/network/v1/control", "owner-key", control(testSensor, ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ControlMessageQueued, resp.Message)

	rec, _ = post(t, h, "/network/v1/control", "owner-key", control(otherSensor, ""))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = post(t, h, "/network/v1/control", "owner-key", control(otherSensor, "other"))
	assert.Equal(t, http.StatusOK, rec.Code, "the sensor secret authorizes")

	rec, _ = post(t, h, "/network/v1/control", "owner-key", control(fixtures.SensorID(77), ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = post(t, h, "/network/v1/control", "owner-key",
		map[string]any{"sensorID": testSensor.String(), "data": "open", "destination": 7})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, 2, r.Queue().Size())
}

func TestRouter_StartDrainStop(t *testing.T) {
	r, f := newTestRouter(t, testRouterConfig())
	ctx := context.Background()

	assert.False(t, r.Health().Healthy)
	require.NoError(t, r.Start(ctx))
	assert.True(t, errors.IsInvalid(r.Start(ctx)))
	assert.True(t, r.Health().Healthy)

	for i := 0; i < 5; i++ {
		require.NoError(t, r.Queue().EnqueueRange(routables(4)))
	}

	require.Eventually(t, func() bool {
		buckets, err := f.backend.Buckets(ctx, testSensor)
		if err != nil || len(buckets) == 0 {
			return false
		}
		total := 0
		for _, b := range buckets {
			total += b.Count
		}
		return total == 20
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, r.Queue().Enqueue(fixtures.Message(testSensor, "last")))
	require.NoError(t, r.Stop(5*time.Second))
	require.NoError(t, r.Stop(time.Second), "second stop is a no-op")

	assert.GreaterOrEqual(t, f.bus.GetMessageCount(bus.SubjectBulkMeasurements), 1)
	assert.Equal(t, 1, f.bus.GetMessageCount(bus.SubjectBulkMessages), "stop drains the queue")
	assert.False(t, r.Health().Healthy)
}

func TestRouter_SyncCommandUpdatesRoutes(t *testing.T) {
	r, f := newTestRouter(t, testRouterConfig())
	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	defer r.Stop(time.Second)

	cmd, err := bus.NewCommand(bus.CommandSyncLiveDataSensors, bus.SyncLiveDataSensors{
		Target:  "live-9",
		Sensors: []message.SensorID{otherSensor},
	})
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(ctx, bus.SubjectRouterCommands, cmd))
	require.NoError(t, f.bus.Publish(ctx, bus.SubjectRouterCommands, []byte(`{"cmd":"reboot","arguments":{}}`)))
	require.NoError(t, f.bus.Publish(ctx, bus.SubjectRouterCommands, []byte(`garbage`)))

	targets, err := f.routes.Targets(ctx, otherSensor)
	require.NoError(t, err)
	assert.Equal(t, []string{"live-9"}, targets)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(testRouterConfig(), Dependencies{})
	assert.True(t, errors.IsFatal(err))
}
