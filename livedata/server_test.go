package livedata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensate-iot/platform-network/bus"
	"github.com/sensate-iot/platform-network/config"
	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/message"
	"github.com/sensate-iot/platform-network/metric"
	"github.com/sensate-iot/platform-network/storage"
	"github.com/sensate-iot/platform-network/storage/memory"
	fixtures "github.com/sensate-iot/platform-network/testutil"
)

const testTarget = "live-test"

var (
	ownedSensor   = fixtures.SensorID(1)
	linkedSensor  = fixtures.SensorID(2)
	foreignSensor = fixtures.SensorID(3)
)

type liveFixture struct {
	server *Server
	bus    *fixtures.MockNATSClient
	http   *httptest.Server
}

func newLiveFixture(t *testing.T) *liveFixture {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	require.NoError(t, store.CreateSensor(ctx, storage.Sensor{ID: ownedSensor, Name: "hall", Secret: "owned", Owner: "user-1"}))
	require.NoError(t, store.CreateSensor(ctx, storage.Sensor{ID: linkedSensor, Name: "attic", Secret: "linked", Owner: "user-2"}))
	require.NoError(t, store.CreateSensor(ctx, storage.Sensor{ID: foreignSensor, Name: "shed", Secret: "foreign", Owner: "user-2"}))
	require.NoError(t, store.CreateLink(ctx, storage.SensorLink{SensorID: linkedSensor, UserID: "user-1"}))

	cfg := config.Default().LiveData
	cfg.Port = 0
	cfg.JWTSecret = testSecret
	cfg.SyncInterval = time.Hour

	client := fixtures.NewMockNATSClient()
	s, err := New(cfg, testTarget, Dependencies{Sensors: store, Links: store, Bus: client},
		WithMetrics(metric.NewMetricsRegistry()),
		WithClock(func() time.Time { return fixtures.BaseTime }))
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Stop(time.Second)
		ts.Close()
	})
	return &liveFixture{server: s, bus: client, http: ts}
}

func (f *liveFixture) dial(t *testing.T, kind, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/live/v1/" + kind
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, request string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Request{Request: request, Data: raw}))
}

func subscription(sensor message.SensorID, secret string, ts time.Time) SubscribeRequest {
	req := SubscribeRequest{SensorID: sensor.String(), Timestamp: ts.Format(time.RFC3339Nano)}
	req.SensorSecret = SubscriptionHash(req, secret)
	return req
}

func (f *liveFixture) waitSubscribers(t *testing.T, kind message.Kind, sensor message.SensorID, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.server.Registry().Subscribers(kind, sensor)) == n
	}, 2*time.Second, 5*time.Millisecond)
}

func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestServer_BearerSubscribeAndReceive(t *testing.T) {
	f := newLiveFixture(t)
	conn := f.dial(t, "measurements", userToken(t, "user-1"))

	send(t, conn, RequestSubscribe, subscription(ownedSensor, "owned", fixtures.BaseTime))
	f.waitSubscribers(t, message.KindMeasurement, ownedSensor, 1)

	payload, err := bus.Encode([]message.MeasurementBatch{
		{SensorID: ownedSensor, Measurements: fixtures.Measurements(ownedSensor, 2)},
		{SensorID: foreignSensor, Measurements: fixtures.Measurements(foreignSensor, 1)},
	})
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), bus.LiveSubject(testTarget, message.KindMeasurement), payload))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var batch message.MeasurementBatch
	require.NoError(t, json.Unmarshal(data, &batch))
	assert.Equal(t, ownedSensor, batch.SensorID)
	assert.Len(t, batch.Measurements, 2)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.server.metrics.sent.WithLabelValues("measurements")))
}

func TestServer_AuthRequestAndLinkedAccess(t *testing.T) {
	f := newLiveFixture(t)
	conn := f.dial(t, "messages", "")

	send(t, conn, RequestSubscribe, subscription(ownedSensor, "owned", fixtures.BaseTime))
	send(t, conn, RequestAuth, userToken(t, "user-1"))

	wrongHash := subscription(linkedSensor, "not-the-secret", fixtures.BaseTime)
	send(t, conn, RequestSubscribe, wrongHash)
	f.waitSubscribers(t, message.KindMessage, linkedSensor, 1)

	assert.Empty(t, f.server.Registry().Subscribers(message.KindMessage, ownedSensor),
		"requests before authorization are dropped")
	assert.Equal(t, float64(1), testutil.ToFloat64(f.server.metrics.rejected.WithLabelValues("invalid")))
}

func TestServer_SecretHashAuthorizesWithoutLink(t *testing.T) {
	f := newLiveFixture(t)
	conn := f.dial(t, "control", userToken(t, "user-1"))

	send(t, conn, RequestSubscribe, subscription(foreignSensor, "foreign", fixtures.BaseTime))
	f.waitSubscribers(t, message.KindControl, foreignSensor, 1)
}

func TestServer_ClosesUnauthorizedSockets(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T, conn *websocket.Conn)
	}{
		{"invalid auth", func(t *testing.T, conn *websocket.Conn) {
			send(t, conn, RequestAuth, "not-a-token")
		}},
		{"stale timestamp", func(t *testing.T, conn *websocket.Conn) {
			send(t, conn, RequestAuth, userToken(t, "user-1"))
			send(t, conn, RequestSubscribe, subscription(ownedSensor, "owned", fixtures.BaseTime.Add(-time.Second)))
		}},
		{"unknown sensor", func(t *testing.T, conn *websocket.Conn) {
			send(t, conn, RequestAuth, userToken(t, "user-1"))
			send(t, conn, RequestSubscribe, subscription(fixtures.SensorID(99), "x", fixtures.BaseTime))
		}},
		{"no access", func(t *testing.T, conn *websocket.Conn) {
			send(t, conn, RequestAuth, userToken(t, "user-1"))
			send(t, conn, RequestSubscribe, subscription(foreignSensor, "wrong", fixtures.BaseTime))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newLiveFixture(t)
			conn := f.dial(t, "measurements", "")
			tt.run(t, conn)
			expectClosed(t, conn)
			assert.Empty(t, f.server.Registry().Sensors())
		})
	}
}

func TestServer_InvalidBearerStaysOpenUntilAuth(t *testing.T) {
	f := newLiveFixture(t)
	conn := f.dial(t, "measurements", "bad-token")

	send(t, conn, RequestAuth, userToken(t, "user-1"))
	send(t, conn, RequestSubscribe, subscription(ownedSensor, "owned", fixtures.BaseTime))
	f.waitSubscribers(t, message.KindMeasurement, ownedSensor, 1)
}

func TestServer_UnsubscribeAndDisconnect(t *testing.T) {
	f := newLiveFixture(t)
	conn := f.dial(t, "measurements", userToken(t, "user-1"))

	send(t, conn, RequestSubscribe, subscription(ownedSensor, "owned", fixtures.BaseTime))
	send(t, conn, RequestSubscribe, subscription(linkedSensor, "linked", fixtures.BaseTime))
	f.waitSubscribers(t, message.KindMeasurement, linkedSensor, 1)

	send(t, conn, RequestUnsubscribe, SubscribeRequest{SensorID: ownedSensor.String()})
	f.waitSubscribers(t, message.KindMeasurement, ownedSensor, 0)
	assert.Len(t, f.server.Registry().Subscribers(message.KindMeasurement, linkedSensor), 1)

	require.NoError(t, conn.Close())
	f.waitSubscribers(t, message.KindMeasurement, linkedSensor, 0)
	assert.Empty(t, f.server.Registry().Sensors())
}

func syncedSensors(t *testing.T, data []byte) []message.SensorID {
	t.Helper()
	cmd, err := bus.ParseCommand(data)
	require.NoError(t, err)
	assert.Equal(t, bus.CommandSyncLiveDataSensors, cmd.Cmd)

	var args bus.SyncLiveDataSensors
	require.NoError(t, json.Unmarshal(cmd.Arguments, &args))
	assert.Equal(t, testTarget, args.Target)
	return args.Sensors
}

func TestServer_Sync(t *testing.T) {
	f := newLiveFixture(t)
	fixtures.WaitForMessageCount(t, f.bus, bus.SubjectRouterCommands, 1, 2*time.Second)
	assert.Empty(t, syncedSensors(t, f.bus.GetMessages(bus.SubjectRouterCommands)[0]), "synced once at start")

	conn := f.dial(t, "messages", userToken(t, "user-1"))
	send(t, conn, RequestSubscribe, subscription(ownedSensor, "owned", fixtures.BaseTime))
	f.waitSubscribers(t, message.KindMessage, ownedSensor, 1)

	fixtures.WaitForMessageCount(t, f.bus, bus.SubjectRouterCommands, 2, 2*time.Second)
	msgs := f.bus.GetMessages(bus.SubjectRouterCommands)
	assert.Equal(t, []message.SensorID{ownedSensor}, syncedSensors(t, msgs[1]), "first subscriber syncs early")

	other := f.dial(t, "measurements", userToken(t, "user-1"))
	send(t, other, RequestSubscribe, subscription(ownedSensor, "owned", fixtures.BaseTime))
	f.waitSubscribers(t, message.KindMeasurement, ownedSensor, 1)
	assert.Never(t, func() bool {
		return f.bus.GetMessageCount(bus.SubjectRouterCommands) > 2
	}, 100*time.Millisecond, 10*time.Millisecond, "a known sensor waits for the tick")

	require.NoError(t, f.server.Sync(context.Background()))
	msgs = f.bus.GetMessages(bus.SubjectRouterCommands)
	require.Len(t, msgs, 3)
	assert.Equal(t, []message.SensorID{ownedSensor}, syncedSensors(t, msgs[2]))
}

func TestServer_SyncRequestsMerge(t *testing.T) {
	f := newLiveFixture(t)
	fixtures.WaitForMessageCount(t, f.bus, bus.SubjectRouterCommands, 1, 2*time.Second)

	f.server.requestSync()
	f.server.requestSync()
	f.server.requestSync()

	fixtures.WaitForMessageCount(t, f.bus, bus.SubjectRouterCommands, 2, 2*time.Second)
	assert.LessOrEqual(t, f.bus.GetMessageCount(bus.SubjectRouterCommands), 3, "pending requests are merged")
}

func TestServer_UnknownPath(t *testing.T) {
	f := newLiveFixture(t)
	resp, err := http.Get(f.http.URL + "/live/v1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Lifecycle(t *testing.T) {
	f := newLiveFixture(t)
	assert.True(t, f.server.Health().Healthy)
	assert.True(t, errors.IsInvalid(f.server.Start(context.Background())))

	conn := f.dial(t, "measurements", "")
	require.Eventually(t, func() bool {
		f.server.clientsMu.Lock()
		defer f.server.clientsMu.Unlock()
		return len(f.server.clients) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.server.Stop(2*time.Second))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.False(t, f.server.Health().Healthy)
	require.NoError(t, f.server.Stop(time.Second))
}

func TestNew_RequiresConfiguration(t *testing.T) {
	client := fixtures.NewMockNATSClient()
	store := memory.New()
	cfg := config.Default().LiveData

	_, err := New(cfg, testTarget, Dependencies{Sensors: store, Links: store, Bus: client})
	assert.True(t, errors.IsFatal(err), "missing token secret")

	cfg.JWTSecret = testSecret
	_, err = New(cfg, "", Dependencies{Sensors: store, Links: store, Bus: client})
	assert.True(t, errors.IsFatal(err), "missing target")

	_, err = New(cfg, testTarget, Dependencies{})
	assert.True(t, errors.IsFatal(err))
}
