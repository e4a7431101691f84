package health

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty string", "", ""},
		{"unix path", "failed to open /etc/sensate/config.yaml", "failed to open [PATH]"},
		{"windows path", "cannot read C:\\sensate\\config.json", "cannot read [PATH]"},
		{"http url", "webhook failed for https://hooks.example.com/v1/trigger", "webhook failed for [URL]"},
		{"nats url", "cannot connect to nats://localhost:4222", "cannot connect to [URL]"},
		{"postgres dsn", "ping failed: postgres://sensate:pw@db:5432/network", "ping failed: [URL]"},
		{"redis url", "dial redis://cache:6379/0 refused", "dial [URL] refused"},
		{"ip address", "timeout connecting to 10.0.0.12", "timeout connecting to [IP]"},
		{"port", "failed to bind to :8080", "failed to bind to [PORT]"},
		{"credential", "auth failed with password:hunter2", "auth failed with [REDACTED]"},
		{"dsn parameters", "pq: connect host=db password=hunter2 sslmode=disable",
			"pq: connect host=db [REDACTED] sslmode=disable"},
		{"combined", "failed to reach https://10.0.0.1:8080/api with token=abc123", "failed to reach [URL] with [REDACTED]"},
		{"plain", "storage.GetSensor: look up sensor failed", "storage.GetSensor: look up sensor failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeErrorMessage(tt.input))
		})
	}
}

func TestFromError(t *testing.T) {
	ok := FromError("postgres", nil)
	assert.True(t, ok.Healthy)
	assert.Equal(t, StateHealthy, ok.Status)

	failed := FromError("nats", stderrors.New("dial nats://nats:4222: connection refused"))
	assert.False(t, failed.Healthy)
	assert.True(t, failed.IsUnhealthy())
	assert.Equal(t, "dial [URL] connection refused", failed.Message)
	assert.False(t, failed.Timestamp.IsZero())
}

func TestStatus_WithMetrics(t *testing.T) {
	original := NewHealthy("router", "queue depth 0")
	withMetrics := original.WithMetrics(&Metrics{Uptime: time.Minute, MessagesProcessed: 12})

	assert.Nil(t, original.Metrics)
	require.NotNil(t, withMetrics.Metrics)
	assert.Equal(t, int64(12), withMetrics.Metrics.MessagesProcessed)
}

func TestStatus_WithSubStatusIsolation(t *testing.T) {
	original := NewHealthy("platform", "ok").WithSubStatus(NewHealthy("router", "ok"))
	modified := original.WithSubStatus(NewUnhealthy("livedata", "down"))

	assert.Len(t, original.SubStatuses, 1)
	assert.Len(t, modified.SubStatuses, 2)

	original.SubStatuses[0].Status = StateDegraded
	assert.Equal(t, StateHealthy, modified.SubStatuses[0].Status)
}
