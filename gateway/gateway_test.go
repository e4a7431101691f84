package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/storage"
	"github.com/sensate-iot/platform-network/storage/memory"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", errors.WrapInvalid(errors.ErrInvalidSensorID, "c", "m", "parse"), http.StatusBadRequest},
		{"authorization", errors.WrapUnauthorized(errors.ErrUnauthorized, "c", "m", "check"), http.StatusForbidden},
		{"storage", errors.WrapStorage(errors.ErrStorageUnavailable, "c", "m", "write"), http.StatusServiceUnavailable},
		{"queue full", errors.WrapTransient(errors.ErrQueueFull, "c", "m", "enqueue"), http.StatusTooManyRequests},
		{"unclassified", fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, StatusFor(test.err))
		})
	}
}

func TestSanitizeError(t *testing.T) {
	storageErr := errors.WrapStorage(fmt.Errorf("pq: relation sensors does not exist"), "c", "m", "query")
	assert.Equal(t, "service temporarily unavailable", SanitizeError(storageErr))
	assert.Equal(t, "access denied", SanitizeError(errors.WrapUnauthorized(errors.ErrUnauthorized, "c", "m", "x")))
	assert.Contains(t, SanitizeError(errors.WrapInvalid(errors.ErrMissingTarget, "c", "m", "x")), "missing target")
}

func TestRequestID(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, rec.Header().Get("X-Request-ID"), 16)
}

func TestReadBody_Limit(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789"))
	_, err := ReadBody(req, 5)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("01234"))
	body, err := ReadBody(req, 5)
	require.NoError(t, err)
	assert.Equal(t, "01234", string(body))
}

func TestAPIKeyAuth(t *testing.T) {
	ctx := context.Background()
	keys := memory.New()
	require.NoError(t, keys.CreateAPIKey(ctx, storage.APIKey{Key: "good", UserID: "u1"}))
	require.NoError(t, keys.CreateAPIKey(ctx, storage.APIKey{Key: "revoked", UserID: "u1", Revoked: true}))

	handler := APIKeyAuth(keys, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := APIKeyFrom(r.Context())
		require.True(t, ok)
		WriteJSON(w, http.StatusOK, map[string]string{"user": key.UserID})
	}))

	tests := []struct {
		name   string
		key    string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"unknown", "nope", http.StatusUnauthorized},
		{"revoked", "revoked", http.StatusUnauthorized},
		{"valid", "good", http.StatusOK},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if test.key != "" {
				req.Header.Set(APIKeyHeader, test.key)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, test.status, rec.Code)
		})
	}
}

func TestServer_StartStop(t *testing.T) {
	srv := NewServer("test", "127.0.0.1:0", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"ok": "yes"})
	}), nil)

	require.NoError(t, srv.Start(context.Background()))
	assert.Error(t, srv.Start(context.Background()))

	resp, err := http.Get("http://" + srv.Addr() + "/")
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, "yes", body["ok"])

	require.NoError(t, srv.Stop(time.Second))
	require.NoError(t, srv.Stop(time.Second), "second stop is a no-op")
}

func TestServer_TLS(t *testing.T) {
	// Borrow the test certificate of an httptest server and its trusting client.
	issuer := httptest.NewTLSServer(http.NotFoundHandler())
	defer issuer.Close()

	srv := NewServer("tls", "127.0.0.1:0", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]bool{"tls": r.TLS != nil})
	}), nil)
	srv.UseTLS(&tls.Config{Certificates: issuer.TLS.Certificates})
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop(time.Second)

	resp, err := issuer.Client().Get("https://" + srv.Addr() + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body["tls"])
}
