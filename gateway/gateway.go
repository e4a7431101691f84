// Package gateway holds the HTTP plumbing shared by the ingress router, the
// trigger admin API and the live data endpoint: request IDs, body limits,
// JSON responses, error mapping and API key authentication.
package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sensate-iot/platform-network/errors"
)

// DefaultMaxRequestSize bounds request bodies when no limit is configured.
const DefaultMaxRequestSize = 10 << 20

// getOrGenerateRequestID extracts the request ID from headers or generates a new one
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}

	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// RequestID echoes or assigns the X-Request-ID header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", getOrGenerateRequestID(r))
		next.ServeHTTP(w, r)
	})
}

// CORS returns middleware that allows the given origins. "*" allows any origin.
func CORS(origins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowed := false
			for _, o := range origins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}

			if allowed {
				if origin != "" {
					w.Header().Set("Access-Control-Allow-Origin", origin)
				} else {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+APIKeyHeader)
				w.Header().Set("Access-Control-Max-Age", "3600")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ReadBody reads at most limit bytes of the request body.
func ReadBody(r *http.Request, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxRequestSize
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, errors.WrapInvalid(err, "gateway", "ReadBody", "read request body")
	}
	if int64(len(body)) > limit {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "gateway", "ReadBody",
			fmt.Sprintf("request body exceeds maximum size of %d bytes", limit))
	}
	return body, nil
}

// DecodeJSON reads the request body into v.
func DecodeJSON(r *http.Request, limit int64, v any) error {
	body, err := ReadBody(r, limit)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.WrapInvalid(err, "gateway", "DecodeJSON", "unmarshal request body")
	}
	return nil
}

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err to a status code and writes a sanitized message.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	WriteJSON(w, status, map[string]any{
		"error":  SanitizeError(err),
		"status": status,
	})
}

// StatusFor maps classified errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case errors.IsUnauthorized(err):
		return http.StatusForbidden
	case errors.IsStorage(err):
		return http.StatusServiceUnavailable
	case errors.IsTransient(err):
		if stderrors.Is(err, errors.ErrQueueFull) {
			return http.StatusTooManyRequests
		}
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// SanitizeError returns a message that is safe to expose to clients.
// Validation errors keep their message, everything else is generic.
func SanitizeError(err error) string {
	switch {
	case err == nil:
		return "internal server error"
	case errors.IsInvalid(err):
		return err.Error()
	case errors.IsUnauthorized(err):
		return "access denied"
	case errors.IsTransient(err), errors.IsStorage(err):
		if stderrors.Is(err, errors.ErrQueueFull) {
			return "queue full"
		}
		return "service temporarily unavailable"
	default:
		return "internal server error"
	}
}
