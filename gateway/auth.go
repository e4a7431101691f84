package gateway

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/storage"
)

// APIKeyHeader carries the ingress API key.
const APIKeyHeader = "X-ApiKey"

type apiKeyContextKey struct{}

// APIKeyFrom returns the authenticated key stored by APIKeyAuth.
func APIKeyFrom(ctx context.Context) (*storage.APIKey, bool) {
	key, ok := ctx.Value(apiKeyContextKey{}).(*storage.APIKey)
	return key, ok
}

// WithAPIKey stores key in ctx.
func WithAPIKey(ctx context.Context, key *storage.APIKey) context.Context {
	return context.WithValue(ctx, apiKeyContextKey{}, key)
}

// APIKeyAuth rejects requests without a valid, unrevoked API key.
func APIKeyAuth(keys storage.APIKeyRepository, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(APIKeyHeader)
			if raw == "" {
				WriteJSON(w, http.StatusUnauthorized, map[string]any{
					"error":  "missing API key",
					"status": http.StatusUnauthorized,
				})
				return
			}

			key, err := keys.GetAPIKey(r.Context(), raw)
			if err != nil {
				logger.Warn("API key lookup failed", "error", err)
				WriteError(w, errors.WrapStorage(err, "gateway", "APIKeyAuth", "look up API key"))
				return
			}
			if !key.Valid() || subtle.ConstantTimeCompare([]byte(key.Key), []byte(raw)) != 1 {
				WriteJSON(w, http.StatusUnauthorized, map[string]any{
					"error":  "invalid API key",
					"status": http.StatusUnauthorized,
				})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAPIKey(r.Context(), key)))
		})
	}
}
