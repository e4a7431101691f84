package livedata

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sensate-iot/platform-network/errors"
)

// Authenticator validates HS256 bearer tokens. The token subject is the
// user ID.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

// NewAuthenticator creates an authenticator for the shared secret.
func NewAuthenticator(secret string, now func() time.Time) *Authenticator {
	if now == nil {
		now = time.Now
	}
	return &Authenticator{secret: []byte(secret), now: now}
}

// Authenticate returns the user ID of a valid token.
func (a *Authenticator) Authenticate(token string) (string, error) {
	if token == "" {
		return "", errors.WrapUnauthorized(errors.ErrUnauthorized, "Authenticator", "Authenticate", "check token")
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return "", errors.WrapUnauthorized(err, "Authenticator", "Authenticate", "parse token")
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", errors.WrapUnauthorized(errors.ErrUnauthorized, "Authenticator", "Authenticate", "check subject")
	}
	return claims.Subject, nil
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	hdr := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(hdr, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
