// Package middleware contains HTTP middleware for the controller.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"stagepool/internal/auth"
)

// APIKeyAuth validates the Authorization bearer token against the
// configured operator key. Keys are compared as SHA-256 digests in
// constant time.
func APIKeyAuth(apiKey string) func(http.Handler) http.Handler {
	keyHash := auth.HashKey(apiKey)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				http.Error(w, "missing API key", http.StatusUnauthorized)
				return
			}

			if subtle.ConstantTimeCompare([]byte(auth.HashKey(token)), []byte(keyHash)) != 1 {
				http.Error(w, "invalid API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
