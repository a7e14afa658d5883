package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// Operator guards chain commands and the admin channel with the operator API
// key. An empty key disables the check.
//
// The key is read from "Authorization: Bearer", then X-API-Key. Websocket
// upgrades may pass it as ?token= since browsers cannot set headers there.
func Operator(apiKey string) func(http.Handler) http.Handler {
	want := sha256.Sum256([]byte(apiKey))
	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := operatorToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "operator key required")
				return
			}
			got := sha256.Sum256([]byte(token))
			if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
				writeError(w, http.StatusUnauthorized, "operator key rejected")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func operatorToken(r *http.Request) string {
	if scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get("token")
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
