package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

// CronSecretHeader carries the shared secret external schedulers authenticate
// with.
const CronSecretHeader = "X-Ember-Cron-Secret"

// RequireCronSecret gates scheduler and provisioning endpoints behind a
// shared secret, compared in constant time. An empty configured secret
// disables the surface entirely rather than leaving it open.
func RequireCronSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(CronSecretHeader)
			if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				json.NewEncoder(w).Encode(map[string]string{"error": "forbidden"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
