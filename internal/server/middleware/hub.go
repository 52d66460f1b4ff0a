package middleware

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/predictlens/predictlens/internal/crypto"
)

// Header names carried by action-hub requests.
const (
	HeaderHubSignature = "X-Hub-Signature"
	HeaderHubTimestamp = "X-Hub-Timestamp"
)

const maxSignedBody = 64 << 10

// HubSignature verifies the HMAC of the request body before the request
// reaches the action handler. The body is buffered and restored for next.
// A nil auth or an empty secret rejects everything.
func HubSignature(auth *crypto.HubAuth, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth == nil || auth.Secret == "" {
				writeUnauthorized(w, "action hub is not configured")
				return
			}
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSignedBody))
			if err != nil {
				writeUnauthorized(w, "unreadable body")
				return
			}
			sig := r.Header.Get(HeaderHubSignature)
			ts := r.Header.Get(HeaderHubTimestamp)
			if sig == "" || ts == "" {
				writeUnauthorized(w, "missing hub signature")
				return
			}
			if err := auth.Verify(body, ts, sig, now()); err != nil {
				writeUnauthorized(w, "invalid hub signature")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
