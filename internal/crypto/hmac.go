package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/predictlens/predictlens/internal/domain"
)

const signaturePrefix = "sha256="

// HubAuth signs and verifies action-hub requests. The signature is
// base64(HMAC-SHA256(secret, timestamp + "." + body)).
type HubAuth struct {
	Secret string
	// MaxSkew bounds how far the request timestamp may be from now.
	MaxSkew time.Duration
}

// SignAt returns the X-Hub-Signature value for body sent at unixTS.
func (h *HubAuth) SignAt(body []byte, unixTS int64) string {
	msg := strconv.FormatInt(unixTS, 10) + "." + string(body)
	return signaturePrefix + hmacSHA256Base64([]byte(h.Secret), msg)
}

// Verify checks sig and the timestamp header against body at now.
func (h *HubAuth) Verify(body []byte, timestamp, sig string, now time.Time) error {
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", domain.ErrUnauthorized)
	}
	if h.MaxSkew > 0 {
		skew := now.Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > h.MaxSkew {
			return fmt.Errorf("%w: timestamp outside allowed skew", domain.ErrUnauthorized)
		}
	}
	want := h.SignAt(body, ts)
	if !hmac.Equal([]byte(want), []byte(strings.TrimSpace(sig))) {
		return fmt.Errorf("%w: signature mismatch", domain.ErrUnauthorized)
	}
	return nil
}

// String redacts the secret for logging.
func (h *HubAuth) String() string {
	if len(h.Secret) <= 4 {
		return "HubAuth{secret=****}"
	}
	return fmt.Sprintf("HubAuth{secret=%s****}", h.Secret[:4])
}

func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
