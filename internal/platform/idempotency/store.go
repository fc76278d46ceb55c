package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL bounds how long a completed response stays replayable.
const DefaultTTL = 24 * time.Hour

// ClaimState is the outcome of claiming a key.
type ClaimState int

const (
	// ClaimAcquired means the caller owns the key and must run the request.
	ClaimAcquired ClaimState = iota
	// ClaimReplay means a stored response exists for the key.
	ClaimReplay
	// ClaimInFlight means another request holds the key.
	ClaimInFlight
)

// Response is the stored HTTP response replayed for duplicate requests.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Claim is returned by Store.Claim. Response is set only for ClaimReplay.
type Claim struct {
	State    ClaimState
	Response Response
}

// Store persists idempotency keys together with the response they produced.
type Store interface {
	Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error)
	Complete(ctx context.Context, key string, resp Response, now time.Time, ttl time.Duration) error
	Forget(ctx context.Context, key string) error
}

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reused with a different request")

// documentID hashes the scoped key so arbitrary client input is a safe document id.
func documentID(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// replayableHeaders drops hop-specific headers before a response is stored.
func replayableHeaders(header http.Header) http.Header {
	out := make(http.Header, len(header))
	for name, values := range header {
		switch http.CanonicalHeaderKey(name) {
		case "Date", "Content-Length", "Connection", "Set-Cookie", "X-Request-Id":
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}
