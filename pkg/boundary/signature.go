// Package boundary guards inbound webhook traffic: request signatures,
// timestamp freshness, single-use nonces and per-caller rate limits.
package boundary

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/erichecan/AIrest/pkg/contracts"
)

// Webhook headers.
const (
	HeaderSignature    = "X-Signature"
	HeaderTimestamp    = "X-Timestamp"
	HeaderNonce        = "X-Nonce"
	HeaderTenantID     = "X-Tenant-ID"
	HeaderRestaurantID = "X-Restaurant-ID"

	signaturePrefix = "sha256="
)

// SignedHeaders are covered by the signature after the timestamp, in this
// order. An absent header signs as the empty string.
var SignedHeaders = []string{HeaderNonce, HeaderTenantID, HeaderRestaurantID}

// DefaultWindow is the accepted clock skew between sender and receiver.
const DefaultWindow = 5 * time.Minute

// Verifier checks HMAC-SHA256 signatures over the timestamp, the signed
// headers and the body, each separated by a newline.
type Verifier struct {
	secret []byte
	window time.Duration
	clock  func() time.Time
}

// NewVerifier creates a verifier. A non-positive window means DefaultWindow.
func NewVerifier(secret string, window time.Duration) *Verifier {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Verifier{secret: []byte(secret), window: window, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// Sign returns the X-Signature value for body and the timestamp and signed
// headers already set on h.
func (v *Verifier) Sign(h http.Header, body []byte) string {
	return signaturePrefix + hex.EncodeToString(v.mac(h, body))
}

// Header values cannot contain a newline, so the fields cannot be shifted
// across separators.
func (v *Verifier) mac(h http.Header, body []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(h.Get(HeaderTimestamp)))
	for _, name := range SignedHeaders {
		mac.Write([]byte{'\n'})
		mac.Write([]byte(h.Get(name)))
	}
	mac.Write([]byte{'\n'})
	mac.Write(body)
	return mac.Sum(nil)
}

// Verify checks the signature and timestamp headers of a request whose body
// has already been read. Any change to the nonce or scope headers after
// signing fails verification.
func (v *Verifier) Verify(h http.Header, body []byte) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("%w: webhook secret not configured", contracts.ErrSignatureInvalid)
	}
	sig := h.Get(HeaderSignature)
	ts := h.Get(HeaderTimestamp)
	if sig == "" || ts == "" {
		return fmt.Errorf("%w: missing %s or %s", contracts.ErrSignatureInvalid, HeaderSignature, HeaderTimestamp)
	}

	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", contracts.ErrSignatureInvalid)
	}
	skew := v.clock().Sub(time.Unix(sec, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.window {
		return fmt.Errorf("%w: timestamp outside the %s window", contracts.ErrReplayDetected, v.window)
	}

	if !strings.HasPrefix(sig, signaturePrefix) {
		return fmt.Errorf("%w: unsupported signature scheme", contracts.ErrSignatureInvalid)
	}
	got, err := hex.DecodeString(strings.TrimPrefix(sig, signaturePrefix))
	if err != nil {
		return fmt.Errorf("%w: malformed signature", contracts.ErrSignatureInvalid)
	}
	if !hmac.Equal(got, v.mac(h, body)) {
		return contracts.ErrSignatureInvalid
	}
	return nil
}
