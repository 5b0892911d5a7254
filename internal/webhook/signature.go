package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// SignatureHeader carries the HMAC-SHA256 signature of the request body.
	SignatureHeader = "X-GMBoard-Signature"

	// TimestampHeader carries the unix time the request was signed at.
	TimestampHeader = "X-GMBoard-Timestamp"

	// NonceHeader carries a unique value per delivery.
	NonceHeader = "X-GMBoard-Nonce"

	// DefaultMaxAge bounds how old a signed request may be.
	DefaultMaxAge = 5 * time.Minute

	signaturePrefix = "sha256="
)

var (
	ErrMissingSignature  = errors.New("missing signature header")
	ErrInvalidSignature  = errors.New("invalid signature format")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrMissingTimestamp  = errors.New("missing timestamp header")
	ErrInvalidTimestamp  = errors.New("invalid timestamp format")
	ErrExpiredRequest    = errors.New("request expired")
	ErrFutureRequest     = errors.New("request timestamp in future")
	ErrReplayedNonce     = errors.New("replayed nonce detected")
)

// Sign creates a signature for a payload using the given secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verifier checks signed calendar deliveries.
type Verifier struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time

	mu     sync.Mutex
	nonces map[string]time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		maxAge: DefaultMaxAge,
		now:    time.Now,
		nonces: make(map[string]time.Time),
	}
}

// WithMaxAge sets the maximum accepted age of a request.
func (v *Verifier) WithMaxAge(maxAge time.Duration) *Verifier {
	v.maxAge = maxAge
	return v
}

// VerifySignature compares signature against the payload in constant time.
func (v *Verifier) VerifySignature(payload []byte, signature string) error {
	if signature == "" {
		return ErrMissingSignature
	}
	if !strings.HasPrefix(signature, signaturePrefix) {
		return ErrInvalidSignature
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	if subtle.ConstantTimeCompare(provided, mac.Sum(nil)) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

// VerifyTimestamp rejects requests older than maxAge or more than a minute
// in the future.
func (v *Verifier) VerifyTimestamp(raw string) error {
	if raw == "" {
		return ErrMissingTimestamp
	}
	unix, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	now := v.now()
	signedAt := time.Unix(unix, 0)
	if now.Sub(signedAt) > v.maxAge {
		return ErrExpiredRequest
	}
	if signedAt.Sub(now) > time.Minute {
		return ErrFutureRequest
	}
	return nil
}

// VerifyNonce rejects a nonce seen within twice maxAge. Empty nonces pass.
func (v *Verifier) VerifyNonce(nonce string) error {
	if nonce == "" {
		return nil
	}
	now := v.now()
	v.mu.Lock()
	defer v.mu.Unlock()
	for seen, at := range v.nonces {
		if now.Sub(at) > 2*v.maxAge {
			delete(v.nonces, seen)
		}
	}
	if _, ok := v.nonces[nonce]; ok {
		return ErrReplayedNonce
	}
	v.nonces[nonce] = now
	return nil
}

// Verify checks timestamp, signature and nonce of r, leaving the body
// readable for the next handler.
func (v *Verifier) Verify(r *http.Request) error {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("failed to read body: %w", err)
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	if err := v.VerifyTimestamp(r.Header.Get(TimestampHeader)); err != nil {
		return err
	}
	if err := v.VerifySignature(body, r.Header.Get(SignatureHeader)); err != nil {
		return err
	}
	return v.VerifyNonce(r.Header.Get(NonceHeader))
}

// IsAuthError reports whether err came from signature verification.
func IsAuthError(err error) bool {
	for _, target := range []error{
		ErrMissingSignature, ErrInvalidSignature, ErrSignatureMismatch,
		ErrMissingTimestamp, ErrInvalidTimestamp, ErrExpiredRequest,
		ErrFutureRequest, ErrReplayedNonce,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
