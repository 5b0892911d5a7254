// Package dispatch delivers sync triggers and assignment notifications to
// downstream services over signed HTTP webhooks or Kafka topics.
package dispatch

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	mathrand "math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gmboard/gmboard/internal/webhook"
)

const (
	maxResponseBytes = 4096
	maxStatuses      = 256
)

// DeliveryStatus tracks the latest delivery status for a delivery id.
type DeliveryStatus struct {
	DeliveryID     string    `json:"delivery_id"`
	URL            string    `json:"url"`
	Attempts       int       `json:"attempts"`
	Delivered      bool      `json:"delivered"`
	LastError      string    `json:"last_error,omitempty"`
	LastStatusCode int       `json:"last_status_code,omitempty"`
	LastResponse   string    `json:"-"`
	LastAttempt    time.Time `json:"last_attempt"`
	NextAttempt    time.Time `json:"next_attempt,omitempty"`
}

// Retries is the number of attempts after the first.
func (s *DeliveryStatus) Retries() int {
	if s == nil || s.Attempts <= 1 {
		return 0
	}
	return s.Attempts - 1
}

// DeliveryRequest represents a webhook delivery request.
type DeliveryRequest struct {
	DeliveryID string
	URL        string
	Payload    []byte
	Secret     string
}

// WebhookDispatcherOptions configures WebhookDispatcher behavior.
type WebhookDispatcherOptions struct {
	Client     *http.Client
	Secret     string
	MaxRetries int
	Backoff    func(retry int) time.Duration
	Sleep      func(ctx context.Context, d time.Duration) error
	Now        func() time.Time
	Nonce      func() string
}

// WebhookDispatcher delivers signed webhooks with retries and status tracking.
type WebhookDispatcher struct {
	client     *http.Client
	secret     string
	maxRetries int
	backoff    func(retry int) time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
	nonce      func() string

	mu       sync.RWMutex
	statuses map[string]*DeliveryStatus
}

// NewWebhookDispatcher creates a new WebhookDispatcher with defaults.
func NewWebhookDispatcher(opts WebhookDispatcherOptions) *WebhookDispatcher {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	backoff := opts.Backoff
	if backoff == nil {
		backoff = defaultBackoff
	}

	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	nonce := opts.Nonce
	if nonce == nil {
		nonce = randomNonce
	}

	return &WebhookDispatcher{
		client:     client,
		secret:     strings.TrimSpace(opts.Secret),
		maxRetries: maxRetries,
		backoff:    backoff,
		sleep:      sleep,
		now:        now,
		nonce:      nonce,
		statuses:   make(map[string]*DeliveryStatus),
	}
}

// Deliver sends a webhook and retries retryable failures with exponential
// backoff. Client errors other than 408, 409, 425 and 429 are not retried.
func (d *WebhookDispatcher) Deliver(ctx context.Context, req DeliveryRequest) (*DeliveryStatus, error) {
	deliveryID := strings.TrimSpace(req.DeliveryID)
	if deliveryID == "" {
		return nil, errors.New("delivery id is required")
	}
	url := strings.TrimSpace(req.URL)
	if url == "" {
		return nil, errors.New("webhook url is required")
	}

	secret := strings.TrimSpace(req.Secret)
	if secret == "" {
		secret = d.secret
	}

	status := &DeliveryStatus{
		DeliveryID: deliveryID,
		URL:        url,
	}
	d.setStatus(status)

	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			status.LastError = lastErr.Error()
			status.NextAttempt = time.Time{}
			d.setStatus(status)
			return d.copyStatus(status), lastErr
		}

		status.Attempts = attempt + 1
		status.LastAttempt = d.now()

		statusCode, responseBody, err := d.send(ctx, url, req.Payload, secret)
		status.LastStatusCode = statusCode
		status.LastResponse = responseBody

		if err == nil && statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
			status.Delivered = true
			status.LastError = ""
			status.NextAttempt = time.Time{}
			d.setStatus(status)
			return d.copyStatus(status), nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = newStatusError(statusCode, responseBody)
		}
		status.Delivered = false
		status.LastError = lastErr.Error()

		if attempt == d.maxRetries || (err == nil && !retryableStatus(statusCode)) {
			status.NextAttempt = time.Time{}
			d.setStatus(status)
			return d.copyStatus(status), lastErr
		}

		wait := d.backoff(attempt + 1)
		if wait < 0 {
			wait = 0
		}
		status.NextAttempt = d.now().Add(wait)
		d.setStatus(status)
		if wait > 0 {
			if err := d.sleep(ctx, wait); err != nil {
				lastErr = err
				status.LastError = err.Error()
				status.NextAttempt = time.Time{}
				d.setStatus(status)
				return d.copyStatus(status), lastErr
			}
		}
	}

	return d.copyStatus(status), lastErr
}

// Status returns the latest delivery status for a delivery id.
func (d *WebhookDispatcher) Status(deliveryID string) (*DeliveryStatus, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status, ok := d.statuses[deliveryID]
	if !ok {
		return nil, false
	}
	return d.copyStatus(status), true
}

// Recent returns up to limit tracked statuses, latest attempt first.
func (d *WebhookDispatcher) Recent(limit int) []DeliveryStatus {
	d.mu.RLock()
	out := make([]DeliveryStatus, 0, len(d.statuses))
	for _, status := range d.statuses {
		out = append(out, *status)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastAttempt.Equal(out[j].LastAttempt) {
			return out[i].DeliveryID < out[j].DeliveryID
		}
		return out[i].LastAttempt.After(out[j].LastAttempt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (d *WebhookDispatcher) setStatus(status *DeliveryStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()

	copyStatus := *status
	d.statuses[status.DeliveryID] = &copyStatus
	if len(d.statuses) > maxStatuses {
		d.evictOldestLocked()
	}
}

func (d *WebhookDispatcher) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, status := range d.statuses {
		if oldestID == "" || status.LastAttempt.Before(oldest) {
			oldestID = id
			oldest = status.LastAttempt
		}
	}
	delete(d.statuses, oldestID)
}

func (d *WebhookDispatcher) copyStatus(status *DeliveryStatus) *DeliveryStatus {
	if status == nil {
		return nil
	}
	copyStatus := *status
	return &copyStatus
}

func (d *WebhookDispatcher) send(ctx context.Context, url string, payload []byte, secret string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, "", err
	}

	req.Header.Set("Content-Type", "application/json")

	if secret != "" {
		req.Header.Set(webhook.SignatureHeader, webhook.Sign(payload, secret))
		req.Header.Set(webhook.TimestampHeader, fmt.Sprintf("%d", d.now().Unix()))
		req.Header.Set(webhook.NonceHeader, d.nonce())
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	return resp.StatusCode, strings.TrimSpace(string(body)), nil
}

func retryableStatus(statusCode int) bool {
	switch {
	case statusCode >= 500:
		return true
	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusConflict,
		statusCode == http.StatusTooEarly:
		return true
	default:
		return false
	}
}

func defaultBackoff(retry int) time.Duration {
	return computeBackoff(time.Second, 30*time.Second, retry, 0.2, mathrand.Float64())
}

// computeBackoff doubles base per retry up to max, then spreads the delay by
// up to jitterFraction in either direction.
func computeBackoff(base, max time.Duration, retry int, jitterFraction, randomFactor float64) time.Duration {
	if retry <= 0 {
		return 0
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(retry-1)))
	if delay > max || delay <= 0 {
		delay = max
	}
	if jitterFraction <= 0 {
		return delay
	}
	spread := float64(delay) * jitterFraction
	delay = time.Duration(float64(delay) - spread + 2*spread*randomFactor)
	if delay > max {
		delay = max
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func newStatusError(statusCode int, responseBody string) error {
	if responseBody == "" {
		return fmt.Errorf("webhook responded with status %d", statusCode)
	}
	if len(responseBody) > 256 {
		responseBody = responseBody[:256]
	}
	return fmt.Errorf("webhook responded with status %d: %s", statusCode, responseBody)
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
