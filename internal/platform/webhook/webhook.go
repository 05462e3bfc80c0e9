// Package webhook delivers workflow notifications to HTTP endpoints with
// HMAC-SHA256 signed bodies.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/labflow/internal/platform/notification"
)

const (
	HeaderSignature = "X-Labflow-Signature"
	HeaderEventID   = "X-Labflow-Event-ID"
	HeaderEventType = "X-Labflow-Event"
	HeaderTimestamp = "X-Labflow-Timestamp"

	maxDeliveryLog = 500
)

// Endpoint is a webhook destination. Events lists the event types it
// receives; empty or "*" means all of them.
type Endpoint struct {
	URL    string
	Secret string
	Events []string
}

// DeliveryAttempt records one POST to one endpoint.
type DeliveryAttempt struct {
	ID         string        `json:"id"`
	URL        string        `json:"url"`
	EventType  string        `json:"event_type"`
	EventID    string        `json:"event_id"`
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration_ns"`
	Attempt    int           `json:"attempt"`
	Status     string        `json:"status"` // "success", "failed"
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret. A "sha256=" prefix is accepted.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

type Option func(*Sink)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sink) { s.httpClient = c }
}

// AllowPrivateNetworks lets endpoints resolve to loopback, private or
// link-local addresses, e.g. a receiver inside the same cluster.
func AllowPrivateNetworks() Option {
	return func(s *Sink) { s.allowPrivate = true }
}

// WithRetryDelays sets the pauses between attempts; one attempt is made
// per delay plus the first.
func WithRetryDelays(d ...time.Duration) Option {
	return func(s *Sink) { s.retryDelays = d }
}

// Sink is a notification.Sink that POSTs each event as JSON.
type Sink struct {
	endpoints   []Endpoint
	httpClient  *http.Client
	retryDelays  []time.Duration
	allowPrivate bool

	mu         sync.Mutex
	deliveries []DeliveryAttempt
}

var _ notification.Sink = (*Sink)(nil)

// NewSink validates the endpoints and returns a sink for them.
func NewSink(endpoints []Endpoint, opts ...Option) (*Sink, error) {
	s := &Sink{
		endpoints:   endpoints,
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		retryDelays: []time.Duration{250 * time.Millisecond, time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	for _, ep := range endpoints {
		if err := validateWebhookURL(ep.URL, s.allowPrivate); err != nil {
			return nil, fmt.Errorf("webhook %s: %w", ep.URL, err)
		}
		if ep.Secret == "" {
			return nil, fmt.Errorf("webhook %s: secret is required", ep.URL)
		}
	}
	return s, nil
}

// resolveHost is swapped out in tests.
var resolveHost = net.LookupHost

var metadataIP = net.ParseIP("169.254.169.254")

// validateWebhookURL checks that the URL uses http or https and, unless
// allowPrivate is set, that its host does not resolve to a loopback,
// private, link-local or unspecified address.
func validateWebhookURL(rawURL string, allowPrivate bool) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	hostname := u.Hostname()
	if hostname == "" {
		return fmt.Errorf("url host is required")
	}
	if allowPrivate {
		return nil
	}

	lower := strings.ToLower(hostname)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return fmt.Errorf("url host %q is not allowed", hostname)
	}
	ips := []string{hostname}
	if net.ParseIP(hostname) == nil {
		if ips, err = resolveHost(hostname); err != nil {
			return fmt.Errorf("cannot resolve url host %q: %w", hostname, err)
		}
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.Equal(metadataIP) {
			return fmt.Errorf("url host resolves to cloud metadata address %s", ipStr)
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("url host resolves to private or reserved address %s", ipStr)
		}
	}
	return nil
}

func (s *Sink) Name() string { return "webhook" }

func subscribed(ep Endpoint, t notification.EventType) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, e := range ep.Events {
		if e == "*" || strings.EqualFold(e, string(t)) {
			return true
		}
	}
	return false
}

// Deliver posts ev to every subscribed endpoint, retrying failures. The
// error joins the last failure of each endpoint that never succeeded.
func (s *Sink) Deliver(ctx context.Context, ev notification.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}
	var errs []error
	for _, ep := range s.endpoints {
		if !subscribed(ep, ev.Type) {
			continue
		}
		if err := s.deliverWithRetry(ctx, ep, ev, payload); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", ep.URL, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Sink) deliverWithRetry(ctx context.Context, ep Endpoint, ev notification.Event, payload []byte) error {
	var lastErr error
	for attempt := 1; attempt <= len(s.retryDelays)+1; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(s.retryDelays[attempt-2]):
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			}
		}
		a := s.post(ctx, ep, ev, payload, attempt)
		s.record(a)
		if a.Status == "success" {
			return nil
		}
		lastErr = errors.New(a.Error)
	}
	return lastErr
}

func (s *Sink) post(ctx context.Context, ep Endpoint, ev notification.Event, payload []byte, attempt int) DeliveryAttempt {
	now := time.Now()
	a := DeliveryAttempt{
		ID:        uuid.New().String(),
		URL:       ep.URL,
		EventType: string(ev.Type),
		EventID:   ev.ID,
		Attempt:   attempt,
		Status:    "failed",
		CreatedAt: now,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		a.Error = err.Error()
		return a
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, "sha256="+SignPayload(payload, ep.Secret))
	req.Header.Set(HeaderEventID, ev.ID)
	req.Header.Set(HeaderEventType, string(ev.Type))
	req.Header.Set(HeaderTimestamp, now.UTC().Format(time.RFC3339))

	resp, err := s.httpClient.Do(req)
	a.Duration = time.Since(now)
	if err != nil {
		a.Error = err.Error()
		return a
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	a.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		a.Status = "success"
	} else {
		a.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return a
}

func (s *Sink) record(a DeliveryAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, a)
	if n := len(s.deliveries); n > maxDeliveryLog {
		s.deliveries = append([]DeliveryAttempt(nil), s.deliveries[n-maxDeliveryLog:]...)
	}
}

// Deliveries returns the most recent delivery attempts, oldest first.
func (s *Sink) Deliveries() []DeliveryAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeliveryAttempt(nil), s.deliveries...)
}
