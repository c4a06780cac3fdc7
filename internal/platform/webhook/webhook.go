// Package webhook forwards triage events to external HTTP endpoints, such as
// a regional health authority, with HMAC-SHA256 signed payloads and retries.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/triage/internal/platform/events"
)

// Endpoint is one subscriber. Events holds patterns: an exact type such as
// "patient:escalated", a family such as "alert:*", or "*" for everything.
type Endpoint struct {
	URL    string
	Secret string
	Events []string
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func validateURL(rawURL string) error {
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
	return nil
}

func eventMatches(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if strings.HasSuffix(pattern, ":*") {
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func (ep Endpoint) wants(eventType string) bool {
	for _, p := range ep.Events {
		if eventMatches(p, eventType) {
			return true
		}
	}
	return false
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithRetryDelays sets the waits between attempts; len(delays)+1 attempts
// are made in total.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(d *Dispatcher) { d.retryDelays = delays }
}

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) { d.queue = make(chan events.Event, n) }
}

// Dispatcher is an events.Publisher. Publish only enqueues; Run performs the
// deliveries so request handlers never wait on remote endpoints.
type Dispatcher struct {
	endpoints   []Endpoint
	client      *http.Client
	retryDelays []time.Duration
	queue       chan events.Event
	logger      zerolog.Logger
}

func NewDispatcher(endpoints []Endpoint, logger zerolog.Logger, opts ...Option) (*Dispatcher, error) {
	for _, ep := range endpoints {
		if err := validateURL(ep.URL); err != nil {
			return nil, fmt.Errorf("webhook %q: %w", ep.URL, err)
		}
	}
	d := &Dispatcher{
		endpoints:   endpoints,
		client:      &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		queue:       make(chan events.Event, 256),
		logger:      logger,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Publish drops the event with a warning when the queue is full.
func (d *Dispatcher) Publish(_ context.Context, event events.Event) error {
	select {
	case d.queue <- event:
		return nil
	default:
		d.logger.Warn().Str("event", event.Type).Msg("webhook queue full, dropping event")
		return fmt.Errorf("webhook queue full")
	}
}

// Run delivers queued events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-d.queue:
			d.Deliver(ctx, event)
		}
	}
}

// Deliver sends event to every matching endpoint and returns how many
// accepted it.
func (d *Dispatcher) Deliver(ctx context.Context, event events.Event) int {
	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Error().Err(err).Str("event", event.Type).Msg("encode webhook payload")
		return 0
	}

	delivered := 0
	for _, ep := range d.endpoints {
		if !ep.wants(event.Type) {
			continue
		}
		if err := d.deliverWithRetry(ctx, ep, event.Type, payload); err != nil {
			d.logger.Error().Err(err).Str("url", ep.URL).Str("event", event.Type).Msg("webhook delivery failed")
			continue
		}
		delivered++
	}
	return delivered
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, ep Endpoint, eventType string, payload []byte) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = d.post(ctx, ep, eventType, payload); err == nil {
			return nil
		}
		if attempt >= len(d.retryDelays) {
			return fmt.Errorf("after %d attempts: %w", attempt+1, err)
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(d.retryDelays[attempt]):
		}
	}
}

func (d *Dispatcher) post(ctx context.Context, ep Endpoint, eventType string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", eventType)
	req.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))
	if ep.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, ep.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return nil
}
