// Package mlclient talks to the optional ML advisory service. Every call
// degrades to a nil result when the service is down, slow or tripped, so
// callers can always fall back to rule-based output.
package mlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

type Config struct {
	BaseURL        string
	HealthTimeout  time.Duration
	PredictTimeout time.Duration
	ExtractTimeout time.Duration
	// FailureThreshold consecutive failures open the breaker for OpenTimeout.
	FailureThreshold uint32
	OpenTimeout      time.Duration
	// OnHealth, when set, receives the result of every health check.
	OnHealth func(healthy bool)
}

func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:          baseURL,
		HealthTimeout:    3 * time.Second,
		PredictTimeout:   5 * time.Second,
		ExtractTimeout:   3 * time.Second,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// DeteriorationRequest is sent to /api/predict/deterioration. Clinical fields
// are passed through as the caller's JSON-tagged values.
type DeteriorationRequest struct {
	VitalSigns      any    `json:"vitalSigns"`
	Age             *int   `json:"age,omitempty"`
	CurrentPriority string `json:"currentPriority"`
	WaitingTime     int    `json:"waitingTime"`
	Symptoms        any    `json:"symptoms"`
	RiskFactors     any    `json:"riskFactors"`
}

type Prediction struct {
	RiskScore                float64            `json:"risk_score"`
	DeteriorationProbability float64            `json:"deterioration_probability"`
	PredictedEscalationTime  *string            `json:"predicted_escalation_time"`
	Confidence               float64            `json:"confidence"`
	PredictedPriority        string             `json:"predicted_priority"`
	Reasoning                []string           `json:"ai_reasoning"`
	ShapValues               map[string]float64 `json:"shap_values"`
	ModelVersion             string             `json:"model_version"`
}

type ExtractedSymptom struct {
	Symptom    string  `json:"symptom"`
	Severity   string  `json:"severity"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

type ExtractedCondition struct {
	Condition  string  `json:"condition"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

type Extraction struct {
	Symptoms           []ExtractedSymptom   `json:"extracted_symptoms"`
	Conditions         []ExtractedCondition `json:"extracted_conditions"`
	PredictedSpecialty string               `json:"predicted_specialty"`
	PredictedSeverity  string               `json:"predicted_severity"`
	Confidence         float64              `json:"confidence"`
	Language           string               `json:"language_detected"`
}

// Client is safe for concurrent use.
type Client struct {
	cfg       Config
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker
	available atomic.Bool
	logger    zerolog.Logger
}

func New(cfg Config, logger zerolog.Logger) *Client {
	d := DefaultConfig(cfg.BaseURL)
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = d.HealthTimeout
	}
	if cfg.PredictTimeout <= 0 {
		cfg.PredictTimeout = d.PredictTimeout
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = d.ExtractTimeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = d.OpenTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{cfg: cfg, http: &http.Client{}, logger: logger}
	threshold := cfg.FailureThreshold
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ml-service",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return c
}

// Available reports the result of the last health check.
func (c *Client) Available() bool {
	return c.available.Load()
}

// CheckHealth probes /health and records whether the service reported
// status "healthy".
func (c *Client) CheckHealth(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()

	var out struct {
		Status string `json:"status"`
	}
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	healthy := err == nil && out.Status == "healthy"
	if !healthy && c.available.Load() {
		c.logger.Warn().Err(err).Msg("ml service unavailable")
	}
	c.available.Store(healthy)
	if c.cfg.OnHealth != nil {
		c.cfg.OnHealth(healthy)
	}
	return healthy
}

// StartHealthLoop checks health immediately and then every interval until
// ctx is cancelled.
func (c *Client) StartHealthLoop(ctx context.Context, interval time.Duration) error {
	c.CheckHealth(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.CheckHealth(ctx)
		}
	}
}

// PredictDeterioration returns nil when the service is unavailable or the
// call fails.
func (c *Client) PredictDeterioration(ctx context.Context, req DeteriorationRequest) *Prediction {
	if !c.Available() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PredictTimeout)
	defer cancel()

	var out struct {
		Success    bool        `json:"success"`
		Prediction *Prediction `json:"prediction"`
	}
	if err := c.call(ctx, "/api/predict/deterioration", req, &out); err != nil {
		c.logger.Error().Err(err).Str("priority", req.CurrentPriority).Msg("deterioration prediction failed")
		return nil
	}
	if !out.Success {
		return nil
	}
	return out.Prediction
}

// ExtractComplaint runs NLP extraction over a free-text chief complaint.
func (c *Client) ExtractComplaint(ctx context.Context, text string) *Extraction {
	if !c.Available() || strings.TrimSpace(text) == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ExtractTimeout)
	defer cancel()

	var out struct {
		Success    bool        `json:"success"`
		Extraction *Extraction `json:"extraction"`
	}
	if err := c.call(ctx, "/api/nlp/extract", map[string]string{"text": text}, &out); err != nil {
		c.logger.Error().Err(err).Msg("complaint extraction failed")
		return nil
	}
	if !out.Success {
		return nil
	}
	return out.Extraction
}

func (c *Client) call(ctx context.Context, path string, body, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, http.MethodPost, path, body, out)
	})
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
