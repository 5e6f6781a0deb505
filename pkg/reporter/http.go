package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/honeytrap-sensor/internal/types"
	"github.com/invisible-tech/honeytrap-sensor/internal/version"
)

// ErrNotConfigured is returned by sinks missing an endpoint or credentials.
var ErrNotConfigured = errors.New("reporter sink not configured")

// HTTPConfig for the intel collector API.
type HTTPConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// HTTPSink posts records to a collector's REST API.
type HTTPSink struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	log        *logrus.Logger
}

// NewHTTPSink creates an HTTP sink.
func NewHTTPSink(cfg HTTPConfig, log *logrus.Logger) *HTTPSink {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPSink{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: log,
	}
}

func (s *HTTPSink) Name() string { return "http" }

// Send posts r to {endpoint}/api/v1/intel.
func (s *HTTPSink) Send(ctx context.Context, r *types.TrapIntelligence) error {
	if s.endpoint == "" || s.apiKey == "" {
		return ErrNotConfigured
	}
	return s.sendJSON(ctx, fmt.Sprintf("%s/api/v1/intel", s.endpoint), r)
}

func (s *HTTPSink) sendJSON(ctx context.Context, url string, payload interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	s.log.WithFields(logrus.Fields{
		"url":    url,
		"status": resp.StatusCode,
	}).Debug("Intel record delivered")
	return nil
}

// HealthCheck checks that the collector API is reachable.
func (s *HTTPSink) HealthCheck(ctx context.Context) error {
	if s.endpoint == "" || s.apiKey == "" {
		return ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %d", resp.StatusCode)
	}
	return nil
}
