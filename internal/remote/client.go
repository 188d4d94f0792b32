// Package remote talks to the remote authority that keeps copies of alert
// definitions, computes secondary reports and receives snapshot values.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/metrics"
)

// Version is reported in the User-Agent header.
var Version = "dev"

// ErrNotConfigured is returned when no remote authority is configured.
var ErrNotConfigured = errors.New("remote authority not configured")

// StatusError is a non-2xx response from the remote authority.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Operation, e.StatusCode, e.Body)
}

// Retryable reports whether a later attempt may succeed. Callers never
// retry inline; the next scheduled run picks the work up again.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsNotFound reports whether err is a 404 from the remote authority.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	// Timeout bounds each request (default 15s).
	Timeout time.Duration
	// RequestsPerSecond paces outgoing requests; 0 disables pacing.
	RequestsPerSecond float64
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client is a remote authority API client.
type Client struct {
	base    *url.URL
	apiKey  string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a Client. It returns ErrNotConfigured when BaseURL is empty.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrNotConfigured
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	c := &Client{
		base:    base,
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		http:    &http.Client{},
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RemoteAlert is the remote authority's copy of an alert definition.
type RemoteAlert struct {
	ID               string   `json:"id,omitempty"`
	LocalID          int64    `json:"localId"`
	EntityID         int64    `json:"entityId"`
	ReportID         string   `json:"reportId"`
	Name             string   `json:"name,omitempty"`
	Operator         string   `json:"operator"`
	Warning          *float64 `json:"warningThreshold,omitempty"`
	Critical         *float64 `json:"criticalThreshold,omitempty"`
	CheckIntervalSec int64    `json:"checkIntervalSeconds"`
	CooldownSec      int64    `json:"cooldownSeconds"`
	NotifyOnWarning  bool     `json:"notifyOnWarning"`
	NotifyOnCritical bool     `json:"notifyOnCritical"`
	NotifyOnRecovery bool     `json:"notifyOnRecovery"`
	Channels         []string `json:"channels"`
	Enabled          bool     `json:"enabled"`
}

// ListAlerts returns the remote copies for (entity, report).
func (c *Client) ListAlerts(ctx context.Context, entityID int64, reportID string) ([]RemoteAlert, error) {
	q := url.Values{}
	q.Set("entityId", strconv.FormatInt(entityID, 10))
	q.Set("reportId", reportID)

	var out struct {
		Alerts []RemoteAlert `json:"alerts"`
	}
	if err := c.do(ctx, "list_alerts", http.MethodGet, "/alerts?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Alerts, nil
}

// CreateAlert stores a new remote copy and returns its remote ID.
func (c *Client) CreateAlert(ctx context.Context, a RemoteAlert) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "create_alert", http.MethodPost, "/alerts", a, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("create_alert: response carried no id")
	}
	return out.ID, nil
}

// UpdateAlert replaces a remote copy.
func (c *Client) UpdateAlert(ctx context.Context, remoteID string, a RemoteAlert) error {
	return c.do(ctx, "update_alert", http.MethodPut, "/alerts/"+url.PathEscape(remoteID), a, nil)
}

// DeleteAlert removes a remote copy. Deleting an already missing alert
// succeeds.
func (c *Client) DeleteAlert(ctx context.Context, remoteID string) error {
	err := c.do(ctx, "delete_alert", http.MethodDelete, "/alerts/"+url.PathEscape(remoteID), nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// SnapshotResponse is returned after posting a snapshot.
type SnapshotResponse struct {
	Trend           json.RawMessage `json:"trend,omitempty"`
	History         json.RawMessage `json:"history,omitempty"`
	TriggeredAlerts []string        `json:"triggeredAlerts,omitempty"`
}

// PostSnapshot sends a captured value to the remote authority.
func (c *Client) PostSnapshot(ctx context.Context, entityID int64, reportID string, value float64, elapsed time.Duration) (*SnapshotResponse, error) {
	body := struct {
		EntityID        int64   `json:"entityId"`
		Value           float64 `json:"value"`
		ExecutionTimeMs int64   `json:"executionTimeMs"`
	}{entityID, value, elapsed.Milliseconds()}

	var out SnapshotResponse
	path := "/reports/" + url.PathEscape(reportID) + "/snapshots"
	if err := c.do(ctx, "post_snapshot", http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MetricResponse is the answer to a secondary report request. The remote
// authority either returns the value directly or a query for the agent to
// run against the local report database.
type MetricResponse struct {
	Value    *float64 `json:"value,omitempty"`
	Query    string   `json:"query,omitempty"`
	KeyField string   `json:"keyField,omitempty"`
}

// FetchMetric asks the remote authority for a secondary report's metric.
func (c *Client) FetchMetric(ctx context.Context, reportID string) (*MetricResponse, error) {
	var out MetricResponse
	if err := c.do(ctx, "fetch_metric", http.MethodGet, "/reports/"+url.PathEscape(reportID)+"/metric", nil, &out); err != nil {
		return nil, err
	}
	if out.Value == nil && out.Query == "" {
		return nil, fmt.Errorf("fetch_metric %s: response carried neither value nor query", reportID)
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) (err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.RemoteRequests.WithLabelValues(op, outcome).Inc()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate limiter: %w", op, err)
		}
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: failed to marshal request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "insights-agent/"+Version)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: HTTP request failed: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Operation: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", op, err)
	}
	return nil
}
