// Package volumetrysdk is a minimal HTTP client for the volumetry run API.
package volumetrysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal volumetry HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// RunRequest triggers a rule-engine run for a billing period.
type RunRequest struct {
	FileClass    string `json:"file_class,omitempty"`
	Period       string `json:"billing_period"`
	ForceRetry   bool   `json:"force_retry,omitempty"`
	ValidateOnly bool   `json:"validate_only,omitempty"`
}

// RuleStatus is the per-rule outcome inside a run report.
type RuleStatus struct {
	RuleName         string `json:"rule_name"`
	FileClass        string `json:"file_class"`
	RecordsExamined  int    `json:"records_examined"`
	RecordsChanged   int    `json:"records_changed"`
	RecordsExcluded  int    `json:"records_excluded,omitempty"`
	Applied          bool   `json:"applied"`
	ValidationPassed *bool  `json:"validation_passed,omitempty"`
	Retried          bool   `json:"retried,omitempty"`
	Error            string `json:"error,omitempty"`
}

// RunReport is the API run report model.
type RunReport struct {
	ID             string       `json:"id"`
	BillingPeriod  string       `json:"billing_period"`
	FileClasses    []string     `json:"file_classes_processed"`
	TotalExamined  int          `json:"total_records_examined"`
	TotalChanged   int          `json:"total_records_changed"`
	TotalExcluded  int          `json:"total_records_excluded"`
	RuleStatuses   []RuleStatus `json:"rule_statuses"`
	OverallSuccess bool         `json:"overall_success"`
	Partial        bool         `json:"partial,omitempty"`
	Timestamp      string       `json:"timestamp"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// TriggerRun starts a run and returns its report.
func (c *Client) TriggerRun(ctx context.Context, req RunRequest) (RunReport, error) {
	var resp RunReport
	err := c.do(ctx, http.MethodPost, "v0/runs", req, &resp)
	return resp, err
}

// GetRun fetches one run report by id.
func (c *Client) GetRun(ctx context.Context, id string) (RunReport, error) {
	var resp RunReport
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListRuns returns recent run reports, newest first.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]RunReport, error) {
	endpoint := "v0/runs"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []RunReport
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Health reports whether the server is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
