// Package client talks to a running supervisor over its HTTP API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"
)

const DefaultBaseURL = "http://localhost:9900/api"

// Client is a thin wrapper over the supervisor API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
	// CACert trusts an extra CA, for a supervisor behind a private TLS proxy.
	CACert   string
	Insecure bool
}

func DefaultConfig() Config {
	return Config{BaseURL: DefaultBaseURL, Timeout: 10 * time.Second}
}

// New builds a client. A CA certificate that cannot be loaded is logged and
// the system pool is used instead.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.CACert != "" || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
	}
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 explicit opt-in
		return tlsConfig, nil
	}
	caCert, err := os.ReadFile(config.CACert)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// IsReachable reports whether the status endpoint answers.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("supervisor unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	return &out, c.do(ctx, http.MethodGet, "/status", nil, &out)
}

func (c *Client) StartService(ctx context.Context, name string) (*ActionResult, error) {
	return c.action(ctx, "/services/"+url.PathEscape(name)+"/start")
}

func (c *Client) StopService(ctx context.Context, name string) (*ActionResult, error) {
	return c.action(ctx, "/services/"+url.PathEscape(name)+"/stop")
}

func (c *Client) RestartService(ctx context.Context, name string) (*ActionResult, error) {
	return c.action(ctx, "/services/"+url.PathEscape(name)+"/restart")
}

// TriggerFix starts a manual fix and returns the id of its background job.
func (c *Client) TriggerFix(ctx context.Context, name, description string) (*FixStarted, error) {
	var body any
	if description != "" {
		body = map[string]string{"error_description": description}
	}
	var out FixStarted
	return &out, c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/fix", body, &out)
}

func (c *Client) Job(ctx context.Context, id string) (*Job, error) {
	var out Job
	return &out, c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &out)
}

// Tick asks the supervisor to run every due cron job. It returns once the
// executions have finished, so callers should allow a generous timeout.
func (c *Client) Tick(ctx context.Context) (*TickResult, error) {
	var out TickResult
	return &out, c.do(ctx, http.MethodPost, "/cron/tick", nil, &out)
}

func (c *Client) RunCron(ctx context.Context, name string) (*ActionResult, error) {
	return c.action(ctx, "/cron/"+url.PathEscape(name)+"/run")
}

func (c *Client) ValidateSchedule(ctx context.Context, expr string) (*ScheduleCheck, error) {
	var out ScheduleCheck
	return &out, c.do(ctx, http.MethodGet, "/cron/validate?schedule="+url.QueryEscape(expr), nil, &out)
}

func (c *Client) action(ctx context.Context, path string) (*ActionResult, error) {
	var out ActionResult
	return &out, c.do(ctx, http.MethodPost, path, nil, &out)
}

// do sends body as JSON when non-nil and decodes a 2xx answer into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.errorFrom(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) errorFrom(resp *http.Response) error {
	var e ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", e.Error, "status", resp.StatusCode)
	return fmt.Errorf("API error (%d): %s", resp.StatusCode, e.Error)
}
