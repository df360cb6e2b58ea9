// Package client reads test and series state from a running "pavr serve".
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Client talks to the pavr JSON API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
}

// APIError is a non-200 answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a client. It fails only when TLS material cannot be loaded.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks whether the API answers.
func (c *Client) IsReachable(ctx context.Context) bool {
	var list []SeriesInfo
	err := c.get(ctx, "/series", nil, &list)
	if err != nil {
		c.logger.Debug("pavr API unreachable", "url", c.baseURL, "error", err)
	}
	return err == nil
}

// Tests lists every test run, optionally only those in state.
func (c *Client) Tests(ctx context.Context, state string) ([]TestInfo, error) {
	var q url.Values
	if state != "" {
		q = url.Values{"state": {state}}
	}
	var out []TestInfo
	return out, c.get(ctx, "/tests", q, &out)
}

// Test returns one test run by full or bare id.
func (c *Client) Test(ctx context.Context, id string) (TestInfo, error) {
	var out TestInfo
	return out, c.get(ctx, "/tests/"+url.PathEscape(id), nil, &out)
}

// TestHistory returns every status entry of a test run.
func (c *Client) TestHistory(ctx context.Context, id string) ([]Entry, error) {
	var out []Entry
	return out, c.get(ctx, "/tests/"+url.PathEscape(id)+"/history", nil, &out)
}

// SeriesList lists every series.
func (c *Client) SeriesList(ctx context.Context) ([]SeriesInfo, error) {
	var out []SeriesInfo
	return out, c.get(ctx, "/series", nil, &out)
}

// Series returns a series and its member tests.
func (c *Client) Series(ctx context.Context, sid string) (SeriesDetail, error) {
	var out SeriesDetail
	return out, c.get(ctx, "/series/"+url.PathEscape(sid), nil, &out)
}

// SeriesHistory returns every status entry of a series.
func (c *Client) SeriesHistory(ctx context.Context, sid string) ([]Entry, error) {
	var out []Entry
	return out, c.get(ctx, "/series/"+url.PathEscape(sid)+"/history", nil, &out)
}

// setupClientTLS configures TLS settings for HTTP client
// TestLog returns a test's kickoff, build or run log. tail > 0 limits it
// to the last lines.
func (c *Client) TestLog(ctx context.Context, id, kind string, tail int) (string, error) {
	return c.getText(ctx, "/tests/"+url.PathEscape(id)+"/log/"+url.PathEscape(kind), tailQuery(tail))
}

// SeriesLog returns the output of a series controller.
func (c *Client) SeriesLog(ctx context.Context, sid string, tail int) (string, error) {
	return c.getText(ctx, "/series/"+url.PathEscape(sid)+"/log", tailQuery(tail))
}

func tailQuery(tail int) url.Values {
	if tail <= 0 {
		return nil
	}
	return url.Values{"tail": {strconv.Itoa(tail)}}
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		// #nosec G402 -- explicitly requested by the caller
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.TLS == nil {
		return tlsConfig, nil
	}
	if config.TLS.ServerName != "" {
		tlsConfig.ServerName = config.TLS.ServerName
	}
	if config.TLS.CACert != "" {
		if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	// #nosec G304 -- path supplied by the caller
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = caCertPool
	return nil
}

// get performs a GET and decodes a JSON answer into out.
func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	resp, err := c.do(ctx, path, q)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) getText(ctx context.Context, path string, q url.Values) (string, error) {
	resp, err := c.do(ctx, path, q)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(b), nil
}

// do issues a GET and turns any status but 200 into an *APIError.
func (c *Client) do(ctx context.Context, path string, q url.Values) (*http.Response, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", u)
		return nil, fmt.Errorf("do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		var errorResp ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errorResp)
		return nil, &APIError{Status: resp.StatusCode, Message: errorResp.Error}
	}
	return resp, nil
}
