// Package flow is a client for the Flow (flow.cl) payment gateway REST API.
//
// Every call is authenticated by an apiKey parameter plus an HMAC-SHA256
// signature "s" over the remaining parameters; see Sign. POST requests are
// form-encoded and GET requests carry the parameters in the query string.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	ProductionURL = "https://www.flow.cl/api"
	SandboxURL    = "https://sandbox.flow.cl/api"

	maxResponseBytes = 1 << 20
)

// APIError is the error envelope Flow returns with non-2xx responses.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("flow API error (%d, code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("flow API error (%d): %s", e.StatusCode, e.Message)
}

// Client talks to one Flow environment with one commerce key pair.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithSandbox() Option {
	return WithBaseURL(SandboxURL)
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithTimeout sets the request timeout regardless of option order. A client
// passed through WithHTTPClient is copied, not modified.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func New(apiKey, secretKey string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("flow: api key is required")
	}
	if strings.TrimSpace(secretKey) == "" {
		return nil, errors.New("flow: secret key is required")
	}
	c := &Client{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    ProductionURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout > 0 {
		hc := *c.httpClient
		hc.Timeout = c.timeout
		c.httpClient = &hc
	}
	return c, nil
}

func (c *Client) BaseURL() string { return c.baseURL }

// Sign signs params with the client's secret key after adding the api key.
func (c *Client) Sign(params url.Values) url.Values {
	return Signed(params, c.apiKey, c.secretKey)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, out any) error {
	signed := c.Sign(params)
	endpoint := c.baseURL + path

	var (
		req *http.Request
		err error
	)
	switch method {
	case http.MethodGet:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+signed.Encode(), http.NoBody)
	case http.MethodPost:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(signed.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	default:
		return fmt.Errorf("flow: unsupported method %s", method)
	}
	if err != nil {
		return fmt.Errorf("failed to build flow request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("flow request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read flow response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		if apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode flow response: %w", err)
	}
	return nil
}
