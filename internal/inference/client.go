// Package inference is a client for the model-serving proxy that issues virtual keys
// and serves OpenAI compatible chat completions.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// ErrUpstreamUnavailable is returned when the backend cannot be reached or refuses a request.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// maxErrorBody bounds how much of an error response is kept for diagnostics.
const maxErrorBody = 4 << 10

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Endpoint   string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("inference %s returned status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Unwrap marks every API error as an upstream failure.
func (e *APIError) Unwrap() error { return ErrUpstreamUnavailable }

// Config configures a Client.
type Config struct {
	BaseURL   string
	MasterKey string

	// AdminTimeout bounds key management and catalog calls. Default: 15s
	AdminTimeout time.Duration

	// ResponseHeaderTimeout bounds how long a completion may take to start streaming.
	// The stream itself is bounded only by the caller's context. Default: 60s
	ResponseHeaderTimeout time.Duration

	// Transport overrides the base round tripper, used by tests.
	Transport http.RoundTripper
}

// Client talks to the inference backend. Admin calls authenticate with the master key,
// completions with the caller's downstream key.
type Client struct {
	baseURL *url.URL
	admin   *http.Client
	catalog *http.Client
	stream  *http.Client
}

// NewClient creates a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("inference base url is required")
	}
	if cfg.MasterKey == "" {
		return nil, fmt.Errorf("inference master key is required")
	}
	if cfg.AdminTimeout == 0 {
		cfg.AdminTimeout = 15 * time.Second
	}
	if cfg.ResponseHeaderTimeout == 0 {
		cfg.ResponseHeaderTimeout = 60 * time.Second
	}

	baseURL, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid inference base url: %w", err)
	}

	base := cfg.Transport
	if base == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = cfg.ResponseHeaderTimeout
		base = t
	}
	base = otelhttp.NewTransport(base)

	adminTransport := &oauth2.Transport{
		Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.MasterKey}),
		Base:   base,
	}

	return &Client{
		baseURL: baseURL,
		admin:   &http.Client{Transport: adminTransport, Timeout: cfg.AdminTimeout},
		catalog: newCachingClient(adminTransport, cfg.AdminTimeout),
		stream:  &http.Client{Transport: base},
	}, nil
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.JoinPath(path).String()
}

// doJSON sends body as JSON and decodes a JSON response into out when out is non-nil.
func (c *Client) doJSON(ctx context.Context, hc *http.Client, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return wrapTransportError(path, err)
	}
	defer resp.Body.Close()

	if err := checkResponse(path, resp); err != nil {
		return err
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}

	return nil
}

// checkResponse converts a non-2xx response into an APIError.
func checkResponse(path string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &APIError{
		StatusCode: resp.StatusCode,
		Endpoint:   path,
		Body:       strings.TrimSpace(string(body)),
	}
}

func wrapTransportError(path string, err error) error {
	// Caller cancellation is not an upstream failure.
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("inference %s: %w", path, err)
	}

	return fmt.Errorf("inference %s: %w: %v", path, ErrUpstreamUnavailable, err)
}

// Health calls the backend health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, c.admin, http.MethodGet, "/health", nil, nil)
}
