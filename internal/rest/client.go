// Package rest is the HTTP client for an instance's REST API: endpoint
// discovery, the current user, channel history and message creation.
//
// Discovery results are cached for the lifetime of the Client; a failed
// discovery is retried on the next call.
package rest

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
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-mirror/internal/observability"
)

// ErrNoEndpoints is returned when discovery yields no gateway or API address.
var ErrNoEndpoints = errors.New("instance did not advertise gateway/api endpoints")

// APIError is a non-2xx response.
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("api error: HTTP %d: %s (code %d)", e.Status, e.Message, e.Code)
}

// Endpoints is the discovery document of an instance.
type Endpoints struct {
	CDN               string     `json:"cdn"`
	Gateway           string     `json:"gateway"`
	DefaultAPIVersion apiVersion `json:"defaultApiVersion"`
	APIEndpoint       string     `json:"apiEndpoint"`
}

// APIBase is the versioned REST base URL, e.g. https://host/api/v9.
func (e Endpoints) APIBase() string {
	v := string(e.DefaultAPIVersion)
	if v == "" {
		v = "9"
	}
	return strings.TrimRight(e.APIEndpoint, "/") + "/v" + v
}

// apiVersion accepts both "9" and 9.
type apiVersion string

func (v *apiVersion) UnmarshalJSON(b []byte) error {
	if s, err := strconv.Unquote(string(b)); err == nil {
		*v = apiVersion(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*v = apiVersion(n.String())
	return nil
}

// Client talks to one instance.
type Client struct {
	domain  string
	baseURL string
	http    *http.Client
	tracer  trace.Tracer

	mu        sync.Mutex
	endpoints *Endpoints
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithBaseURL overrides the discovery origin (https://{domain} by default).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.http.Timeout = d } }

// New returns a client for domain.
func New(domain string, opts ...Option) *Client {
	c := &Client{
		domain:  domain,
		baseURL: "https://" + domain,
		http:    &http.Client{Timeout: 15 * time.Second},
		tracer:  observability.Tracer("rest"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Domain returns the instance domain.
func (c *Client) Domain() string { return c.domain }

// Endpoints resolves and caches the instance's discovery document.
func (c *Client) Endpoints(ctx context.Context) (Endpoints, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endpoints != nil {
		return *c.endpoints, nil
	}

	var e Endpoints
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/api/policies/instance/domains", nil, "", nil, &e); err != nil {
		return Endpoints{}, fmt.Errorf("discover %s: %w", c.domain, err)
	}
	if e.Gateway == "" || e.APIEndpoint == "" {
		return Endpoints{}, ErrNoEndpoints
	}
	c.endpoints = &e
	return e, nil
}

// GatewayURL returns the discovered gateway address.
func (c *Client) GatewayURL(ctx context.Context) (string, error) {
	e, err := c.Endpoints(ctx)
	if err != nil {
		return "", err
	}
	return e.Gateway, nil
}

// Get issues an authenticated GET against the versioned API and decodes
// the response into out.
func (c *Client) Get(ctx context.Context, path string, query url.Values, token string, out any) error {
	e, err := c.Endpoints(ctx)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodGet, e.APIBase()+"/"+strings.TrimLeft(path, "/"), query, token, nil, out)
}

// Post issues an authenticated POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any, token string, out any) error {
	e, err := c.Endpoints(ctx)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, e.APIBase()+"/"+strings.TrimLeft(path, "/"), nil, token, body, out)
}

func (c *Client) do(ctx context.Context, method, rawURL string, query url.Values, token string, body, out any) error {
	ctx, span := c.tracer.Start(ctx, "rest."+strings.ToLower(method),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("instance.domain", c.domain),
			attribute.String("http.method", method),
		),
	)
	defer span.End()

	err := c.roundTrip(ctx, span, method, rawURL, query, token, body, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, span trace.Span, method, rawURL string, query url.Values, token string, body, out any) error {
	if len(query) > 0 {
		rawURL += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(b, apiErr)
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}
