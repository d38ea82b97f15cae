// Package provider is the HTTP transport to backend model servers. It lists
// the models a backend serves and forwards rewritten requests to it.
//
// Backends speak the OpenAI wire format already, so nothing here translates
// request or response bodies; that is the job of the transform package.
package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ModelsPath is appended to a backend endpoint to list its models.
const ModelsPath = "/models"

// Client talks to backends. Discovery and forwarding use separate
// http.Clients because their timeout budgets differ by two orders of
// magnitude.
type Client struct {
	discovery *http.Client
	forward   *http.Client
}

// NewClient creates a Client. Either http.Client may be shared with tests.
func NewClient(discovery, forward *http.Client) *Client {
	return &Client{discovery: discovery, forward: forward}
}

// NewDiscoveryHTTPClient builds the client used for model listing. The whole
// exchange, body included, must finish within requestTimeout.
func NewDiscoveryHTTPClient(connectTimeout, requestTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: newTransport(connectTimeout, 0),
		Timeout:   requestTimeout,
	}
}

// NewForwardHTTPClient builds the client used for proxied requests. There is
// no overall deadline: a streaming response may legitimately run for minutes.
// requestTimeout bounds the wait for response headers instead.
func NewForwardHTTPClient(connectTimeout, requestTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: newTransport(connectTimeout, requestTimeout),
	}
}

func newTransport(connectTimeout, headerTimeout time.Duration) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	t.ResponseHeaderTimeout = headerTimeout
	return t
}

// UpstreamError is returned when a backend answers with a non-2xx status.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// ListModels fetches GET <endpoint>/models and returns the ids in data[].id,
// in the order the backend sent them.
func (c *Client) ListModels(ctx context.Context, endpoint, apiKey string) ([]string, error) {
	url := strings.TrimRight(endpoint, "/") + ModelsPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.discovery.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing models at %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading models response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("models response from %s is not valid JSON", url)
	}

	data := gjson.GetBytes(body, "data")
	if !data.IsArray() {
		return nil, fmt.Errorf("models response from %s has no data array", url)
	}

	var ids []string
	data.ForEach(func(_, item gjson.Result) bool {
		if id := item.Get("id"); id.Type == gjson.String && id.Str != "" {
			ids = append(ids, id.Str)
		}
		return true
	})
	return ids, nil
}

// Request is a request to forward to a backend.
type Request struct {
	Method string
	URL    string
	APIKey string
	Body   []byte

	// Header holds the inbound headers. Hop-by-hop headers, Authorization,
	// Host and Content-Length are never copied upstream.
	Header http.Header
}

// skipHeaders are not copied from the inbound request. Accept-Encoding is
// left to the transport so it can negotiate and decode compression itself.
var skipHeaders = map[string]bool{
	"Authorization":       true,
	"Host":                true,
	"Content-Length":      true,
	"Accept-Encoding":     true,
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Forward sends req upstream. The caller owns the returned response body.
// Cancelling ctx aborts the upstream exchange, including a stream in flight.
func (c *Client) Forward(ctx context.Context, req *Request) (*http.Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for name, values := range req.Header {
		if skipHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}

	resp, err := c.forward.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("forwarding to %s: %w", req.URL, err)
	}
	return resp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
