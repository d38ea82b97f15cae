package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/modelproxy/internal/config"
	"github.com/howard-nolan/modelproxy/internal/dispatch"
	"github.com/howard-nolan/modelproxy/internal/metrics"
	"github.com/howard-nolan/modelproxy/internal/provider"
	"github.com/howard-nolan/modelproxy/internal/registry"
	"github.com/howard-nolan/modelproxy/internal/resolver"
)

// backend is a fake OpenAI-compatible server that records what it received.
type backend struct {
	*httptest.Server

	mu       sync.Mutex
	lastBody string
	lastAuth string
	lastPath string
	lastID   string
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/v1/models" {
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"object":"list","data":[{"id":"gpt-5"},{"id":"broken"}]}`)
			return
		}

		body, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.lastBody = string(body)
		b.lastAuth = r.Header.Get("Authorization")
		b.lastPath = r.URL.RequestURI()
		b.lastID = r.Header.Get(RequestIDHeader)
		b.mu.Unlock()

		var req map[string]any
		_ = json.Unmarshal(body, &req)

		if req["model"] == "broken" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, `{"error":{"message":"overloaded"}}`)
			return
		}
		if req["stream"] == true {
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			for _, tok := range []string{"Hel", "lo"} {
				io.WriteString(w, `data: {"choices":[{"delta":{"content":"`+tok+`"}}]}`+"\n\n")
				flusher.Flush()
			}
			io.WriteString(w, "data: [DONE]\n\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"choices":[{"message":{"content":"Hello"}}]}`)
	}))
	t.Cleanup(b.Close)
	return b
}

func (b *backend) received() (body, auth, path, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastBody, b.lastAuth, b.lastPath, b.lastID
}

// newStack wires the full request path over one fake backend.
func newStack(t *testing.T, b *backend) (*Server, *metrics.Metrics) {
	t.Helper()

	rt, err := config.Compile(map[string]any{
		"OpenAI": map[string]any{
			"endpoint": b.URL + "/v1",
			"api_key":  "sk-backend",
			"deny":     []any{"/temperature"},
			"high": map[string]any{
				"overrides": map[string]any{"reasoning_effort": "high"},
			},
		},
	})
	require.NoError(t, err)

	client := provider.NewClient(
		provider.NewDiscoveryHTTPClient(time.Second, 2*time.Second),
		provider.NewForwardHTTPClient(time.Second, 5*time.Second),
	)
	m := metrics.New()
	reg := registry.New(rt, client, registry.WithMetrics(m))

	return New(Options{
		Catalog:   reg,
		Router:    dispatch.New(resolver.New(rt, reg)),
		Forwarder: client,
		Metrics:   m,
	}), m
}

func TestServer_Health(t *testing.T) {
	srv, _ := newStack(t, newBackend(t))

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","models":4}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestServer_ListModels(t *testing.T) {
	srv, _ := newStack(t, newBackend(t))

	for _, path := range []string{"/v1/models", "/models"} {
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

		require.Equal(t, http.StatusOK, w.Code, path)
		assert.JSONEq(t, `{"object":"list","data":[
			{"id":"broken","object":"model"},
			{"id":"broken-high","object":"model"},
			{"id":"gpt-5","object":"model"},
			{"id":"gpt-5-high","object":"model"}
		]}`, w.Body.String(), path)
	}
}

func TestServer_ProxyBuffered(t *testing.T) {
	b := newBackend(t)
	srv, m := newStack(t, b)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions?trace=1",
		strings.NewReader(`{"model":"gpt-5-high","stream":false,"temperature":0.2}`))
	req.Header.Set("Authorization", "Bearer client-key")
	req.Header.Set(RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"choices":[{"message":{"content":"Hello"}}]}`, w.Body.String())
	assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))

	body, auth, path, id := b.received()
	assert.JSONEq(t, `{"model":"gpt-5","stream":false,"reasoning_effort":"high"}`, body)
	assert.Equal(t, "Bearer sk-backend", auth)
	assert.Equal(t, "/v1/chat/completions?trace=1", path)
	assert.Equal(t, "req-123", id)

	n, err := testutil.GatherAndCount(m.Registry(), "modelproxy_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestServer_ProxyStreaming(t *testing.T) {
	b := newBackend(t)
	srv, _ := newStack(t, b)

	front := httptest.NewServer(srv)
	defer front.Close()

	resp, err := http.Post(front.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"gpt-5","stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"content":"Hel"`)
	assert.Contains(t, string(raw), `"content":"lo"`)
	assert.True(t, strings.HasSuffix(string(raw), "data: [DONE]\n\n"))
}

func TestServer_StreamingErrorIsBuffered(t *testing.T) {
	srv, _ := newStack(t, newBackend(t))

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"broken","stream":true}`)))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":{"message":"overloaded"}}`, w.Body.String())
}

func TestServer_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		errTyp string
	}{
		{"unknown model", `{"model":"nope"}`, http.StatusBadRequest, errTypeInvalidRequest},
		{"malformed body", `{"model":`, http.StatusBadRequest, errTypeInvalidRequest},
		{"missing model", `{"messages":[]}`, http.StatusBadRequest, errTypeInvalidRequest},
	}

	srv, _ := newStack(t, newBackend(t))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(tt.body)))

			assert.Equal(t, tt.status, w.Code)
			var got errorBody
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
			assert.Equal(t, tt.errTyp, got.Error.Type)
			assert.NotEmpty(t, got.Error.Message)
		})
	}
}

func TestServer_BackendDown(t *testing.T) {
	b := newBackend(t)
	srv, _ := newStack(t, b)

	// Populate the catalog, then take the backend away.
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusOK, w.Code)
	b.Close()

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-5","stream":false}`)))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), errTypeServer)
}

func TestServer_BodyTooLarge(t *testing.T) {
	b := newBackend(t)
	srv, _ := newStack(t, b)
	srv.maxBodyBytes = 16

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-5","padding":"xxxxxxxxxxxxxxxx"}`)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestServer_Metrics(t *testing.T) {
	srv, _ := newStack(t, newBackend(t))

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `modelproxy_registry_refreshes_total{result="ok"} 1`)
	assert.Contains(t, w.Body.String(), `modelproxy_registry_models{server="OpenAI"} 4`)
}
