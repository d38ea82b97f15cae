// Package dispatch decides, per inbound request, where it goes and what
// body the backend receives. It does no I/O itself; the server package
// hands the resulting Target to the transport.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/howard-nolan/modelproxy/internal/resolver"
	"github.com/howard-nolan/modelproxy/internal/transform"
)

// V1Prefix is the versioned API prefix. Requests under it carry the model in
// the JSON body; anything else carries it in the Authorization header.
const V1Prefix = "/v1"

// Kind classifies dispatch failures for the HTTP layer.
type Kind int

const (
	// KindInvalidRequest is the caller's fault: unknown model, bad body,
	// endpoint mismatch.
	KindInvalidRequest Kind = iota
	// KindInternal is ours.
	KindInternal
)

// Error is a dispatch failure with a message safe to return to clients.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func invalid(msg string, err error) *Error {
	return &Error{Kind: KindInvalidRequest, Message: msg, Err: err}
}

// Target is a fully resolved, rewritten request ready to forward.
type Target struct {
	URL       string
	APIKey    string
	Streaming bool
	Body      []byte

	Server    string
	Model     string
	BaseModel string
	Virtual   bool
}

// Resolver resolves model ids to routes.
type Resolver interface {
	Resolve(ctx context.Context, model string) (*resolver.RouteTarget, error)
}

// Dispatcher routes inbound requests.
type Dispatcher struct {
	resolver    Resolver
	logger      *zap.Logger
	debugBodies bool
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger; the default discards everything.
func WithLogger(l *zap.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithDebugBodies logs every rewritten body at debug level.
func WithDebugBodies(on bool) Option { return func(d *Dispatcher) { d.debugBodies = on } }

// New creates a Dispatcher.
func New(r Resolver, opts ...Option) *Dispatcher {
	d := &Dispatcher{resolver: r, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Route resolves and rewrites one request. path and rawQuery come from the
// inbound URL.
func (d *Dispatcher) Route(ctx context.Context, method, path, rawQuery string, body []byte, header http.Header) (*Target, error) {
	versioned := underV1(path)

	// The body is decoded once and everything below reads the same map,
	// so the model that is routed is the model that is forwarded.
	obj, err := decodeObject(versioned, body)
	if err != nil {
		return nil, err
	}

	model, err := requestedModel(versioned, obj, header)
	if err != nil {
		return nil, err
	}

	route, err := d.resolver.Resolve(ctx, model)
	if err != nil {
		var rerr *resolver.Error
		if errors.As(err, &rerr) {
			return nil, invalid(fmt.Sprintf("model '%s' is not available", model), err)
		}
		return nil, &Error{Kind: KindInternal, Message: "route resolution failed", Err: err}
	}

	endpoint := strings.TrimRight(route.Endpoint, "/")
	if !versioned && strings.HasSuffix(endpoint, V1Prefix) {
		return nil, invalid(fmt.Sprintf("model '%s' is only served under %s", model, V1Prefix), nil)
	}

	out := body
	if obj != nil {
		if out, err = rewriteBody(versioned, obj, route); err != nil {
			return nil, err
		}
	}

	target := &Target{
		URL:       endpoint + backendPath(path, endpoint) + query(rawQuery),
		APIKey:    route.APIKey,
		Streaming: isStreaming(obj),
		Body:      out,
		Server:    route.Server,
		Model:     model,
		BaseModel: route.BaseModel,
		Virtual:   route.Virtual,
	}

	d.logger.Info("routing request",
		zap.String("method", method),
		zap.String("model", model),
		zap.String("server", route.Server),
		zap.String("url", target.URL),
		zap.Bool("streaming", target.Streaming),
	)
	if d.debugBodies && len(out) > 0 {
		d.logger.Debug("forwarding body", zap.ByteString("body", out))
	}
	return target, nil
}

// decodeObject decodes a JSON object body, keeping numbers as written.
// Versioned paths require one; elsewhere a missing or non-object body
// yields nil and is passed through untouched. Duplicate keys resolve to
// the last occurrence.
func decodeObject(versioned bool, body []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(body)) == 0 || !gjson.ValidBytes(body) {
		if versioned {
			return nil, invalid("request body must be valid JSON", nil)
		}
		return nil, nil
	}
	if !gjson.ParseBytes(body).IsObject() {
		if versioned {
			return nil, invalid("request body must be a JSON object", nil)
		}
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, invalid("request body must be valid JSON", err)
	}
	return obj, nil
}

// requestedModel reads the model id from the body (versioned paths) or the
// bearer token (everything else).
func requestedModel(versioned bool, obj map[string]any, header http.Header) (string, error) {
	if versioned {
		m, ok := obj["model"].(string)
		if !ok || m == "" {
			return "", invalid("request body has no 'model' field", nil)
		}
		return m, nil
	}

	auth := header.Get("Authorization")
	model := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if model == "" {
		return "", invalid("missing model in Authorization header", nil)
	}
	return model, nil
}

// rewriteBody sets the backend model name, applies the route's rules and
// re-encodes obj.
func rewriteBody(versioned bool, obj map[string]any, route *resolver.RouteTarget) ([]byte, error) {
	if _, ok := obj["model"]; versioned || ok {
		obj["model"] = route.BaseModel
	}

	transform.Apply(obj, route.Rules)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return nil, &Error{Kind: KindInternal, Message: "encoding body", Err: err}
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// isStreaming is true unless the body explicitly sets "stream": false.
func isStreaming(obj map[string]any) bool {
	stream, ok := obj["stream"].(bool)
	return !ok || stream
}

func underV1(path string) bool {
	return path == V1Prefix || strings.HasPrefix(path, V1Prefix+"/")
}

// backendPath drops one /v1 from path when the endpoint already ends in it.
func backendPath(path, endpoint string) string {
	if strings.HasSuffix(endpoint, V1Prefix) && underV1(path) {
		return strings.TrimPrefix(path, V1Prefix)
	}
	return path
}

func query(raw string) string {
	if raw == "" {
		return ""
	}
	return "?" + raw
}
