// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/howard-nolan/modelproxy/internal/dispatch"
	"github.com/howard-nolan/modelproxy/internal/metrics"
	"github.com/howard-nolan/modelproxy/internal/provider"
)

// DefaultMaxBodyBytes caps inbound request bodies when Options leaves it unset.
const DefaultMaxBodyBytes = 50 << 20

// Catalog is the model listing the server exposes.
type Catalog interface {
	Models(ctx context.Context) []string
}

// Router picks the backend and body for a request.
type Router interface {
	Route(ctx context.Context, method, path, rawQuery string, body []byte, header http.Header) (*dispatch.Target, error)
}

// Forwarder sends a prepared request to a backend.
type Forwarder interface {
	Forward(ctx context.Context, req *provider.Request) (*http.Response, error)
}

// Options are the Server's collaborators. Logger and Metrics may be nil.
type Options struct {
	Catalog      Catalog
	Router       Router
	Forwarder    Forwarder
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
	MaxBodyBytes int64
}

// Server holds the HTTP router and everything the handlers need. The
// handlers are methods on Server so they reach these collaborators through
// the receiver instead of globals.
type Server struct {
	router       chi.Router
	catalog      Catalog
	dispatcher   Router
	forwarder    Forwarder
	metrics      *metrics.Metrics
	logger       *zap.Logger
	maxBodyBytes int64
}

// New creates a Server with routes and middleware wired, ready to use as an
// http.Handler.
func New(opts Options) *Server {
	s := &Server{
		catalog:      opts.Catalog,
		dispatcher:   opts.Router,
		forwarder:    opts.Forwarder,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		maxBodyBytes: opts.MaxBodyBytes,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.maxBodyBytes <= 0 {
		s.maxBodyBytes = DefaultMaxBodyBytes
	}
	s.routes()
	return s
}

// routes builds the chi router. Everything that is not one of the gateway's
// own endpoints falls through to the proxy handler.
func (s *Server) routes() {
	r := chi.NewRouter()

	// Middleware runs in registration order, outermost first:
	//   requestID  - tags the request (and the backend call) with X-Request-ID
	//   RealIP     - sets RemoteAddr from X-Forwarded-For / X-Real-IP
	//   logger     - one line per request, after the handler returns
	//   Recoverer  - turns a handler panic into a 500 instead of a dead conn
	// requestID sits first so every later log line can carry the id.
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	// The gateway's own endpoints. Models is served both with and without
	// the /v1 prefix since clients use either.
	r.Get("/health", s.handleHealth)
	r.Get("/v1/models", s.handleModels)
	r.Get("/models", s.handleModels)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	// chi's "/*" matches any path and method not claimed above, which is
	// every proxied API call.
	r.Handle("/*", http.HandlerFunc(s.handleProxy))

	s.router = r
}

// ServeHTTP makes Server satisfy http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
