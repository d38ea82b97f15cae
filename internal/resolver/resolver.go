// Package resolver turns a requested model id into a concrete route: which
// endpoint to call, with which key, under which base model name, and with
// which merged deny/defaults/overrides rules.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/howard-nolan/modelproxy/internal/config"
	"github.com/howard-nolan/modelproxy/internal/registry"
	"github.com/howard-nolan/modelproxy/internal/transform"
)

var (
	// ErrModelNotFound means the id is not in the model registry.
	ErrModelNotFound = errors.New("model not found")

	// ErrServerNotFound means the registry entry points at an endpoint no
	// configured server owns.
	ErrServerNotFound = errors.New("no server owns the model's endpoint")

	// ErrProfileNotFound means a virtual entry names a profile its server
	// does not define.
	ErrProfileNotFound = errors.New("profile not defined on server")
)

// Error is returned by Resolve. Use errors.Is with the sentinels above.
type Error struct {
	Model string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("resolving model %q: %v", e.Model, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RouteTarget is the resolution result for one request.
type RouteTarget struct {
	Server    string
	Endpoint  string
	APIKey    string
	Virtual   bool
	Model     string // as requested
	BaseModel string // as the backend knows it
	Rules     transform.Rules
}

// Catalog is the part of the model registry the resolver reads.
type Catalog interface {
	Lookup(ctx context.Context, id string) (registry.Entry, bool)
}

// Resolver resolves model ids against the compiled backends.
type Resolver struct {
	runtime *config.Runtime
	catalog Catalog
}

// New creates a Resolver.
func New(rt *config.Runtime, catalog Catalog) *Resolver {
	return &Resolver{runtime: rt, catalog: catalog}
}

// Resolve looks model up and builds its RouteTarget. Server rules come
// first and the profile's are merged on top of copies of them, so the
// compiled configuration is never mutated.
func (r *Resolver) Resolve(ctx context.Context, model string) (*RouteTarget, error) {
	entry, ok := r.catalog.Lookup(ctx, model)
	if !ok {
		return nil, &Error{Model: model, Err: ErrModelNotFound}
	}

	// Servers may share an endpoint, so the recorded server name decides.
	// Entries without one fall back to the endpoint.
	srv, ok := r.runtime.Server(entry.Server)
	if !ok {
		srv, ok = r.runtime.ServerByEndpoint(entry.Endpoint)
	}
	if !ok {
		return nil, &Error{Model: model, Err: ErrServerNotFound}
	}

	target := &RouteTarget{
		Server:    srv.Name,
		Endpoint:  srv.NextEndpoint(),
		APIKey:    srv.BearerKey(),
		Model:     model,
		BaseModel: model,
	}

	var profile *config.Profile
	if entry.Virtual {
		p, ok := srv.Profiles[entry.Suffix]
		if !ok {
			return nil, &Error{Model: model, Err: ErrProfileNotFound}
		}
		profile = p
		target.Virtual = true
		target.BaseModel = entry.Base
	}

	deny := append([]string(nil), srv.Deny...)
	defaults := transform.CopyObject(srv.Defaults)
	overrides := transform.CopyObject(srv.Overrides)
	if profile != nil {
		deny = append(deny, profile.Deny...)
		transform.ApplyOverrides(defaults, profile.Defaults)
		transform.ApplyOverrides(overrides, profile.Overrides)
		target.Rules.SystemMessage = profile.SystemMessage
		target.Rules.DeveloperMessage = profile.DeveloperMessage
	}
	target.Rules.Deny = deny
	target.Rules.Defaults = defaults
	target.Rules.Overrides = overrides

	return target, nil
}
