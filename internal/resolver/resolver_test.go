package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/modelproxy/internal/config"
	"github.com/howard-nolan/modelproxy/internal/registry"
)

type staticLister map[string][]string

func (s staticLister) ListModels(_ context.Context, endpoint, _ string) ([]string, error) {
	return s[endpoint], nil
}

// newResolver compiles tree, fills a registry from models and returns a
// Resolver over both.
func newResolver(t *testing.T, tree map[string]any, models staticLister) (*Resolver, *config.Runtime) {
	t.Helper()
	rt, err := config.Compile(tree)
	require.NoError(t, err)
	return New(rt, registry.New(rt, models)), rt
}

func TestResolve_VirtualModel(t *testing.T) {
	r, rt := newResolver(t, map[string]any{
		"S": map[string]any{
			"endpoint":  "https://api.example.com/v1",
			"api_key":   "sk-s",
			"deny":      []any{"temperature"},
			"defaults":  map[string]any{"max_tokens": 100, "top_p": 0.9},
			"overrides": map[string]any{"stream": true, "reasoning": map[string]any{"effort": "low", "summary": "auto"}},
			"high": map[string]any{
				"deny":              []any{"/top_k"},
				"defaults":          map[string]any{"max_tokens": 4000},
				"overrides":         map[string]any{"reasoning": map[string]any{"effort": "high"}},
				"system_message":    "think hard",
				"developer_message": "be precise",
			},
		},
	}, staticLister{"https://api.example.com/v1": {"gpt-4"}})

	target, err := r.Resolve(context.Background(), "gpt-4-high")
	require.NoError(t, err)

	assert.True(t, target.Virtual)
	assert.Equal(t, "gpt-4", target.BaseModel)
	assert.Equal(t, "gpt-4-high", target.Model)
	assert.Equal(t, "S", target.Server)
	assert.Equal(t, "https://api.example.com/v1", target.Endpoint)
	assert.Equal(t, "sk-s", target.APIKey)
	assert.Equal(t, []string{"/temperature", "/top_k"}, target.Rules.Deny)
	assert.Equal(t, map[string]any{"max_tokens": 4000.0, "top_p": 0.9}, target.Rules.Defaults)
	assert.Equal(t, map[string]any{
		"stream":    true,
		"reasoning": map[string]any{"effort": "high", "summary": "auto"},
	}, target.Rules.Overrides)
	assert.Equal(t, "think hard", target.Rules.SystemMessage)
	assert.Equal(t, "be precise", target.Rules.DeveloperMessage)

	// The compiled server rules are untouched by the merge.
	srv, _ := rt.Server("S")
	assert.Equal(t, map[string]any{"effort": "low", "summary": "auto"}, srv.Overrides["reasoning"])
	assert.Equal(t, 100.0, srv.Defaults["max_tokens"])
}

func TestResolve_BaseModel(t *testing.T) {
	r, _ := newResolver(t, map[string]any{
		"local": map[string]any{
			"endpoint":  "http://localhost:8080",
			"overrides": map[string]any{"stream": true},
			"fast":      map[string]any{"overrides": map[string]any{"max_tokens": 10}},
		},
	}, staticLister{"http://localhost:8080": {"llama"}})

	target, err := r.Resolve(context.Background(), "llama")
	require.NoError(t, err)

	assert.False(t, target.Virtual)
	assert.Equal(t, "llama", target.BaseModel)
	assert.Empty(t, target.APIKey)
	assert.Equal(t, map[string]any{"stream": true}, target.Rules.Overrides)
	assert.Empty(t, target.Rules.Deny)
	assert.Empty(t, target.Rules.SystemMessage)
}

func TestResolve_BaseIDEndingInSuffixIsNotStripped(t *testing.T) {
	r, _ := newResolver(t, map[string]any{
		"local": map[string]any{
			"endpoint": "http://localhost:8080",
			"fast":     map[string]any{},
		},
	}, staticLister{"http://localhost:8080": {"qwen-fast"}})

	target, err := r.Resolve(context.Background(), "qwen-fast")
	require.NoError(t, err)
	assert.False(t, target.Virtual)
	assert.Equal(t, "qwen-fast", target.BaseModel)
}

func TestResolve_LongestSuffixWins(t *testing.T) {
	r, _ := newResolver(t, map[string]any{
		"srv": map[string]any{
			"endpoint":         "http://h",
			"hide_base_models": true,
			"a":                map[string]any{"overrides": map[string]any{"p": "a"}},
			"fast-a":           map[string]any{"overrides": map[string]any{"p": "fast-a"}},
		},
	}, staticLister{"http://h": {"model"}})

	target, err := r.Resolve(context.Background(), "model-fast-a")
	require.NoError(t, err)

	assert.True(t, target.Virtual)
	assert.Equal(t, "model", target.BaseModel)
	assert.Equal(t, "fast-a", target.Rules.Overrides["p"])
}

func TestResolve_RoundRobinEndpoints(t *testing.T) {
	r, _ := newResolver(t, map[string]any{
		"pool": map[string]any{
			"endpoint": "http://gpu",
			"ports":    []any{8001, 8002},
		},
	}, staticLister{"http://gpu:8001": {"m"}})

	var got []string
	for i := 0; i < 4; i++ {
		target, err := r.Resolve(context.Background(), "m")
		require.NoError(t, err)
		got = append(got, target.Endpoint)
	}
	assert.Equal(t, []string{"http://gpu:8001", "http://gpu:8002", "http://gpu:8001", "http://gpu:8002"}, got)
}

func TestResolve_ModelNotFound(t *testing.T) {
	r, _ := newResolver(t, map[string]any{
		"s": map[string]any{"endpoint": "http://h"},
	}, staticLister{"http://h": {"m"}})

	_, err := r.Resolve(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrModelNotFound))

	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "nope", rerr.Model)
}

type fixedCatalog map[string]registry.Entry

func (f fixedCatalog) Lookup(_ context.Context, id string) (registry.Entry, bool) {
	e, ok := f[id]
	return e, ok
}

func TestResolve_SharedEndpoint(t *testing.T) {
	r, _ := newResolver(t, map[string]any{
		"a": map[string]any{"endpoint": "http://x", "api_key": "key-a"},
		"b": map[string]any{
			"endpoint": "http://x",
			"api_key":  "key-b",
			"high":     map[string]any{"overrides": map[string]any{"reasoning_effort": "high"}},
		},
	}, staticLister{"http://x": {"m"}})

	target, err := r.Resolve(context.Background(), "m-high")
	require.NoError(t, err)
	assert.Equal(t, "b", target.Server)
	assert.Equal(t, "key-b", target.APIKey)
	assert.Equal(t, "m", target.BaseModel)
	assert.Equal(t, "high", target.Rules.Overrides["reasoning_effort"])

	// b registers after a, so it owns the base id too.
	target, err = r.Resolve(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, "b", target.Server)
	assert.Equal(t, "key-b", target.APIKey)
}

func TestResolve_EntryWithoutServerUsesEndpoint(t *testing.T) {
	rt, err := config.Compile(map[string]any{"s": map[string]any{"endpoint": "http://h", "api_key": "k"}})
	require.NoError(t, err)

	r := New(rt, fixedCatalog{"m": {ID: "m", Endpoint: "http://h", Base: "m"}})

	target, err := r.Resolve(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, "s", target.Server)
	assert.Equal(t, "k", target.APIKey)
}

func TestResolve_ServerNotFound(t *testing.T) {
	rt, err := config.Compile(map[string]any{"s": map[string]any{"endpoint": "http://h"}})
	require.NoError(t, err)

	r := New(rt, fixedCatalog{"m": {ID: "m", Endpoint: "http://elsewhere", Base: "m"}})

	_, err = r.Resolve(context.Background(), "m")
	assert.True(t, errors.Is(err, ErrServerNotFound))
}

func TestResolve_VirtualEntryWithUnknownProfile(t *testing.T) {
	rt, err := config.Compile(map[string]any{"s": map[string]any{"endpoint": "http://h"}})
	require.NoError(t, err)

	r := New(rt, fixedCatalog{"m-x": {ID: "m-x", Endpoint: "http://h", Virtual: true, Base: "m", Suffix: "x"}})

	_, err = r.Resolve(context.Background(), "m-x")
	assert.True(t, errors.Is(err, ErrProfileNotFound))
}
