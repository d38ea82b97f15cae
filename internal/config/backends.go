package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// AuthMode is how the gateway authenticates against a backend.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthBearer AuthMode = "bearer"
)

// Keys with a fixed meaning inside a server table. Any other nested table is
// a profile named after its key.
var reservedKeys = map[string]bool{
	"endpoint":         true,
	"endpoints":        true,
	"port":             true,
	"ports":            true,
	"api_key":          true,
	"models":           true,
	"defaults":         true,
	"overrides":        true,
	"deny":             true,
	"hide_base_models": true,
}

// Profile is a named variant of a server's models. Requests for
// "<model>-<Suffix>" get the profile's rules on top of the server's.
type Profile struct {
	Suffix           string
	Defaults         map[string]any
	Overrides        map[string]any
	Deny             []string
	SystemMessage    string
	DeveloperMessage string
}

// Server is one compiled backend. It is immutable after Compile returns,
// apart from the round-robin cursor.
type Server struct {
	Name      string
	Endpoints []string
	Auth      AuthMode
	APIKey    string

	// Models is the allow-list. nil accepts every discovered model, an empty
	// non-nil slice accepts none.
	Models []string

	Defaults       map[string]any
	Overrides      map[string]any
	Deny           []string
	Profiles       map[string]*Profile
	HideBaseModels bool

	// suffixes holds the profile suffixes longest first.
	suffixes []string
	cursor   atomic.Uint64
}

// FirstEndpoint is the representative endpoint used for model discovery.
func (s *Server) FirstEndpoint() string {
	return s.Endpoints[0]
}

// NextEndpoint picks the next endpoint of the pool in round-robin order.
func (s *Server) NextEndpoint() string {
	n := s.cursor.Add(1) - 1
	return s.Endpoints[n%uint64(len(s.Endpoints))]
}

// HasEndpoint reports whether endpoint belongs to the server's pool.
func (s *Server) HasEndpoint(endpoint string) bool {
	for _, e := range s.Endpoints {
		if e == endpoint {
			return true
		}
	}
	return false
}

// Allows applies the allow-list to a discovered model id.
func (s *Server) Allows(id string) bool {
	if s.Models == nil {
		return true
	}
	for _, m := range s.Models {
		if m == id {
			return true
		}
	}
	return false
}

// Suffixes returns the profile suffixes, longest first with ties in lexical
// order. Callers must not modify the slice.
func (s *Server) Suffixes() []string {
	return s.suffixes
}

// BearerKey returns the key to send upstream, or "" when auth is none.
func (s *Server) BearerKey() string {
	if s.Auth == AuthBearer {
		return s.APIKey
	}
	return ""
}

// Runtime is the compiled backend catalog.
type Runtime struct {
	servers []*Server
	byName  map[string]*Server
}

// Servers returns the servers in name order.
func (r *Runtime) Servers() []*Server {
	return r.servers
}

// Server looks a server up by its table name.
func (r *Runtime) Server(name string) (*Server, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// ServerByEndpoint finds the server whose pool contains endpoint.
func (r *Runtime) ServerByEndpoint(endpoint string) (*Server, bool) {
	for _, s := range r.servers {
		if s.HasEndpoint(endpoint) {
			return s, true
		}
	}
	return nil, false
}

// LoadBackends reads the TOML backend catalog at path and compiles it.
// api_key values of the form ${VAR} are replaced by the variable's value.
func LoadBackends(path string) (*Runtime, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return nil, fmt.Errorf("loading backends file: %w", err)
	}

	tree := k.Raw()
	for _, v := range tree {
		if table, ok := v.(map[string]any); ok {
			if key, ok := table["api_key"].(string); ok {
				table["api_key"] = expandEnv(key)
			}
		}
	}

	return Compile(tree)
}

func expandEnv(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

// Compile validates a generic configuration tree and turns it into a Runtime.
// Every top-level table is a server. Compile fails on the first problem;
// there is no partially compiled result.
func Compile(tree map[string]any) (*Runtime, error) {
	if len(tree) == 0 {
		return nil, errors.New("configuration is empty")
	}

	normalized, err := normalize(tree)
	if err != nil {
		return nil, fmt.Errorf("normalizing configuration: %w", err)
	}

	names := make([]string, 0, len(normalized))
	for name := range normalized {
		names = append(names, name)
	}
	sort.Strings(names)

	rt := &Runtime{byName: make(map[string]*Server, len(names))}
	for _, name := range names {
		table, ok := normalized[name].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("section [%s] must be a table", name)
		}
		srv, err := compileServer(name, table)
		if err != nil {
			return nil, err
		}
		rt.servers = append(rt.servers, srv)
		rt.byName[name] = srv
	}
	return rt, nil
}

func compileServer(name string, table map[string]any) (*Server, error) {
	endpoints, err := buildEndpoints(name, table)
	if err != nil {
		return nil, err
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("server [%s] must define at least one endpoint", name)
	}
	for _, e := range endpoints {
		if err := validateURL(e); err != nil {
			return nil, fmt.Errorf("server [%s] endpoint: %w", name, err)
		}
	}

	apiKey, err := optionalString(table, "api_key")
	if err != nil {
		return nil, fmt.Errorf("server [%s]: %w", name, err)
	}
	auth := AuthNone
	if apiKey != "" {
		auth = AuthBearer
	}

	models, err := stringArray(table["models"], "models")
	if err != nil {
		return nil, fmt.Errorf("server [%s]: %w", name, err)
	}

	srv := &Server{
		Name:      name,
		Endpoints: endpoints,
		Auth:      auth,
		APIKey:    apiKey,
		Models:    models,
		Profiles:  make(map[string]*Profile),
	}

	if srv.Defaults, err = objectOrEmpty(table["defaults"], "defaults"); err != nil {
		return nil, fmt.Errorf("server [%s]: %w", name, err)
	}
	if srv.Overrides, err = objectOrEmpty(table["overrides"], "overrides"); err != nil {
		return nil, fmt.Errorf("server [%s]: %w", name, err)
	}
	if srv.Deny, err = compileDeny(table["deny"]); err != nil {
		return nil, fmt.Errorf("server [%s]: %w", name, err)
	}
	if srv.HideBaseModels, err = optionalBool(table, "hide_base_models"); err != nil {
		return nil, fmt.Errorf("server [%s]: %w", name, err)
	}

	for key, v := range table {
		if reservedKeys[key] {
			continue
		}
		sub, ok := v.(map[string]any)
		if !ok {
			continue
		}
		p, err := compileProfile(key, sub)
		if err != nil {
			return nil, fmt.Errorf("server [%s] profile [%s]: %w", name, key, err)
		}
		srv.Profiles[key] = p
		srv.suffixes = append(srv.suffixes, key)
	}
	sort.Slice(srv.suffixes, func(i, j int) bool {
		a, b := srv.suffixes[i], srv.suffixes[j]
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})

	return srv, nil
}

func compileProfile(suffix string, table map[string]any) (*Profile, error) {
	p := &Profile{Suffix: suffix}
	var err error
	if p.Defaults, err = objectOrEmpty(table["defaults"], "defaults"); err != nil {
		return nil, err
	}
	if p.Overrides, err = objectOrEmpty(table["overrides"], "overrides"); err != nil {
		return nil, err
	}
	if p.Deny, err = compileDeny(table["deny"]); err != nil {
		return nil, err
	}
	if p.SystemMessage, err = optionalString(table, "system_message"); err != nil {
		return nil, err
	}
	if p.DeveloperMessage, err = optionalString(table, "developer_message"); err != nil {
		return nil, err
	}
	return p, nil
}

// buildEndpoints expands either `endpoints` (+ shared `port`) or `endpoint`
// (+ `ports`, one URL per port).
func buildEndpoints(name string, table map[string]any) ([]string, error) {
	if raw, ok := table["endpoints"].([]any); ok {
		bases, err := stringArray(raw, "endpoints")
		if err != nil {
			return nil, fmt.Errorf("server [%s]: %w", name, err)
		}
		port, hasPort := asPort(table["port"])
		out := make([]string, 0, len(bases))
		for _, b := range bases {
			if hasPort {
				b = applyPort(b, port)
			}
			out = append(out, b)
		}
		return out, nil
	}

	base, ok := table["endpoint"].(string)
	if !ok {
		return nil, nil
	}
	ports, _ := table["ports"].([]any)
	if len(ports) == 0 {
		return []string{base}, nil
	}
	out := make([]string, 0, len(ports))
	for _, p := range ports {
		port, ok := asPort(p)
		if !ok {
			return nil, fmt.Errorf("server [%s] ports must be integers", name)
		}
		out = append(out, applyPort(base, port))
	}
	return out, nil
}

// asPort accepts whole numbers only; the tree carries numbers as float64.
func asPort(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}

// applyPort replaces the port component of raw, keeping path and query.
func applyPort(raw string, port int) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Hostname() == "" {
		return fallbackPort(raw, port)
	}
	u.Host = joinHostPort(u.Hostname(), port)
	return u.String()
}

func joinHostPort(host string, port int) string {
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(port)
}

func fallbackPort(raw string, port int) string {
	start := 0
	if i := strings.Index(raw, "://"); i >= 0 {
		start = i + 3
	}
	if i := strings.Index(raw[start:], "/"); i >= 0 {
		return raw[:start+i] + ":" + strconv.Itoa(port) + raw[start+i:]
	}
	return raw + ":" + strconv.Itoa(port)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Hostname() == "" {
		return fmt.Errorf("invalid URL %q", raw)
	}
	return nil
}

// compileDeny turns deny entries into JSON Pointers.
func compileDeny(v any) ([]string, error) {
	entries, err := stringArray(v, "deny")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, ToPointer(e))
	}
	return out, nil
}

// ToPointer converts a deny entry to a JSON Pointer. Entries starting with
// "/" already are pointers; anything else is a dot path such as
// "response_format.schema". An empty entry becomes "/", which deletes nothing.
func ToPointer(s string) string {
	if s == "" {
		return "/"
	}
	if strings.HasPrefix(s, "/") {
		return s
	}
	var b strings.Builder
	for _, tok := range strings.Split(s, ".") {
		if tok == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(escapeToken(tok))
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

var tokenEscaper = strings.NewReplacer("~", "~0", "/", "~1")

func escapeToken(t string) string {
	return tokenEscaper.Replace(t)
}

func optionalString(table map[string]any, key string) (string, error) {
	v, ok := table[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string for %q, got %T", key, v)
	}
	return s, nil
}

func optionalBool(table map[string]any, key string) (bool, error) {
	v, ok := table[key]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expected boolean for %q, got %T", key, v)
	}
	return b, nil
}

func stringArray(v any, key string) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%q must be an array of strings", key)
	}
	out := make([]string, 0, len(arr))
	for _, el := range arr {
		s, ok := el.(string)
		if !ok {
			return nil, fmt.Errorf("%q must be an array of strings, got element %v", key, el)
		}
		out = append(out, s)
	}
	return out, nil
}

func objectOrEmpty(v any, key string) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%q must be a table, got %T", key, v)
	}
	return obj, nil
}

// normalize round-trips the tree through JSON so every value has the shape
// encoding/json produces: float64 numbers, []any, map[string]any. Parser
// specific types (int64, local dates) disappear and the result shares no
// memory with the input.
func normalize(tree map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(tree)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
