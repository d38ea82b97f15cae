// Package config loads process settings and compiles the backend catalog
// into the immutable runtime model the gateway routes with.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment variables that override settings.
const EnvPrefix = "MODELPROXY_"

// Settings is the process-level configuration: where to listen, how to talk
// to backends, and where the backend catalog lives.
type Settings struct {
	Server    ServerSettings    `koanf:"server"`
	Upstream  UpstreamSettings  `koanf:"upstream"`
	Discovery DiscoverySettings `koanf:"discovery"`
	Log       LogSettings       `koanf:"log"`

	// Backends is the path of the TOML file describing backend servers.
	Backends string `koanf:"backends"`
}

// ServerSettings holds HTTP listener settings.
type ServerSettings struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"` // 0 keeps long streams open
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	MaxBodyBytes    int64         `koanf:"max_body_bytes"`
}

// UpstreamSettings controls the client that forwards requests to backends.
type UpstreamSettings struct {
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	DebugBodies    bool          `koanf:"debug_bodies"`
}

// DiscoverySettings controls model discovery against backend /models endpoints.
type DiscoverySettings struct {
	TTL            time.Duration `koanf:"ttl"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	RefreshTimeout time.Duration `koanf:"refresh_timeout"`
	Interval       time.Duration `koanf:"interval"`
}

// LogSettings selects the logger level and encoding.
type LogSettings struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// defaults are loaded first so the settings file and the environment only
// need to name what they change.
var defaults = map[string]any{
	"server.port":               3000,
	"server.read_timeout":       "30s",
	"server.write_timeout":      "0s",
	"server.shutdown_timeout":   "15s",
	"server.max_body_bytes":     50 << 20,
	"upstream.connect_timeout":  "10s",
	"upstream.request_timeout":  "300s",
	"upstream.debug_bodies":     false,
	"discovery.ttl":             "60s",
	"discovery.connect_timeout": "2s",
	"discovery.request_timeout": "5s",
	"discovery.refresh_timeout": "10s",
	"discovery.interval":        "60s",
	"log.level":                 "info",
	"log.format":                "console",
	"backends":                  "config.toml",
}

// Load builds Settings from built-in defaults, an optional YAML file at path,
// and MODELPROXY_* environment variables, in that order of precedence.
// A missing settings file is not an error; a malformed one is.
func Load(path string) (*Settings, error) {
	// .env is optional; variables already in the environment win.
	_ = godotenv.Load()

	// The "." delimiter is how koanf separates nested keys internally
	// (server.port lives under server -> port).
	k := koanf.New(".")

	// Each Load below merges on top of what is already there, so later
	// layers only overwrite the keys they actually set. Defaults go first.
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Then the YAML settings file. file.Provider reads the bytes and
	// yaml.Parser turns them into koanf's nested map. Stat first so a
	// missing file falls through to defaults while a bad one still fails.
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("loading settings file: %w", err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading settings file: %w", err)
		}
	}

	// MODELPROXY_SERVER_READ_TIMEOUT -> server.read_timeout. Only the first
	// underscore after the prefix separates the section, so multi-word keys
	// keep their underscores.
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	// Unmarshal from the root ("") into Settings. Duration strings such as
	// "30s" become time.Duration through koanf's decode hooks.
	var s Settings
	if err := k.Unmarshal("", &s); err != nil {
		return nil, fmt.Errorf("unmarshaling settings: %w", err)
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// envKey maps an environment variable name to a koanf key path.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(key, "_", ".", 1)
}

func (s *Settings) validate() error {
	if s.Server.Port <= 0 || s.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", s.Server.Port)
	}
	if s.Backends == "" {
		return errors.New("backends path is empty")
	}
	if s.Discovery.TTL < 0 || s.Discovery.Interval < 0 {
		return errors.New("discovery durations must not be negative")
	}
	return nil
}
