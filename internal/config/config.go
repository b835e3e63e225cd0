// Package config loads the router's TOML configuration file.
package config

import (
	"github.com/cockroachdb/errors"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the full router configuration.
type Config struct {
	Server    Server     `koanf:"server"`
	Database  Database   `koanf:"database"`
	Upstreams []Upstream `koanf:"upstreams"`
	Providers []Provider `koanf:"providers"`
}

type Server struct {
	Addr string `koanf:"addr"`
	// AuthBearer protects /mcp and the admin surface when set.
	AuthBearer string `koanf:"auth_bearer"`
}

type Database struct {
	Path string `koanf:"path"`
}

// Upstream is a statically configured backend registration.
type Upstream struct {
	Name         string   `koanf:"name"`
	Kind         string   `koanf:"kind"`
	Command      string   `koanf:"command"`
	Args         []string `koanf:"args"`
	URL          string   `koanf:"url"`
	Bearer       string   `koanf:"bearer"`
	ProviderSlug string   `koanf:"provider_slug"`
}

// Provider is a catalog entry upserted at startup.
type Provider struct {
	Slug        string `koanf:"slug"`
	DisplayName string `koanf:"display_name"`
	Description string `koanf:"description"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:   Server{Addr: "127.0.0.1:8848"},
		Database: Database{Path: "data/router.db"},
	}
}

// Load reads and decodes the TOML config at path, layered over defaults.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return nil, errors.Wrapf(err, "load config %s", path)
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	return cfg, nil
}
