package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Document is the declarative route file's top-level shape. Each entry
// in Routes becomes one store.Route once the route builder resolves
// backend DNS names and compiles the path matcher.
type Document struct {
	Routes []RouteDoc `yaml:"routes"`
}

// RouteDoc is one host's declarative configuration as written in YAML.
type RouteDoc struct {
	Host            string            `yaml:"host"`
	PathPrefixes    []string          `yaml:"path_prefixes"`
	Backends        []BackendDoc      `yaml:"backends"`
	HeaderAdd       map[string]string `yaml:"header_add"`
	HeaderRemove    []string          `yaml:"header_remove"`
	Plugins         []PluginDoc       `yaml:"plugins"`
	Cache           *CacheDoc         `yaml:"cache"`
	TLS             *TLSDoc           `yaml:"tls"`
}

// BackendDoc is one upstream socket in the document.
type BackendDoc struct {
	Address string            `yaml:"address"`
	Port    int               `yaml:"port"`
	Weight  int               `yaml:"weight"`
	SNI     string            `yaml:"sni"`
	Headers map[string]string `yaml:"headers"`
}

// PluginDoc is one ordered plugin binding.
type PluginDoc struct {
	Name   string         `yaml:"name"`
	Config map[string]any `yaml:"config"`
}

// CacheDoc is the per-route cache policy block.
type CacheDoc struct {
	Enabled                 bool   `yaml:"enabled"`
	Backend                 string `yaml:"backend"`
	FreshSecs               int    `yaml:"fresh_secs"`
	StaleIfErrorSecs        int    `yaml:"stale_if_error_secs"`
	StaleWhileRevalidateSecs int   `yaml:"stale_while_revalidate_secs"`
	RootPath                string `yaml:"root_path"`
}

// TLSDoc is the per-route TLS policy block.
type TLSDoc struct {
	MinVersion         string `yaml:"min_version"` // "1.2" or "1.3"
	MaxVersion         string `yaml:"max_version"`
	SelfSignedFallback bool   `yaml:"self_signed_fallback"`
}

// LoadDocument reads and parses the YAML route document at path.
func LoadDocument(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading routes file: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parsing routes file: %w", err)
	}
	return &doc, nil
}
