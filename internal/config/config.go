// Package config loads the ambient process configuration (listen
// addresses, log level, ACME account settings, cache backend selection)
// from the environment, and the declarative route document from a YAML
// file on disk.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// AWS SDK environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY,
// AWS_REGION, AWS_ENDPOINT_URL) are read directly by the SDK's default
// credential chain and do not appear in this struct.

// Config holds the ambient, environment-sourced settings that apply to
// the whole process rather than to any single route.
type Config struct {
	RoutesFile string // path to the YAML route document

	HTTPAddr  string // plaintext listener: ACME challenges + redirects
	HTTPSAddr string // TLS listener

	CacheBackend    string // "memory", "disk", or "tiered"
	CacheRoot       string
	CacheMemorySize int

	ACMEDirectoryURL string
	ACMEEmail        string
	ACMEStorage      string // "fs" or "s3"
	ACMEStorageRoot  string
	S3Bucket         string
	S3Prefix         string
	S3ForcePathStyle bool

	DockerDiscoveryEnabled bool
	DockerHost             string

	MetricsAddr string

	LogLevel slog.Level
}

// Load builds a Config from environment variables, applying an
// envOr-with-fallback convention throughout.
func Load() Config {
	cacheSize, _ := strconv.Atoi(envOr("CACHE_MEMORY_ENTRIES", "1024"))

	return Config{
		RoutesFile: envOr("ROUTES_FILE", "/etc/edgeproxy/routes.yaml"),

		HTTPAddr:  envOr("HTTP_ADDR", ":80"),
		HTTPSAddr: envOr("HTTPS_ADDR", ":443"),

		CacheBackend:    envOr("CACHE_BACKEND", "tiered"),
		CacheRoot:       envOr("CACHE_ROOT", "/data/edgeproxy-cache"),
		CacheMemorySize: cacheSize,

		ACMEDirectoryURL: envOr("ACME_DIRECTORY_URL", "https://acme-v02.api.letsencrypt.org/directory"),
		ACMEEmail:        os.Getenv("ACME_EMAIL"),
		ACMEStorage:      envOr("ACME_STORAGE", "fs"),
		ACMEStorageRoot:  envOr("ACME_STORAGE_ROOT", "/data/edgeproxy-acme"),
		S3Bucket:         os.Getenv("ACME_S3_BUCKET"),
		S3Prefix:         os.Getenv("ACME_S3_PREFIX"),
		S3ForcePathStyle: envOr("ACME_S3_FORCE_PATH_STYLE", "true") == "true",

		DockerDiscoveryEnabled: envOr("DOCKER_DISCOVERY_ENABLED", "false") == "true",
		DockerHost:             envOr("DOCKER_HOST", "unix:///var/run/docker.sock"),

		MetricsAddr: envOr("METRICS_ADDR", ":9090"),

		LogLevel: parseLogLevel(envOr("LOG_LEVEL", "info")),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
