// Package config loads the proxy's configuration: a YAML file overlaid by
// environment variables, in that order, matching the precedence the pack's
// caching proxies already use.
package config

import (
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/artifactmirror/artifactmirror/internal/errs"
)

// Config holds every recognized option from spec.md §6's configuration
// table, plus the ambient options (backend selection, logging, metrics
// bind address) the distilled spec leaves to "external collaborators."
type Config struct {
	// StoreRoot is the filesystem directory for cached artifacts, used
	// only when StorageBackend is "fs".
	StoreRoot string `yaml:"store_root"`

	// Upstreams is the ordered list of base URLs raced on a cache miss.
	Upstreams []string `yaml:"upstreams"`

	// FailedPathCacheMinutes is the negative cache's TTL.
	FailedPathCacheMinutes int `yaml:"failed_path_cache_minutes"`

	// ListenAddr is the address the HTTP surface binds.
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr is the address the /metrics + /healthz surface binds,
	// separate from ListenAddr so operators can keep it off the public
	// network path.
	MetricsAddr string `yaml:"metrics_addr"`

	// CoalesceMisses gates singleflight-based coalescing of concurrent
	// misses for the same path; off by default since it is not required
	// for correctness.
	CoalesceMisses bool `yaml:"coalesce_misses"`

	// StorageBackend selects the Store implementation: "fs" (default),
	// "s3", or "minio".
	StorageBackend string `yaml:"storage_backend"`

	S3Bucket string `yaml:"s3_bucket"`

	MinioEndpoint string `yaml:"minio_endpoint"`
	MinioAccess   string `yaml:"minio_access_key"`
	MinioSecret   string `yaml:"minio_secret_key"`
	MinioBucket   string `yaml:"minio_bucket"`

	LogLevel slog.Level `yaml:"-"`
}

// FailedPathCacheTTL is FailedPathCacheMinutes as a time.Duration.
func (c Config) FailedPathCacheTTL() time.Duration {
	return time.Duration(c.FailedPathCacheMinutes) * time.Minute
}

// Load reads a YAML config file (path from ARTIFACTMIRROR_CONFIG, default
// "config.yaml"; missing file is not an error) and overlays it with
// environment variables, which always win.
func Load() (Config, error) {
	cfg := Config{
		StoreRoot:              "/data/artifactmirror-cache",
		FailedPathCacheMinutes: 5,
		ListenAddr:             ":8080",
		MetricsAddr:            ":9090",
		StorageBackend:         "fs",
		S3Bucket:               "artifactmirror-cache",
		MinioBucket:            "artifactmirror-cache",
		LogLevel:               slog.LevelInfo,
	}

	path := envOr("ARTIFACTMIRROR_CONFIG", "config.yaml")
	if b, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, errs.Wrapf(err, "parsing config file %q", path)
		}
	}

	if v := os.Getenv("STORE_ROOT"); v != "" {
		cfg.StoreRoot = v
	}
	if v := os.Getenv("UPSTREAMS"); v != "" {
		cfg.Upstreams = splitNonEmpty(v, ",")
	}
	if v := os.Getenv("FAILED_PATH_CACHE_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FailedPathCacheMinutes = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("COALESCE_MISSES"); v != "" {
		cfg.CoalesceMisses = isTrue(v)
	}
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		cfg.StorageBackend = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.S3Bucket = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccess = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecret = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	if len(cfg.Upstreams) == 0 {
		return cfg, errs.Wrap(errNoUpstreams, "loading configuration")
	}
	for _, u := range cfg.Upstreams {
		if parsed, err := url.Parse(u); err != nil || !parsed.IsAbs() {
			return cfg, errs.Wrapf(&configError{"upstream is not an absolute URL"}, "loading configuration: upstream %q", u)
		}
	}
	if cfg.StorageBackend == "minio" && (cfg.MinioEndpoint == "" || cfg.MinioAccess == "" || cfg.MinioSecret == "") {
		return cfg, errs.Wrap(errMinioIncomplete, "loading configuration")
	}

	return cfg, nil
}

var (
	errNoUpstreams     = &configError{"at least one upstream is required"}
	errMinioIncomplete = &configError{"minio backend selected but endpoint/access/secret are incomplete"}
)

type configError struct{ msg string }

func (e *configError) Error() string { return e.msg }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func isTrue(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
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
