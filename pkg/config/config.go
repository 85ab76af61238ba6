package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full service configuration. Values come from the
// environment (VENTISCAN_ prefix) with CLI flags overriding; see cmd/ventiscan.
type Config struct {
	ListenAddr string

	// TokenSigningSecret signs bearer tokens. Required; absence is fatal.
	TokenSigningSecret string
	TokenLifetime      time.Duration

	// AdminSeedLogin/Password seed the initial admin principal on first start.
	AdminSeedLogin    string
	AdminSeedPassword string

	ArtifactRoot string
	DataDir      string

	MaxParallelWorkers int
	WorkerMemoryLimit  int64 // bytes
	WorkerCPULimit     float64
	ChunkTimeout       time.Duration
	ScanTimeout        time.Duration
	DefaultChunkSize   int
	QueueCapacity      int

	RetentionDays int

	// RateLimitOverrides tunes named buckets, e.g. "login=5/1m/5,upload=20/1h/20"
	// (events/window/burst per bucket).
	RateLimitOverrides map[string]BucketPolicy

	// ScannerProfiles is an optional YAML file with additional worker profiles.
	ScannerProfiles string

	// AllowedPorts extends the target-port allowlist beyond the scheme defaults.
	AllowedPorts []int

	LogLevel string
	LogJSON  bool
}

// BucketPolicy is one rate-limit bucket: Events requests per Window with
// the given Burst.
type BucketPolicy struct {
	Events int
	Window time.Duration
	Burst  int
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VENTISCAN")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8089")
	v.SetDefault("token_lifetime", "24h")
	v.SetDefault("artifact_root", "/var/lib/ventiscan/artifacts")
	v.SetDefault("data_dir", "/var/lib/ventiscan")
	v.SetDefault("max_parallel_workers", 5)
	v.SetDefault("worker_memory_limit", int64(512*1024*1024))
	v.SetDefault("worker_cpu_limit", 0.5)
	v.SetDefault("chunk_timeout", "8m")
	v.SetDefault("scan_timeout", "30m")
	v.SetDefault("default_chunk_size", 4)
	v.SetDefault("queue_capacity", 1024)
	v.SetDefault("retention_days", 7)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", true)

	cfg := &Config{
		ListenAddr:         v.GetString("listen_addr"),
		TokenSigningSecret: v.GetString("token_signing_secret"),
		TokenLifetime:      v.GetDuration("token_lifetime"),
		AdminSeedLogin:     v.GetString("admin_seed_login"),
		AdminSeedPassword:  v.GetString("admin_seed_password"),
		ArtifactRoot:       v.GetString("artifact_root"),
		DataDir:            v.GetString("data_dir"),
		MaxParallelWorkers: v.GetInt("max_parallel_workers"),
		WorkerMemoryLimit:  v.GetInt64("worker_memory_limit"),
		WorkerCPULimit:     v.GetFloat64("worker_cpu_limit"),
		ChunkTimeout:       v.GetDuration("chunk_timeout"),
		ScanTimeout:        v.GetDuration("scan_timeout"),
		DefaultChunkSize:   v.GetInt("default_chunk_size"),
		QueueCapacity:      v.GetInt("queue_capacity"),
		RetentionDays:      v.GetInt("retention_days"),
		ScannerProfiles:    v.GetString("scanner_profiles"),
		LogLevel:           v.GetString("log_level"),
		LogJSON:            v.GetBool("log_json"),
	}

	overrides, err := ParseRateLimitOverrides(v.GetString("rate_limit_overrides"))
	if err != nil {
		return nil, fmt.Errorf("invalid rate_limit_overrides: %w", err)
	}
	cfg.RateLimitOverrides = overrides

	ports, err := parsePorts(v.GetString("allowed_ports"))
	if err != nil {
		return nil, fmt.Errorf("invalid allowed_ports: %w", err)
	}
	cfg.AllowedPorts = ports

	return cfg, nil
}

// Validate checks startup-fatal conditions: a missing signing secret or an
// unusable artifact area must abort the process with a non-zero exit.
func (c *Config) Validate() error {
	if c.TokenSigningSecret == "" {
		return fmt.Errorf("token_signing_secret is required")
	}
	if len(c.TokenSigningSecret) < 16 {
		return fmt.Errorf("token_signing_secret must be at least 16 bytes")
	}
	if c.MaxParallelWorkers < 1 {
		return fmt.Errorf("max_parallel_workers must be positive")
	}
	if c.DefaultChunkSize < 1 {
		return fmt.Errorf("default_chunk_size must be positive")
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be positive")
	}
	if c.ChunkTimeout <= 0 || c.ScanTimeout <= 0 {
		return fmt.Errorf("chunk_timeout and scan_timeout must be positive")
	}
	if err := ensureWritableDir(c.ArtifactRoot); err != nil {
		return fmt.Errorf("artifact_root: %w", err)
	}
	if err := ensureWritableDir(c.DataDir); err != nil {
		return fmt.Errorf("data_dir: %w", err)
	}
	return nil
}

// Retention returns the retention window as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func ensureWritableDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("not configured")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

// ParseRateLimitOverrides parses "bucket=events/window/burst" pairs
// separated by commas, e.g. "login=5/1m/5,start-scan=10/1h/10".
func ParseRateLimitOverrides(s string) (map[string]BucketPolicy, error) {
	out := make(map[string]BucketPolicy)
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, spec, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("missing '=' in %q", pair)
		}
		parts := strings.Split(spec, "/")
		if len(parts) != 3 {
			return nil, fmt.Errorf("want events/window/burst in %q", pair)
		}
		events, err := strconv.Atoi(parts[0])
		if err != nil || events < 1 {
			return nil, fmt.Errorf("bad event count in %q", pair)
		}
		window, err := time.ParseDuration(parts[1])
		if err != nil || window <= 0 {
			return nil, fmt.Errorf("bad window in %q", pair)
		}
		burst, err := strconv.Atoi(parts[2])
		if err != nil || burst < 1 {
			return nil, fmt.Errorf("bad burst in %q", pair)
		}
		out[strings.TrimSpace(name)] = BucketPolicy{Events: events, Window: window, Burst: burst}
	}
	return out, nil
}

func parsePorts(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var ports []int
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return nil, fmt.Errorf("bad port %q", p)
		}
		ports = append(ports, n)
	}
	return ports, nil
}
