// Package config loads gateway configuration from config.yaml and the
// environment.
package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Auth      AuthConfig      `koanf:"auth"`
	Storage   StorageConfig   `koanf:"storage"`
	Redis     RedisConfig     `koanf:"redis"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Backends  []BackendConfig `koanf:"backends"`
	Router    RouterConfig    `koanf:"router"`
	Worker    WorkerConfig    `koanf:"worker"`
	Models    []ModelListItem `koanf:"models"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type AuthConfig struct {
	// Salt is the process-wide salt combined with presented secrets before
	// hashing. All gateway and worker processes sharing a credential store
	// must agree on it.
	Salt string `koanf:"salt"`
}

type StorageConfig struct {
	// Driver selects the database dialect: sqlite or postgres.
	Driver string `koanf:"driver"`
	// DSN is the data source name / connection string.
	DSN string `koanf:"dsn"`
}

type RedisConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
	DB      int    `koanf:"db"`
}

type RateLimitConfig struct {
	Enabled bool `koanf:"enabled"`
	// RequestsPerMinute is the default limit for keys without their own.
	RequestsPerMinute int `koanf:"requests_per_minute"`
	// Burst is added on top of the per-key limit within each window.
	Burst int `koanf:"burst"`
}

type BackendConfig struct {
	Name       string `koanf:"name"`
	Capability string `koanf:"capability"`
	BaseURL    string `koanf:"base_url"`
	APIKey     string `koanf:"api_key"`
}

type RouterConfig struct {
	// UnhealthyThreshold is the number of consecutive transient failures
	// after which a target is excluded from selection.
	UnhealthyThreshold int           `koanf:"unhealthy_threshold"`
	ProbeInterval      time.Duration `koanf:"probe_interval"`
	CallTimeout        time.Duration `koanf:"call_timeout"`
}

type WorkerConfig struct {
	Count         int           `koanf:"count"`
	PollInterval  time.Duration `koanf:"poll_interval"`
	JobTimeout    time.Duration `koanf:"job_timeout"`
	MaxAttempts   int           `koanf:"max_attempts"`
	StaleAfter    time.Duration `koanf:"stale_after"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

type ModelListItem struct {
	ID      string `koanf:"id" json:"id"`
	Object  string `koanf:"object" json:"object"`
	OwnedBy string `koanf:"owned_by" json:"owned_by"`
	Created int64  `koanf:"created" json:"created"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func Load() (*Config, error) {
	return LoadFile("config.yaml")
}

func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	// Try to load from the config file first
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider("LEXIA_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "LEXIA_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	setDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Substitute environment variables in secrets
	cfg.Auth.Salt = substituteEnvVars(cfg.Auth.Salt)
	for i := range cfg.Backends {
		cfg.Backends[i].APIKey = substituteEnvVars(cfg.Backends[i].APIKey)
	}

	return &cfg, nil
}

func setDefaults(k *koanf.Koanf) {
	defaults := map[string]interface{}{
		"server.port":                  8080,
		"server.request_timeout":       "30s",
		"storage.driver":               "sqlite",
		"storage.dsn":                  "gateway.db",
		"redis.addr":                   "localhost:6379",
		"rate_limit.enabled":           true,
		"rate_limit.requests_per_minute": 60,
		"rate_limit.burst":             0,
		"router.unhealthy_threshold":   3,
		"router.probe_interval":        "30s",
		"router.call_timeout":          "60s",
		"worker.count":                 4,
		"worker.poll_interval":         "1s",
		"worker.job_timeout":           "5m",
		"worker.max_attempts":          3,
		"worker.stale_after":           "10m",
		"worker.sweep_interval":        "1m",
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
