// Package config handles configuration loading for all stagepool
// binaries: optional YAML file, environment variable overrides, and
// built-in defaults, in that precedence order (env wins).
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values for the application.
type Config struct {
	// Database connection string.
	DatabaseURL string

	// HTTP server port for the controller.
	HTTPPort int

	// API key operators use against the controller. Stored hashed in
	// memory, compared against the Authorization header.
	APIKey string

	// Requests per second and burst for the controller rate limiter.
	RateLimitRPS   float64
	RateLimitBurst int

	// URL of the controller (used by the CLI).
	ControllerURL string

	// Worker settings.
	WorkerConcurrency       int
	WorkerPollInterval      time.Duration
	WorkerMaxBackoff        time.Duration
	WorkerHeartbeatInterval time.Duration

	// Backend selects the environment runtime: "kubernetes" or "docker".
	Backend string

	// Kubernetes backend settings.
	KubeNamespace string

	// Images for the two containers of an environment.
	Image   string
	DBImage string

	// Parent domain public environment URLs are minted under.
	PublicDomain string

	// Environment lifetime bound for cold provisioning.
	CreateTimeout time.Duration

	// Warm pool settings.
	PoolMinWarm          int
	PoolMaxWarm          int
	PoolInterval         time.Duration
	PoolMaxResetFailures int

	// Reclaimer settings.
	ReclaimInterval time.Duration
	JobRetention    time.Duration

	// Job recovery settings.
	RecoveryGrace    time.Duration
	RecoveryLiveness time.Duration

	// Credential acquirer endpoint. The transfer service has no fixed
	// address; it is reached per environment.
	CredentialURL string

	// OTLP collector endpoint for traces.
	OTELEndpoint string
}

// Load reads configuration from an optional YAML file and the
// environment. Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("http_port", 6161)
	v.SetDefault("rate_limit_rps", 10.0)
	v.SetDefault("rate_limit_burst", 20)
	v.SetDefault("controller_url", "http://localhost:6161")
	v.SetDefault("worker_concurrency", 1)
	v.SetDefault("worker_poll_interval", "1s")
	v.SetDefault("worker_max_backoff", "30s")
	v.SetDefault("worker_heartbeat_interval", "2m")
	v.SetDefault("backend", "kubernetes")
	v.SetDefault("kube_namespace", "stagepool")
	v.SetDefault("image", "wordpress:6.4-apache")
	v.SetDefault("db_image", "mysql:8.0")
	v.SetDefault("create_timeout", "5m")
	v.SetDefault("pool_min_warm", 2)
	v.SetDefault("pool_max_warm", 5)
	v.SetDefault("pool_interval", "30s")
	v.SetDefault("pool_max_reset_failures", 3)
	v.SetDefault("reclaim_interval", "1m")
	v.SetDefault("job_retention", "24h")
	v.SetDefault("recovery_grace", "2m")
	v.SetDefault("recovery_liveness", "10m")
	v.SetDefault("otel_endpoint", "localhost:4317")

	bindings := map[string]string{
		"database_url":              "DATABASE_URL",
		"http_port":                 "PORT",
		"api_key":                   "API_KEY",
		"rate_limit_rps":            "RATE_LIMIT_RPS",
		"rate_limit_burst":          "RATE_LIMIT_BURST",
		"controller_url":            "CONTROLLER_URL",
		"worker_concurrency":        "WORKER_CONCURRENCY",
		"worker_poll_interval":      "WORKER_POLL_INTERVAL",
		"worker_max_backoff":        "WORKER_MAX_BACKOFF",
		"worker_heartbeat_interval": "WORKER_HEARTBEAT_INTERVAL",
		"backend":                   "BACKEND",
		"kube_namespace":            "KUBE_NAMESPACE",
		"image":                     "IMAGE",
		"db_image":                  "DB_IMAGE",
		"public_domain":             "PUBLIC_DOMAIN",
		"create_timeout":            "CREATE_TIMEOUT",
		"pool_min_warm":             "POOL_MIN_WARM",
		"pool_max_warm":             "POOL_MAX_WARM",
		"pool_interval":             "POOL_INTERVAL",
		"pool_max_reset_failures":   "POOL_MAX_RESET_FAILURES",
		"reclaim_interval":          "RECLAIM_INTERVAL",
		"job_retention":             "JOB_RETENTION",
		"recovery_grace":            "RECOVERY_GRACE",
		"recovery_liveness":         "RECOVERY_LIVENESS",
		"credential_url":            "CREDENTIAL_URL",
		"otel_endpoint":             "OTEL_EXPORTER_OTLP_ENDPOINT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		DatabaseURL:             v.GetString("database_url"),
		HTTPPort:                v.GetInt("http_port"),
		APIKey:                  v.GetString("api_key"),
		RateLimitRPS:            v.GetFloat64("rate_limit_rps"),
		RateLimitBurst:          v.GetInt("rate_limit_burst"),
		ControllerURL:           v.GetString("controller_url"),
		WorkerConcurrency:       v.GetInt("worker_concurrency"),
		WorkerPollInterval:      v.GetDuration("worker_poll_interval"),
		WorkerMaxBackoff:        v.GetDuration("worker_max_backoff"),
		WorkerHeartbeatInterval: v.GetDuration("worker_heartbeat_interval"),
		Backend:                 v.GetString("backend"),
		KubeNamespace:           v.GetString("kube_namespace"),
		Image:                   v.GetString("image"),
		DBImage:                 v.GetString("db_image"),
		PublicDomain:            v.GetString("public_domain"),
		CreateTimeout:           v.GetDuration("create_timeout"),
		PoolMinWarm:             v.GetInt("pool_min_warm"),
		PoolMaxWarm:             v.GetInt("pool_max_warm"),
		PoolInterval:            v.GetDuration("pool_interval"),
		PoolMaxResetFailures:    v.GetInt("pool_max_reset_failures"),
		ReclaimInterval:         v.GetDuration("reclaim_interval"),
		JobRetention:            v.GetDuration("job_retention"),
		RecoveryGrace:           v.GetDuration("recovery_grace"),
		RecoveryLiveness:        v.GetDuration("recovery_liveness"),
		CredentialURL:           v.GetString("credential_url"),
		OTELEndpoint:            v.GetString("otel_endpoint"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required (env: DATABASE_URL)")
	}
	if cfg.Backend != "kubernetes" && cfg.Backend != "docker" {
		return nil, fmt.Errorf("invalid backend %q: must be kubernetes or docker", cfg.Backend)
	}
	if cfg.PoolMinWarm < 0 || cfg.PoolMaxWarm < cfg.PoolMinWarm {
		return nil, fmt.Errorf("invalid pool bounds: min_warm=%d max_warm=%d", cfg.PoolMinWarm, cfg.PoolMaxWarm)
	}

	return cfg, nil
}
