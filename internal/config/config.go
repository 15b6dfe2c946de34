package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dojocodes/sandbox/internal/callback"
	"github.com/dojocodes/sandbox/internal/limiter"
	"github.com/dojocodes/sandbox/internal/logging"
	"github.com/dojocodes/sandbox/internal/sandbox"
)

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type StorageConfig struct {
	Backend string        `mapstructure:"backend"` // memory, sqlite or redis
	DBPath  string        `mapstructure:"db_path"`
	TTL     time.Duration `mapstructure:"ttl"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

type DockerConfig struct {
	MemoryMB         int64         `mapstructure:"memory_mb"`
	CPUs             float64       `mapstructure:"cpus"`
	PidsLimit        int64         `mapstructure:"pids_limit"`
	Network          bool          `mapstructure:"network"`
	Images           []string      `mapstructure:"images"`
	Workdir          string        `mapstructure:"workdir"`
	User             string        `mapstructure:"user"`
	PullPolicy       string        `mapstructure:"pull_policy"`
	MaxOutputBytes   int           `mapstructure:"max_output_bytes"`
	MaxDownloadBytes int64         `mapstructure:"max_download_bytes"`
	DownloadTimeout  time.Duration `mapstructure:"download_timeout"`
}

type OrchestratorConfig struct {
	MaxParallel  int           `mapstructure:"max_parallel"`
	CheckTimeout time.Duration `mapstructure:"check_timeout"`
}

type CallbackConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type LimitsConfig struct {
	GlobalRPS     float64 `mapstructure:"global_rps"`
	PerIPRPS      float64 `mapstructure:"per_ip_rps"`
	PerIPBurst    int     `mapstructure:"per_ip_burst"`
	MaxConcurrent int     `mapstructure:"max_concurrent"`
	TrustProxy    bool    `mapstructure:"trust_proxy"`
}

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Docker       DockerConfig       `mapstructure:"docker"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Callback     CallbackConfig     `mapstructure:"callback"`
	Limits       LimitsConfig       `mapstructure:"limits"`
	Log          logging.Config     `mapstructure:"log"`
}

// Load reads sandbox.yaml from path, or from . and $HOME/.sandbox when path
// is empty. A missing file is fine in the latter case; every key has a
// default and can be overridden with SANDBOX_<SECTION>_<KEY>.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sandbox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.sandbox")
	}

	v.SetEnvPrefix("SANDBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	policy := sandbox.DefaultPolicy()
	cb := callback.DefaultConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".sandbox", "sandbox.db"))
	v.SetDefault("storage.ttl", 7*24*time.Hour)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", "sandbox:")

	v.SetDefault("docker.memory_mb", policy.MemoryMB)
	v.SetDefault("docker.cpus", 1.0)
	v.SetDefault("docker.pids_limit", policy.PidsLimit)
	v.SetDefault("docker.network", policy.Network)
	v.SetDefault("docker.images", []string{})
	v.SetDefault("docker.workdir", policy.Workdir)
	v.SetDefault("docker.user", "")
	v.SetDefault("docker.pull_policy", policy.PullPolicy)
	v.SetDefault("docker.max_output_bytes", policy.MaxOutputBytes)
	v.SetDefault("docker.max_download_bytes", policy.MaxDownload)
	v.SetDefault("docker.download_timeout", 30*time.Second)

	v.SetDefault("orchestrator.max_parallel", 8)
	v.SetDefault("orchestrator.check_timeout", time.Duration(0))

	v.SetDefault("callback.max_attempts", cb.MaxAttempts)
	v.SetDefault("callback.base_delay", cb.BaseDelay)
	v.SetDefault("callback.max_delay", cb.MaxDelay)
	v.SetDefault("callback.timeout", cb.Timeout)

	v.SetDefault("limits.global_rps", 50.0)
	v.SetDefault("limits.per_ip_rps", 5.0)
	v.SetDefault("limits.per_ip_burst", 10)
	v.SetDefault("limits.max_concurrent", 100)
	v.SetDefault("limits.trust_proxy", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Docker.PullPolicy {
	case sandbox.PullIfMissing, sandbox.PullAlways, sandbox.PullNever:
	default:
		return fmt.Errorf("unknown pull policy %q", c.Docker.PullPolicy)
	}
	if c.Orchestrator.MaxParallel <= 0 {
		return fmt.Errorf("orchestrator.max_parallel must be positive")
	}
	return nil
}

// Policy returns the sandbox policy described by the docker section.
func (d DockerConfig) Policy() sandbox.Policy {
	return sandbox.Policy{
		MemoryMB:       d.MemoryMB,
		NanoCPUs:       int64(d.CPUs * 1e9),
		PidsLimit:      d.PidsLimit,
		Network:        d.Network,
		Images:         d.Images,
		Workdir:        d.Workdir,
		User:           d.User,
		PullPolicy:     d.PullPolicy,
		MaxOutputBytes: d.MaxOutputBytes,
		MaxDownload:    d.MaxDownloadBytes,
	}
}

// Dispatcher returns the callback delivery settings.
func (c CallbackConfig) Dispatcher() callback.Config {
	return callback.Config{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay,
		MaxDelay:    c.MaxDelay,
		Timeout:     c.Timeout,
	}
}

// Limiter returns the rate limiter settings.
func (l LimitsConfig) Limiter() limiter.Config {
	return limiter.Config{
		GlobalRPS:     l.GlobalRPS,
		PerIPRPS:      l.PerIPRPS,
		PerIPBurst:    l.PerIPBurst,
		MaxConcurrent: l.MaxConcurrent,
		TrustProxy:    l.TrustProxy,
	}
}
