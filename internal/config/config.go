package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Sandbox provider names
const (
	ProviderLocal   = "local"
	ProviderIsolate = "isolate"
	ProviderDocker  = "docker"
)

// Config represents the application configuration
type Config struct {
	// Server configuration
	LogLevel         string `mapstructure:"log_level"`
	LogFormat        string `mapstructure:"log_format"`
	BindAddress      string `mapstructure:"bind_address"`
	RequestBodyLimit int64  `mapstructure:"request_body_limit"`
	AllowPathInputs  bool   `mapstructure:"allow_path_inputs"`

	// Workspace and sandbox
	VolumeRoot string `mapstructure:"volume_root"`
	Provider   string `mapstructure:"provider"`

	// Job execution limits
	MaxConcurrentJobs       int           `mapstructure:"max_concurrent_jobs"`
	CompileTimeout          time.Duration `mapstructure:"compile_timeout"`
	CompileMemoryLimitMb    int64         `mapstructure:"compile_memory_limit_mb"`
	DefaultTimeLimitSeconds float64       `mapstructure:"default_time_limit_seconds"`
	DefaultMemoryLimitMb    int64         `mapstructure:"default_memory_limit_mb"`
	MaxTimeLimitSeconds     float64       `mapstructure:"max_time_limit_seconds"`
	MaxMemoryLimitMb        int64         `mapstructure:"max_memory_limit_mb"`
	OutputMaxSize           int           `mapstructure:"output_max_size"`
	MaxFileSize             int64         `mapstructure:"max_file_size"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Isolate   IsolateConfig   `mapstructure:"isolate"`
	Docker    DockerConfig    `mapstructure:"docker"`

	// Additional language profiles
	Languages []LanguageConfig `mapstructure:"languages"`
}

// RateLimitConfig configures request throttling on the HTTP surface
type RateLimitConfig struct {
	GlobalRPS  float64 `mapstructure:"global_rps"`
	PerIPRPS   float64 `mapstructure:"per_ip_rps"`
	PerIPBurst int     `mapstructure:"per_ip_burst"`
}

// IsolateConfig configures the isolate sandbox provider
type IsolateConfig struct {
	Path         string `mapstructure:"path"`
	BoxIDMin     int    `mapstructure:"box_id_min"`
	BoxIDMax     int    `mapstructure:"box_id_max"`
	MaxProcesses int    `mapstructure:"max_processes"`
}

// DockerConfig configures the docker sandbox provider
type DockerConfig struct {
	NetworkDisabled bool   `mapstructure:"network_disabled"`
	PidsLimit       int64  `mapstructure:"pids_limit"`
	WorkDir         string `mapstructure:"work_dir"`
}

// LanguageConfig declares a language profile in configuration
type LanguageConfig struct {
	Language   string   `mapstructure:"language"`
	Version    string   `mapstructure:"version"`
	Aliases    []string `mapstructure:"aliases"`
	Extension  string   `mapstructure:"extension"`
	Image      string   `mapstructure:"image"`
	CompileCmd string   `mapstructure:"compile_cmd"`
	RunCmd     string   `mapstructure:"run_cmd"`
}

// Load loads configuration from environment variables and an optional config file.
// An empty configFile searches the default locations.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("log_level", "INFO")
	v.SetDefault("log_format", "text")
	v.SetDefault("bind_address", "0.0.0.0:2000")
	v.SetDefault("request_body_limit", 1<<20) // 1MB
	v.SetDefault("allow_path_inputs", false)
	v.SetDefault("volume_root", "/judger/volume")
	v.SetDefault("provider", ProviderLocal)
	v.SetDefault("max_concurrent_jobs", 16)
	v.SetDefault("compile_timeout", "10s")
	v.SetDefault("compile_memory_limit_mb", 512)
	v.SetDefault("default_time_limit_seconds", 1)
	v.SetDefault("default_memory_limit_mb", 128)
	v.SetDefault("max_time_limit_seconds", 15)
	v.SetDefault("max_memory_limit_mb", 1024)
	v.SetDefault("output_max_size", 64*1024)
	v.SetDefault("max_file_size", 10000000) // 10MB
	v.SetDefault("rate_limit.global_rps", 50)
	v.SetDefault("rate_limit.per_ip_rps", 5)
	v.SetDefault("rate_limit.per_ip_burst", 10)
	v.SetDefault("isolate.path", "/usr/local/bin/isolate")
	v.SetDefault("isolate.box_id_min", 0)
	v.SetDefault("isolate.box_id_max", 999)
	v.SetDefault("isolate.max_processes", 64)
	v.SetDefault("docker.network_disabled", true)
	v.SetDefault("docker.pids_limit", 64)
	v.SetDefault("docker.work_dir", "/sandbox")

	// Set environment variable prefix
	v.SetEnvPrefix("JUDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/judger/")
		v.AddConfigPath("$HOME/.judger/")
	}

	// Read config file (optional unless named explicitly)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configFile != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// validate validates the configuration
func validate(config *Config) error {
	if _, err := logrus.ParseLevel(config.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", config.LogLevel)
	}

	if config.LogFormat != "text" && config.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json")
	}

	if config.VolumeRoot == "" {
		return fmt.Errorf("volume_root is required")
	}

	switch config.Provider {
	case ProviderLocal, ProviderIsolate, ProviderDocker:
	default:
		return fmt.Errorf("unknown provider: %s", config.Provider)
	}

	if config.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("max_concurrent_jobs must be positive")
	}

	if config.CompileTimeout <= 0 {
		return fmt.Errorf("compile_timeout must be positive")
	}

	if config.DefaultTimeLimitSeconds <= 0 || config.DefaultMemoryLimitMb <= 0 {
		return fmt.Errorf("default limits must be positive")
	}

	if config.DefaultTimeLimitSeconds > config.MaxTimeLimitSeconds {
		return fmt.Errorf("default_time_limit_seconds exceeds max_time_limit_seconds")
	}

	if config.DefaultMemoryLimitMb > config.MaxMemoryLimitMb {
		return fmt.Errorf("default_memory_limit_mb exceeds max_memory_limit_mb")
	}

	if config.RateLimit.PerIPRPS > 0 && config.RateLimit.PerIPBurst < 1 {
		return fmt.Errorf("rate_limit.per_ip_burst must be at least 1 when per_ip_rps is set")
	}

	if config.MaxFileSize <= 0 {
		return fmt.Errorf("max_file_size must be positive")
	}

	if config.Isolate.BoxIDMin > config.Isolate.BoxIDMax {
		return fmt.Errorf("isolate.box_id_min must not exceed isolate.box_id_max")
	}

	for i, lang := range config.Languages {
		if lang.Language == "" || lang.Extension == "" || lang.RunCmd == "" {
			return fmt.Errorf("languages[%d]: language, extension and run_cmd are required", i)
		}
	}

	return nil
}

// GetLogLevel returns the parsed log level
func (c *Config) GetLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger builds the process logger from the logging settings
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.GetLogLevel())
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	return logger
}

// TimeLimit returns the effective wall-clock limit for a requested value
func (c *Config) TimeLimit(requested float64) time.Duration {
	if requested <= 0 {
		requested = c.DefaultTimeLimitSeconds
	}
	return time.Duration(requested * float64(time.Second))
}

// MemoryLimitMb returns the effective memory ceiling for a requested value
func (c *Config) MemoryLimitMb(requested int64) int64 {
	if requested <= 0 {
		return c.DefaultMemoryLimitMb
	}
	return requested
}
