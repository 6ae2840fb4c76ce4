package config

import (
	"os"
	"regexp"
	"time"

	"github.com/amoylab/keyrelay/pkg/helper"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	// KeyRelayConfig represents the keyrelay service configuration
	KeyRelayConfig struct {
		Port       int               `yaml:"port"`
		PID        string            `yaml:"pid"`
		Logger     LoggerConfig      `yaml:"logger"`
		Storage    StorageConfig     `yaml:"storage"`
		Headers    HeaderCacheConfig `yaml:"headers"`
		Channel    ChannelConfig     `yaml:"channel"`
		Correlator CorrelatorConfig  `yaml:"correlator"`
		CDM        CDMConfig         `yaml:"cdm"`
		Auth       AuthConfig        `yaml:"auth"`
		Metrics    MetricsConfig     `yaml:"metrics"`
		Tracing    TracingConfig     `yaml:"tracing"`
		Browser    BrowserConfig     `yaml:"browser"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`    // whether to compress backup files
		Color      bool   `yaml:"color"`       // whether to use color in console output
		Stacktrace bool   `yaml:"stacktrace"`  // whether to include stacktrace in error logs
		TimeZone   string `yaml:"time_zone"`   // time zone for log timestamps, e.g., "UTC", default is local
		TimeFormat string `yaml:"time_format"` // time format for log timestamps, default is "2006-01-02 15:04:05"
	}

	// HeaderCacheConfig represents the request header cache configuration
	HeaderCacheConfig struct {
		Type       string      `yaml:"type"`        // memory or redis
		MaxEntries int         `yaml:"max_entries"` // memory only, 0 means unbounded
		Redis      RedisConfig `yaml:"redis"`
	}

	// ChannelConfig represents the correlated channel configuration
	ChannelConfig struct {
		Timeout   time.Duration `yaml:"timeout"`    // per call timeout, 0 disables it
		QueueSize int           `yaml:"queue_size"` // buffered envelopes between page and privileged side
	}

	// CorrelatorConfig represents the session correlator configuration
	CorrelatorConfig struct {
		Dedup      string        `yaml:"dedup"`       // reserve or scan
		PendingMax int           `yaml:"pending_max"` // max pending sessions kept, 0 means unbounded
		PendingTTL time.Duration `yaml:"pending_ttl"` // pending entries older than this are dropped, negative disables it
	}

	// CDMConfig represents the external content decryption module endpoints
	CDMConfig struct {
		LocalURL string        `yaml:"local_url"` // CDM service that opens local PRD devices
		Secret   string        `yaml:"secret"`    // secret sent to the local CDM service
		Timeout  time.Duration `yaml:"timeout"`   // http timeout for CDM calls
	}

	// AuthConfig represents the HTTP API authentication configuration
	AuthConfig struct {
		JWTSecret string        `yaml:"jwt_secret"` // HS256 secret, empty disables auth
		TokenTTL  time.Duration `yaml:"token_ttl"`  // lifetime of issued agent tokens
	}

	// MetricsConfig represents the prometheus metrics configuration
	MetricsConfig struct {
		Enabled   bool      `yaml:"enabled"`
		Namespace string    `yaml:"namespace"`
		Path      string    `yaml:"path"`
		Buckets   []float64 `yaml:"buckets"`
	}

	// TracingConfig represents OpenTelemetry tracing configuration
	TracingConfig struct {
		Enabled     bool              `yaml:"enabled"`
		ServiceName string            `yaml:"service_name"`
		Endpoint    string            `yaml:"endpoint"`     // e.g. localhost:4317 or http://localhost:4318
		Protocol    string            `yaml:"protocol"`     // grpc or http
		Insecure    bool              `yaml:"insecure"`     // allow insecure connection
		SamplerRate float64           `yaml:"sampler_rate"` // 0.0~1.0
		Environment string            `yaml:"environment"`  // env tag: dev/staging/prod
		Headers     map[string]string `yaml:"headers"`
	}

	// BrowserConfig represents the chromedp harness configuration
	BrowserConfig struct {
		ExecPath    string        `yaml:"exec_path"`
		RemoteURL   string        `yaml:"remote_url"` // attach to a running browser instead of launching one
		Headless    bool          `yaml:"headless"`
		UserDataDir string        `yaml:"user_data_dir"`
		BodyTimeout time.Duration `yaml:"body_timeout"`
	}
)

// LoadConfig loads configuration from a YAML file with environment variable support
func LoadConfig(filename string) (*KeyRelayConfig, string, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfgPath := helper.GetCfgPath(filename)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	// Resolve environment variables
	data = resolveEnv(data)
	var cfg KeyRelayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, cfgPath, err
	}
	SetDefaults(&cfg)

	return &cfg, cfgPath, nil
}

// SetDefaults fills zero values with working defaults
func SetDefaults(cfg *KeyRelayConfig) {
	if cfg.Port == 0 {
		cfg.Port = 5236
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "disk"
	}
	if cfg.Storage.Disk.Path == "" {
		cfg.Storage.Disk.Path = "data/store"
	}
	if cfg.Headers.Type == "" {
		cfg.Headers.Type = "memory"
	}
	if cfg.Channel.Timeout == 0 {
		cfg.Channel.Timeout = 30 * time.Second
	}
	if cfg.Channel.QueueSize <= 0 {
		cfg.Channel.QueueSize = 64
	}
	if cfg.Correlator.Dedup == "" {
		cfg.Correlator.Dedup = "reserve"
	}
	if cfg.Correlator.PendingTTL == 0 {
		cfg.Correlator.PendingTTL = 10 * time.Minute
	}
	if cfg.CDM.Timeout == 0 {
		cfg.CDM.Timeout = 15 * time.Second
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 24 * time.Hour
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "keyrelay"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "keyrelay"
	}
	if cfg.Browser.BodyTimeout == 0 {
		cfg.Browser.BodyTimeout = 15 * time.Second
	}
}

// resolveEnv replaces environment variable placeholders in YAML content
func resolveEnv(content []byte) []byte {
	regex := regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

	return regex.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := regex.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string

		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}
