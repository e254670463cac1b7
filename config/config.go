package config

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Defaults applied to tenants that leave the field unset.
const (
	DefaultPort          = 22
	DefaultInboundDir    = "input"
	DefaultInProgressDir = "in_progress"
	DefaultExtension     = ".pdf"

	// StagingDateLayout names the per-day staging folder (MMDDYYYY).
	StagingDateLayout = "01022006"

	envPrefix = "INGESTD"
)

// TenantConfig describes one remote drop location and the pipeline its files
// are delivered to. It is read-only once loaded.
type TenantConfig struct {
	ID             string        `mapstructure:"id"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	KnownHostsPath string        `mapstructure:"known_hosts_path"`
	BasePath       string        `mapstructure:"base_path"`
	Secret         string        `mapstructure:"secret"`
	InboundDir     string        `mapstructure:"inbound_dir"`
	InProgressDir  string        `mapstructure:"in_progress_dir"`
	Extension      string        `mapstructure:"extension"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	ProfileCode    string        `mapstructure:"profile_code"`
	Endpoint       string        `mapstructure:"endpoint"`
}

// Addr returns the host:port of the tenant's transfer endpoint.
func (t TenantConfig) Addr() string {
	port := t.Port
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("%s:%d", t.Host, port)
}

// InboundPath is the directory producers upload into.
func (t TenantConfig) InboundPath() string {
	return path.Join(t.BasePath, orDefault(t.InboundDir, DefaultInboundDir))
}

// StagingPath is the dated folder files confirmed on day are moved into.
func (t TenantConfig) StagingPath(day time.Time) string {
	return path.Join(t.BasePath, orDefault(t.InProgressDir, DefaultInProgressDir), day.Format(StagingDateLayout))
}

// Matches reports whether name carries the tenant's document extension.
func (t TenantConfig) Matches(name string) bool {
	ext := orDefault(t.Extension, DefaultExtension)
	return strings.HasSuffix(strings.ToLower(name), strings.ToLower(ext))
}

// Validate checks the fields a tenant loop cannot run without.
func (t TenantConfig) Validate() error {
	switch {
	case strings.TrimSpace(t.ID) == "":
		return &ConfigurationError{Field: "id", Reason: "is required"}
	case t.Host == "":
		return &ConfigurationError{Tenant: t.ID, Field: "host", Reason: "is required"}
	case t.Port < 0 || t.Port > 65535:
		return &ConfigurationError{Tenant: t.ID, Field: "port", Reason: fmt.Sprintf("%d out of range", t.Port)}
	case t.Username == "":
		return &ConfigurationError{Tenant: t.ID, Field: "username", Reason: "is required"}
	case t.Password == "" && t.PrivateKeyPath == "":
		return &ConfigurationError{Tenant: t.ID, Field: "credentials", Reason: "password or private_key_path is required"}
	case t.BasePath == "":
		return &ConfigurationError{Tenant: t.ID, Field: "base_path", Reason: "is required"}
	case t.PollInterval < 0:
		return &ConfigurationError{Tenant: t.ID, Field: "poll_interval", Reason: "must not be negative"}
	}
	if t.Extension != "" && !strings.HasPrefix(t.Extension, ".") {
		return &ConfigurationError{Tenant: t.ID, Field: "extension", Reason: fmt.Sprintf("%q must start with a dot", t.Extension)}
	}
	if err := validateEndpoint(t.Endpoint); err != nil {
		return &ConfigurationError{Tenant: t.ID, Field: "endpoint", Reason: err.Error()}
	}
	return nil
}

// RetryConfig bounds delivery attempts for one batch.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Config is the service configuration.
type Config struct {
	Endpoint         string         `mapstructure:"endpoint"`
	UploadedBy       string         `mapstructure:"uploaded_by"`
	Source           string         `mapstructure:"source"`
	ProfileCode      string         `mapstructure:"profile_code"`
	BatchSize        int            `mapstructure:"batch_size"`
	Retry            RetryConfig    `mapstructure:"retry"`
	StableDelay      time.Duration  `mapstructure:"stable_delay"`
	PollInterval     time.Duration  `mapstructure:"poll_interval"`
	MaxBackoff       time.Duration  `mapstructure:"max_backoff"`
	IOTimeout        time.Duration  `mapstructure:"io_timeout"`
	HandshakeTimeout time.Duration  `mapstructure:"handshake_timeout"`
	HTTPTimeout      time.Duration  `mapstructure:"http_timeout"`
	Keepalive        time.Duration  `mapstructure:"keepalive"`
	DetectWorkers    int            `mapstructure:"detect_workers"`
	RedispatchLimit  int            `mapstructure:"redispatch_limit"`
	Retention        time.Duration  `mapstructure:"retention"`
	StatePath        string         `mapstructure:"state_path"`
	MetricsAddr      string         `mapstructure:"metrics_addr"`
	Log              LogConfig      `mapstructure:"log"`
	Tenants          []TenantConfig `mapstructure:"tenants"`
}

// Default returns a Config with every optional field populated.
func Default() Config {
	return Config{
		UploadedBy: "Scheduler",
		Source:     "SFTP DROP",
		BatchSize:  5,
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			MaxDelay:    30 * time.Second,
		},
		StableDelay:      1200 * time.Millisecond,
		PollInterval:     30 * time.Second,
		MaxBackoff:       5 * time.Minute,
		IOTimeout:        30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		HTTPTimeout:      30 * time.Second,
		Keepalive:        30 * time.Second,
		DetectWorkers:    4,
		RedispatchLimit:  5,
		Retention:        7 * 24 * time.Hour,
		StatePath:        "./.ingestd-state/state.db",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("uploaded_by", d.UploadedBy)
	v.SetDefault("source", d.Source)
	v.SetDefault("batch_size", d.BatchSize)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("stable_delay", d.StableDelay)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("max_backoff", d.MaxBackoff)
	v.SetDefault("io_timeout", d.IOTimeout)
	v.SetDefault("handshake_timeout", d.HandshakeTimeout)
	v.SetDefault("http_timeout", d.HTTPTimeout)
	v.SetDefault("keepalive", d.Keepalive)
	v.SetDefault("detect_workers", d.DetectWorkers)
	v.SetDefault("redispatch_limit", d.RedispatchLimit)
	v.SetDefault("retention", d.Retention)
	v.SetDefault("state_path", d.StatePath)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	// Bound so INGESTD_* variables reach keys absent from the file.
	for _, key := range []string{"endpoint", "profile_code", "metrics_addr", "log.file"} {
		_ = v.BindEnv(key)
	}
}

// Load reads the configuration file at path (optional) with INGESTD_*
// environment overrides. Tenant-level problems are left for Tenant.Validate
// so one bad tenant does not prevent the others from running.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.ApplyTenantDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyTenantDefaults copies global settings into tenants that leave them unset.
func (c *Config) ApplyTenantDefaults() {
	for i := range c.Tenants {
		t := &c.Tenants[i]
		if t.Port == 0 {
			t.Port = DefaultPort
		}
		t.InboundDir = orDefault(t.InboundDir, DefaultInboundDir)
		t.InProgressDir = orDefault(t.InProgressDir, DefaultInProgressDir)
		t.Extension = orDefault(t.Extension, DefaultExtension)
		t.ProfileCode = orDefault(t.ProfileCode, c.ProfileCode)
		t.Endpoint = orDefault(t.Endpoint, c.Endpoint)
		if t.PollInterval == 0 {
			t.PollInterval = c.PollInterval
		}
	}
}

// Validate checks service-wide settings. Errors here are fatal at startup.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.BatchSize < 1 {
		result = multierror.Append(result, &ConfigurationError{Field: "batch_size", Reason: "must be at least 1"})
	}
	if c.Retry.MaxAttempts < 1 {
		result = multierror.Append(result, &ConfigurationError{Field: "retry.max_attempts", Reason: "must be at least 1"})
	}
	if c.StableDelay < 0 {
		result = multierror.Append(result, &ConfigurationError{Field: "stable_delay", Reason: "must not be negative"})
	}
	if c.PollInterval <= 0 {
		result = multierror.Append(result, &ConfigurationError{Field: "poll_interval", Reason: "must be positive"})
	}
	for _, d := range []struct {
		field string
		value time.Duration
	}{
		{"max_backoff", c.MaxBackoff},
		{"io_timeout", c.IOTimeout},
		{"handshake_timeout", c.HandshakeTimeout},
		{"http_timeout", c.HTTPTimeout},
	} {
		if d.value <= 0 {
			result = multierror.Append(result, &ConfigurationError{Field: d.field, Reason: "must be positive"})
		}
	}
	if c.DetectWorkers < 1 {
		result = multierror.Append(result, &ConfigurationError{Field: "detect_workers", Reason: "must be at least 1"})
	}
	if c.StatePath == "" {
		result = multierror.Append(result, &ConfigurationError{Field: "state_path", Reason: "is required"})
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		result = multierror.Append(result, &ConfigurationError{Field: "log.level", Reason: err.Error()})
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		result = multierror.Append(result, &ConfigurationError{Field: "log.format", Reason: fmt.Sprintf("unknown format %q", c.Log.Format)})
	}

	seen := make(map[string]struct{}, len(c.Tenants))
	for _, t := range c.Tenants {
		if t.ID == "" {
			continue
		}
		if _, dup := seen[t.ID]; dup {
			result = multierror.Append(result, &ConfigurationError{Tenant: t.ID, Field: "id", Reason: "is not unique"})
		}
		seen[t.ID] = struct{}{}
	}

	return result.ErrorOrNil()
}

// Tenant returns the tenant with the given id.
func (c *Config) Tenant(id string) (TenantConfig, bool) {
	for _, t := range c.Tenants {
		if t.ID == id {
			return t, true
		}
	}
	return TenantConfig{}, false
}

func validateEndpoint(raw string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
