package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ScheduleConfig controls when and how much the scheduler processes.
type ScheduleConfig struct {
	// IntervalMinutes is the time between two scheduled runs.
	IntervalMinutes int `mapstructure:"interval_minutes" yaml:"interval_minutes"`

	// QuietHoursStart and QuietHoursEnd bound the "HH:MM" window in which
	// no processing happens. The window wraps past midnight when start > end.
	QuietHoursStart string `mapstructure:"quiet_hours_start" yaml:"quiet_hours_start"`
	QuietHoursEnd   string `mapstructure:"quiet_hours_end" yaml:"quiet_hours_end"`

	// MaxBatchSize caps the number of messages fetched per run.
	MaxBatchSize int `mapstructure:"max_batch_size" yaml:"max_batch_size"`

	AutoReplyEnabled bool `mapstructure:"auto_reply_enabled" yaml:"auto_reply_enabled"`
	DeleteProcessed  bool `mapstructure:"delete_processed" yaml:"delete_processed"`

	// Concurrency is the number of messages processed in parallel within a run.
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`

	// HistorySize is the number of run records kept for introspection.
	HistorySize int `mapstructure:"history_size" yaml:"history_size"`

	// Timezone is the IANA location quiet hours are evaluated in.
	Timezone string `mapstructure:"timezone" yaml:"timezone"`
}

// SafetyConfig holds the sender lists and content limits of the safety filter.
type SafetyConfig struct {
	SenderAllowList    []string `mapstructure:"sender_allow_list" yaml:"sender_allow_list"`
	SenderBlockList    []string `mapstructure:"sender_block_list" yaml:"sender_block_list"`
	MaxAttachmentBytes int64    `mapstructure:"max_attachment_bytes" yaml:"max_attachment_bytes"`
	ContentDenylist    []string `mapstructure:"content_denylist" yaml:"content_denylist"`
	MaxContentChars    int      `mapstructure:"max_content_chars" yaml:"max_content_chars"`
}

// RateLimitConfig bounds how many replies a single sender can receive.
type RateLimitConfig struct {
	Window       time.Duration `mapstructure:"window" yaml:"window"`
	MaxPerWindow int           `mapstructure:"max_per_window" yaml:"max_per_window"`
}

// GenerationConfig controls reply generation latency and retries.
type GenerationConfig struct {
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	Backoff      time.Duration `mapstructure:"backoff" yaml:"backoff"`
	MaxBodyChars int           `mapstructure:"max_body_chars" yaml:"max_body_chars"`
	Signature    string        `mapstructure:"signature" yaml:"signature"`
}

// AIConfig selects and configures the text-generation backend.
type AIConfig struct {
	// Backend is "ollama" or "anthropic". BaseURL and Model fall back to
	// the backend's own defaults when empty.
	Backend     string  `mapstructure:"backend" yaml:"backend"`
	BaseURL     string  `mapstructure:"base_url" yaml:"base_url"`
	Model       string  `mapstructure:"model" yaml:"model"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens"`

	// APIKey is only needed by hosted backends. When empty it is read
	// from the system keyring.
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
}

// MailConfig holds IMAP and SMTP connection settings.
type MailConfig struct {
	IMAPHost string `mapstructure:"imap_host" yaml:"imap_host"`
	IMAPPort string `mapstructure:"imap_port" yaml:"imap_port"`
	SMTPHost string `mapstructure:"smtp_host" yaml:"smtp_host"`
	SMTPPort string `mapstructure:"smtp_port" yaml:"smtp_port"`
	Username string `mapstructure:"username" yaml:"username"`

	// Password is read from the system keyring when empty.
	Password string `mapstructure:"password" yaml:"password"`

	// IMAPTLS and SMTPTLS select implicit TLS; otherwise STARTTLS is used.
	IMAPTLS bool   `mapstructure:"imap_tls" yaml:"imap_tls"`
	SMTPTLS bool   `mapstructure:"smtp_tls" yaml:"smtp_tls"`
	Mailbox string `mapstructure:"mailbox" yaml:"mailbox"`
}

// StoreConfig locates the audit database.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// APIConfig configures the HTTP control surface.
type APIConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LogConfig configures the application logger.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// Config is the top-level agent configuration. A *Config handed to the
// scheduler is treated as an immutable snapshot.
type Config struct {
	Schedule   ScheduleConfig   `mapstructure:"schedule" yaml:"schedule"`
	Safety     SafetyConfig     `mapstructure:"safety" yaml:"safety"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit" yaml:"rate_limit"`
	Generation GenerationConfig `mapstructure:"generation" yaml:"generation"`
	AI         AIConfig         `mapstructure:"ai" yaml:"ai"`
	Mail       MailConfig       `mapstructure:"mail" yaml:"mail"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	API        APIConfig        `mapstructure:"api" yaml:"api"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
}

// DefaultContentDenylist is the keyword list used when none is configured.
var DefaultContentDenylist = []string{
	"explicit", "nsfw",
	"ssn", "social security", "credit card", "password",
	"click here", "act now", "limited offer", "wire transfer",
}

// configDefaults maps every recognised key to its default value.
var configDefaults = map[string]any{
	"schedule.interval_minutes":   5,
	"schedule.quiet_hours_start":  "22:00",
	"schedule.quiet_hours_end":    "08:00",
	"schedule.max_batch_size":     10,
	"schedule.auto_reply_enabled": true,
	"schedule.delete_processed":   true,
	"schedule.concurrency":        1,
	"schedule.history_size":       100,
	"schedule.timezone":           "Local",

	"safety.sender_allow_list":    []string{},
	"safety.sender_block_list":    []string{},
	"safety.max_attachment_bytes": 5 * 1024 * 1024,
	"safety.content_denylist":     DefaultContentDenylist,
	"safety.max_content_chars":    50000,

	"rate_limit.window":         5 * time.Minute,
	"rate_limit.max_per_window": 5,

	"generation.timeout":        30 * time.Second,
	"generation.max_retries":    2,
	"generation.backoff":        2 * time.Second,
	"generation.max_body_chars": 2000,
	"generation.signature":      "AI Email Agent\nThis response was generated automatically by an AI assistant.",

	"ai.backend":     "ollama",
	"ai.base_url":    "",
	"ai.model":       "",
	"ai.temperature": 0.7,
	"ai.max_tokens":  500,
	"ai.api_key":     "",

	"mail.imap_host": "imap.gmail.com",
	"mail.imap_port": "993",
	"mail.smtp_host": "smtp.gmail.com",
	"mail.smtp_port": "587",
	"mail.username":  "",
	"mail.password":  "",
	"mail.imap_tls":  true,
	"mail.smtp_tls":  false,
	"mail.mailbox":   "INBOX",

	"store.path": "",
	"api.addr":   "127.0.0.1:8000",
	"log.level":  "info",
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailagent/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailagent", "config.yaml")
}

// DefaultStorePath returns the default audit database location.
func DefaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "mailagent.db")
	}
	return filepath.Join(home, ".local", "share", "mailagent", "audit.db")
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range configDefaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix("MAILAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(fmt.Sprintf("decoding default config: %v", err))
	}
	return cfg
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Environment variables prefixed with MAILAGENT_ override file values.
// If the file does not exist, defaults (plus environment) are used.
func LoadConfig(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = DefaultStorePath()
	}
	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("schedule", cfg.Schedule)
	v.Set("safety", cfg.Safety)
	v.Set("rate_limit", cfg.RateLimit)
	v.Set("generation", cfg.Generation)
	v.Set("ai", cfg.AI)
	v.Set("mail", cfg.Mail)
	v.Set("store", cfg.Store)
	v.Set("api", cfg.API)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

// Validate checks the invariants the scheduler relies on.
func (c *Config) Validate() error {
	if c.Schedule.IntervalMinutes < 1 {
		return fmt.Errorf("schedule.interval_minutes must be at least 1, got %d", c.Schedule.IntervalMinutes)
	}
	if c.Schedule.MaxBatchSize < 1 {
		return fmt.Errorf("schedule.max_batch_size must be at least 1, got %d", c.Schedule.MaxBatchSize)
	}
	if c.Schedule.Concurrency < 1 || c.Schedule.Concurrency > MaxConcurrency {
		return fmt.Errorf("schedule.concurrency must be between 1 and %d, got %d", MaxConcurrency, c.Schedule.Concurrency)
	}
	if _, _, err := c.QuietHours(); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}
	if c.RateLimit.MaxPerWindow < 1 {
		return fmt.Errorf("rate_limit.max_per_window must be at least 1")
	}
	if c.Generation.Timeout <= 0 {
		return fmt.Errorf("generation.timeout must be positive")
	}
	if c.Generation.MaxRetries < 0 || c.Generation.MaxRetries > MaxGenerationRetries {
		return fmt.Errorf("generation.max_retries must be between 0 and %d, got %d", MaxGenerationRetries, c.Generation.MaxRetries)
	}
	switch c.AI.Backend {
	case "ollama", "anthropic":
	default:
		return fmt.Errorf("ai.backend must be ollama or anthropic, got %q", c.AI.Backend)
	}
	return nil
}

// MaxConcurrency caps the per-run worker pool.
const MaxConcurrency = 8

// MaxGenerationRetries caps generation.max_retries.
const MaxGenerationRetries = 10

// QuietHours parses the configured quiet window. Empty strings on both ends
// disable quiet hours and return a zero-length window.
func (c *Config) QuietHours() (TimeOfDay, TimeOfDay, error) {
	if c.Schedule.QuietHoursStart == "" && c.Schedule.QuietHoursEnd == "" {
		return 0, 0, nil
	}
	start, err := ParseTimeOfDay(c.Schedule.QuietHoursStart)
	if err != nil {
		return 0, 0, fmt.Errorf("schedule.quiet_hours_start: %w", err)
	}
	end, err := ParseTimeOfDay(c.Schedule.QuietHoursEnd)
	if err != nil {
		return 0, 0, fmt.Errorf("schedule.quiet_hours_end: %w", err)
	}
	return start, end, nil
}

// Location returns the time zone quiet hours are evaluated in.
func (c *Config) Location() (*time.Location, error) {
	switch c.Schedule.Timezone {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("schedule.timezone: %w", err)
	}
	return loc, nil
}

// WithInterval returns a copy of c with a new scheduling interval.
func (c *Config) WithInterval(minutes int) *Config {
	clone := *c
	clone.Schedule.IntervalMinutes = minutes
	return &clone
}

// Interval returns the scheduling interval as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Schedule.IntervalMinutes) * time.Minute
}
