package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/kbnl/beeldbank-commons/internal/pipeline"
)

// Config is the run configuration. Values come from an optional YAML file,
// then the environment; command flags override both.
type Config struct {
	Commons    CommonsConfig     `yaml:"commons"`
	Store      StoreConfig       `yaml:"store"`
	Upload     ThrottleConfig    `yaml:"upload"`
	Structured ThrottleConfig    `yaml:"structured_data"`
	Retry      RetryConfig       `yaml:"retry"`
	Categories map[string]string `yaml:"classification_categories"`

	ExclusionsPath string `yaml:"exclusions" env:"BEELDBANK_EXCLUSIONS" env-default:"category_exclusions.json"`
	ReportDir      string `yaml:"report_dir" env:"BEELDBANK_REPORT_DIR" env-default:"runs"`
	// UniquenessScope is "store" or "batch".
	UniquenessScope string `yaml:"uniqueness_scope" env:"BEELDBANK_UNIQUENESS_SCOPE" env-default:"store"`
}

// CommonsConfig holds the remote endpoint and credentials.
type CommonsConfig struct {
	APIURL    string        `yaml:"api_url" env:"COMMONS_API_URL" env-default:"https://commons.wikimedia.org/w/api.php"`
	Username  string        `yaml:"username" env:"COMMONS_USERNAME"`
	Password  string        `yaml:"password" env:"COMMONS_PASSWORD"`
	UserAgent string        `yaml:"user_agent" env:"COMMONS_USER_AGENT"`
	Timeout   time.Duration `yaml:"timeout" env:"COMMONS_TIMEOUT" env-default:"120s"`
	// RequestsPerSecond limits every API request made by the client.
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"COMMONS_RPS" env-default:"1"`
}

// StoreConfig points at the record workbook.
type StoreConfig struct {
	Path  string `yaml:"path" env:"BEELDBANK_STORE" env-default:"beeldbank_records.xlsx"`
	Sheet string `yaml:"sheet" env:"BEELDBANK_SHEET" env-default:"all"`
}

// ThrottleConfig is the pause between records.
type ThrottleConfig struct {
	Delay  time.Duration `yaml:"delay"`
	Jitter time.Duration `yaml:"jitter"`
}

// RetryConfig mirrors pipeline.Policy.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries" env:"BEELDBANK_MAX_RETRIES" env-default:"3"`
	BaseDelay  time.Duration `yaml:"base_delay" env:"BEELDBANK_RETRY_BASE" env-default:"5s"`
	Multiplier float64       `yaml:"multiplier" env:"BEELDBANK_RETRY_MULTIPLIER" env-default:"2"`
	MaxDelay   time.Duration `yaml:"max_delay" env:"BEELDBANK_RETRY_MAX" env-default:"60s"`
}

const (
	DefaultUploadDelay     = 2 * time.Second
	DefaultStructuredDelay = 1 * time.Second

	ScopeStore = "store"
	ScopeBatch = "batch"
)

// DefaultCategories maps classification codes to Commons categories.
func DefaultCategories() map[string]string {
	return map[string]string{
		"C": "Dutch typography",
		"D": "Printing in the Netherlands",
		"F": "Bookbinding in the Netherlands",
		"J": "Libraries in the Netherlands",
	}
}

// Load reads path (when it exists) and the environment into a Config.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to load configuration from %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
		} else if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Upload.Delay == 0 {
		c.Upload.Delay = DefaultUploadDelay
	}
	if c.Structured.Delay == 0 {
		c.Structured.Delay = DefaultStructuredDelay
	}
	if len(c.Categories) == 0 {
		c.Categories = DefaultCategories()
	}
}

// Validate checks values that cleanenv cannot.
func (c *Config) Validate() error {
	if c.UniquenessScope != ScopeStore && c.UniquenessScope != ScopeBatch {
		return fmt.Errorf("invalid uniqueness_scope %q (want %q or %q)", c.UniquenessScope, ScopeStore, ScopeBatch)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.Retry.MaxRetries)
	}
	if c.Upload.Delay < 0 || c.Structured.Delay < 0 {
		return errors.New("inter-record delay must not be negative")
	}
	return nil
}

// RequireCredentials fails when the account needed for remote writes is not
// configured.
func (c *Config) RequireCredentials() error {
	var missing []string
	if c.Commons.Username == "" {
		missing = append(missing, "COMMONS_USERNAME")
	}
	if c.Commons.Password == "" {
		missing = append(missing, "COMMONS_PASSWORD")
	}
	if c.Commons.UserAgent == "" {
		missing = append(missing, "COMMONS_USER_AGENT")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing credentials %v: %w", missing, pipeline.ErrPrecondition)
	}
	return nil
}

// Policy returns the retry policy for remote writes.
func (c *Config) Policy() pipeline.Policy {
	return pipeline.Policy{
		MaxRetries: c.Retry.MaxRetries,
		BaseDelay:  c.Retry.BaseDelay,
		Multiplier: c.Retry.Multiplier,
		MaxDelay:   c.Retry.MaxDelay,
	}
}
