package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultAuthDir is used when the configuration leaves auth-dir empty.
const DefaultAuthDir = "~/.claudeauth"

// Config is the root of the YAML configuration file.
type Config struct {
	SDKConfig `yaml:",inline"`

	// AuthDir is the directory holding the credential record and the encrypted key store.
	AuthDir string `yaml:"auth-dir" json:"auth-dir"`

	// Debug enables debug level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile routes logs to rotating files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogsMaxTotalSizeMB caps the total size of the log directory. <= 0 disables the cap.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb" json:"logs-max-total-size-mb"`

	// TLSFingerprint sends token requests through the browser-fingerprint TLS transport.
	TLSFingerprint bool `yaml:"tls-fingerprint" json:"tls-fingerprint"`

	// WatchCredentials reloads the cached credential when another process rewrites it.
	WatchCredentials bool `yaml:"watch-credentials" json:"watch-credentials"`

	Claude   ClaudeConfig   `yaml:"claude" json:"claude"`
	Refresh  RefreshConfig  `yaml:"refresh" json:"refresh"`
	Keyring  KeyringConfig  `yaml:"keyring" json:"keyring"`
	Callback CallbackConfig `yaml:"callback" json:"callback"`
}

// ClaudeConfig overrides provider endpoints and timings. Zero values use the
// built-in defaults.
type ClaudeConfig struct {
	ClientID     string   `yaml:"client-id" json:"client-id"`
	AuthorizeURL string   `yaml:"authorize-url" json:"authorize-url"`
	TokenURL     string   `yaml:"token-url" json:"token-url"`
	ModelsURL    string   `yaml:"models-url" json:"models-url"`
	APIVersion   string   `yaml:"api-version" json:"api-version"`
	Scopes       []string `yaml:"scopes" json:"scopes"`

	ExchangeTimeout   time.Duration `yaml:"exchange-timeout" json:"exchange-timeout"`
	ValidationTimeout time.Duration `yaml:"validation-timeout" json:"validation-timeout"`
	// MaxRetries bounds retries of token requests; negative disables retries.
	MaxRetries       int           `yaml:"max-retries" json:"max-retries"`
	RetryBaseDelay   time.Duration `yaml:"retry-base-delay" json:"retry-base-delay"`
	RetryMaxDelay    time.Duration `yaml:"retry-max-delay" json:"retry-max-delay"`
	DefaultExpiresIn time.Duration `yaml:"default-expires-in" json:"default-expires-in"`
}

// RefreshConfig tunes credential refresh and pending authorization lifetimes.
type RefreshConfig struct {
	// GraceWindow is how long before expiry a credential is refreshed.
	GraceWindow time.Duration `yaml:"grace-window" json:"grace-window"`
	// PKCETTL is how long a started authorization stays valid.
	PKCETTL time.Duration `yaml:"pkce-ttl" json:"pkce-ttl"`
}

// KeyringConfig controls where static API keys are kept.
type KeyringConfig struct {
	// Disable skips the OS keychain and always uses the encrypted file.
	Disable bool `yaml:"disable" json:"disable"`
	// Service is the keychain service name.
	Service string `yaml:"service" json:"service"`
	// Passphrase seeds the encrypted-file fallback. Empty derives one from the host.
	Passphrase string `yaml:"passphrase" json:"-"`
}

// CallbackConfig configures the loopback listener receiving the OAuth redirect.
type CallbackConfig struct {
	Port int `yaml:"port" json:"port"`
}

// LoadConfig reads and parses the YAML configuration at configFile.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads the configuration. When optional is true a missing
// or empty file yields the defaults instead of an error.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		if optional {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("config file %s is empty", configFile)
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.AuthDir) == "" {
		c.AuthDir = DefaultAuthDir
	}
	if c.Refresh.GraceWindow <= 0 {
		c.Refresh.GraceWindow = 60 * time.Second
	}
	if c.Refresh.PKCETTL <= 0 {
		c.Refresh.PKCETTL = 10 * time.Minute
	}
	if c.Keyring.Service == "" {
		c.Keyring.Service = "claudeauth"
	}
	if c.Callback.Port <= 0 {
		c.Callback.Port = 54545
	}
}
