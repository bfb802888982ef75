// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

// Package config loads keyrelay configuration from file, environment and
// flags through viper.
package config

import (
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/keyrelay-dev/keyrelay/internal/classify"
	"github.com/keyrelay-dev/keyrelay/internal/credential"
	"github.com/keyrelay-dev/keyrelay/internal/dispatch"
	"github.com/keyrelay-dev/keyrelay/internal/upstream"
	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

// EnvPrefix prefixes every environment override, e.g.
// KEYRELAY_NETWORKING_LISTEN.
const EnvPrefix = "KEYRELAY"

// Legacy environment names read in addition to upstream.api_keys.
var legacyKeyEnv = []string{"GEMINI_API_KEY_1", "GEMINI_API_KEY_2", "GEMINI_API_KEY_3", "GEMINI_API_KEY"}

const legacyMaxTokensEnv = "MAX_RESPONSE_TOKENS"

var validBackends = []string{"sqlite", "memory"}

type Config struct {
	Networking NetworkingConfig `mapstructure:"networking" yaml:"networking"`
	Upstream   UpstreamConfig   `mapstructure:"upstream" yaml:"upstream"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch" yaml:"dispatch"`
	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
}

type NetworkingConfig struct {
	Listen      string   `mapstructure:"listen" yaml:"listen"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
	// RateLimitRPS is the per-client request rate; 0 disables limiting.
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst" yaml:"rate_limit_burst"`
}

type UpstreamConfig struct {
	Vendor   string   `mapstructure:"vendor" yaml:"vendor"`
	Model    string   `mapstructure:"model" yaml:"model"`
	Endpoint string   `mapstructure:"endpoint" yaml:"endpoint"`
	TopP     float64  `mapstructure:"top_p" yaml:"top_p"`
	TopK     int      `mapstructure:"top_k" yaml:"top_k"`
	APIKeys  []string `mapstructure:"api_keys" yaml:"api_keys"`
}

type DispatchConfig struct {
	MaxResponseTokens  int              `mapstructure:"max_response_tokens" yaml:"max_response_tokens"`
	MaxHistoryMessages int              `mapstructure:"max_history_messages" yaml:"max_history_messages"`
	Temperature        float64          `mapstructure:"temperature" yaml:"temperature"`
	RequestTimeout     time.Duration    `mapstructure:"request_timeout" yaml:"request_timeout"`
	Backoff            time.Duration    `mapstructure:"backoff" yaml:"backoff"`
	Cooldown           time.Duration    `mapstructure:"cooldown" yaml:"cooldown"`
	ErrorThreshold     int              `mapstructure:"error_threshold" yaml:"error_threshold"`
	Classifier         ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
}

// ClassifierConfig adds substring patterns to the built-in rules.
type ClassifierConfig struct {
	Quota  []string `mapstructure:"quota" yaml:"quota"`
	Auth   []string `mapstructure:"auth" yaml:"auth"`
	Length []string `mapstructure:"length" yaml:"length"`
}

type StorageConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Path is the database file; empty means keyrelay.db in the working
	// directory.
	Path string `mapstructure:"path" yaml:"path"`
}

// SetDefaults registers every key's default on v. MAX_RESPONSE_TOKENS, when
// set to an integer, replaces the stock response budget.
func SetDefaults(v *viper.Viper) {
	d := dispatch.DefaultSettings()
	maxTokens := d.MaxResponseTokens
	if raw, ok := os.LookupEnv(legacyMaxTokensEnv); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			maxTokens = n
		}
	}

	v.SetDefault("networking.listen", "127.0.0.1:5000")
	v.SetDefault("networking.cors_origins", []string{"*"})
	v.SetDefault("networking.rate_limit_rps", 0.0)
	v.SetDefault("networking.rate_limit_burst", 0)

	v.SetDefault("upstream.vendor", string(upstream.VendorGoogle))
	v.SetDefault("upstream.model", "gemini-2.5-flash")
	v.SetDefault("upstream.endpoint", "")
	v.SetDefault("upstream.top_p", 0.8)
	v.SetDefault("upstream.top_k", 40)
	v.SetDefault("upstream.api_keys", []string{})

	v.SetDefault("dispatch.max_response_tokens", maxTokens)
	v.SetDefault("dispatch.max_history_messages", d.MaxHistoryMessages)
	v.SetDefault("dispatch.temperature", d.Temperature)
	v.SetDefault("dispatch.request_timeout", d.RequestTimeout)
	v.SetDefault("dispatch.backoff", dispatch.DefaultBackoff)
	v.SetDefault("dispatch.cooldown", credential.DefaultCooldown)
	v.SetDefault("dispatch.error_threshold", credential.DefaultErrorThreshold)
	v.SetDefault("dispatch.classifier.quota", []string{})
	v.SetDefault("dispatch.classifier.auth", []string{})
	v.SetDefault("dispatch.classifier.length", []string{})

	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.path", "")
}

// SetupEnv enables KEYRELAY_* overrides with "." mapped to "_".
func SetupEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// FromViper decodes v, appends credentials from the legacy environment
// names and validates the result.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, keyerr.Wrap(err, keyerr.CodeConfigParseInvalidFormat, "decoding config")
	}

	for _, name := range legacyKeyEnv {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			cfg.Upstream.APIKeys = append(cfg.Upstream.APIKeys, val)
		}
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, keyerr.Wrap(errors.Join(errs...), keyerr.CodeConfigValidateInvalidValue, "validating config")
	}
	return &cfg, nil
}

// Load reads path (when non-empty) over the defaults and environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	SetupEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, keyerr.Wrapf(err, keyerr.CodeConfigLoadReadFailure, "reading config %s", path)
		}
	}
	return FromViper(v)
}

// Validate reports every problem found rather than stopping at the first.
func (c *Config) Validate() []error {
	var errs []error
	errs = append(errs, c.validateNetworking()...)
	errs = append(errs, c.validateUpstream()...)
	errs = append(errs, c.validateDispatch()...)
	errs = append(errs, c.validateStorage()...)
	return errs
}

func invalid(format string, args ...any) error {
	return keyerr.Errorf(keyerr.CodeConfigValidateInvalidValue, "config: "+format, args...)
}

func (c *Config) validateNetworking() []error {
	var errs []error
	n := c.Networking

	if n.Listen == "" {
		errs = append(errs, invalid("networking.listen must not be empty"))
	} else if _, portStr, err := net.SplitHostPort(n.Listen); err != nil {
		errs = append(errs, invalid("networking.listen must be host:port, got %q", n.Listen))
	} else if port, err := strconv.Atoi(portStr); err != nil || port < 1 || port > 65535 {
		errs = append(errs, invalid("networking.listen port must be 1-65535, got %q", portStr))
	}

	if n.RateLimitRPS < 0 {
		errs = append(errs, invalid("networking.rate_limit_rps must be >= 0, got %g", n.RateLimitRPS))
	}
	if n.RateLimitBurst < 0 {
		errs = append(errs, invalid("networking.rate_limit_burst must be >= 0, got %d", n.RateLimitBurst))
	}
	return errs
}

func (c *Config) validateUpstream() []error {
	var errs []error
	u := c.Upstream

	if !upstream.Vendor(u.Vendor).Valid() {
		errs = append(errs, invalid("upstream.vendor must be one of %v, got %q", upstream.Vendors(), u.Vendor))
	}
	if u.TopP < 0 || u.TopP > 1 {
		errs = append(errs, invalid("upstream.top_p must be within [0, 1], got %g", u.TopP))
	}
	if u.TopK < 0 {
		errs = append(errs, invalid("upstream.top_k must be >= 0, got %d", u.TopK))
	}
	return errs
}

func (c *Config) validateDispatch() []error {
	var errs []error
	d := c.Dispatch

	if d.MaxResponseTokens < dispatch.MinResponseTokens || d.MaxResponseTokens > dispatch.MaxResponseTokens {
		errs = append(errs, invalid("dispatch.max_response_tokens must be within [%d, %d], got %d",
			dispatch.MinResponseTokens, dispatch.MaxResponseTokens, d.MaxResponseTokens))
	}
	if d.MaxHistoryMessages < dispatch.MinHistoryMessages || d.MaxHistoryMessages > dispatch.MaxHistoryMessages {
		errs = append(errs, invalid("dispatch.max_history_messages must be within [%d, %d], got %d",
			dispatch.MinHistoryMessages, dispatch.MaxHistoryMessages, d.MaxHistoryMessages))
	}
	if d.Temperature < dispatch.MinTemperature || d.Temperature > dispatch.MaxTemperature {
		errs = append(errs, invalid("dispatch.temperature must be within [%g, %g], got %g",
			dispatch.MinTemperature, dispatch.MaxTemperature, d.Temperature))
	}
	if d.RequestTimeout <= 0 {
		errs = append(errs, invalid("dispatch.request_timeout must be positive, got %s", d.RequestTimeout))
	}
	if d.Backoff < 0 {
		errs = append(errs, invalid("dispatch.backoff must be >= 0, got %s", d.Backoff))
	}
	if d.Cooldown <= 0 {
		errs = append(errs, invalid("dispatch.cooldown must be positive, got %s", d.Cooldown))
	}
	if d.ErrorThreshold < 0 {
		errs = append(errs, invalid("dispatch.error_threshold must be >= 0, got %d", d.ErrorThreshold))
	}
	return errs
}

func (c *Config) validateStorage() []error {
	for _, b := range validBackends {
		if c.Storage.Backend == b {
			return nil
		}
	}
	return []error{invalid("storage.backend must be one of %v, got %q", validBackends, c.Storage.Backend)}
}

// Settings returns the runtime tunables seeded from the dispatch section.
func (c *Config) Settings() dispatch.Settings {
	return dispatch.Settings{
		MaxResponseTokens:  c.Dispatch.MaxResponseTokens,
		MaxHistoryMessages: c.Dispatch.MaxHistoryMessages,
		Temperature:        c.Dispatch.Temperature,
		RequestTimeout:     c.Dispatch.RequestTimeout,
	}
}

// ClassifierRules returns the built-in rules extended with configured
// patterns.
func (c *Config) ClassifierRules() []classify.Rule {
	return classify.ExtendRules(classify.DefaultRules(), map[classify.Category][]string{
		classify.CategoryQuota:  c.Dispatch.Classifier.Quota,
		classify.CategoryAuth:   c.Dispatch.Classifier.Auth,
		classify.CategoryLength: c.Dispatch.Classifier.Length,
	})
}

// Burst returns the configured burst or, when unset, the rate rounded up
// with a minimum of one.
func (n NetworkingConfig) Burst() int {
	if n.RateLimitBurst > 0 {
		return n.RateLimitBurst
	}
	return max(1, int(n.RateLimitRPS+0.999))
}
