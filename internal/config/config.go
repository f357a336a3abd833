// Package config loads admitguard configuration from file, environment and
// defaults via viper. Every key can be overridden with an ADMITGUARD_
// environment variable (dots become underscores).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"admitguard/internal/ratelimit"
)

// Config is the full service configuration.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	AdminAddr  string `mapstructure:"admin_addr"`
	Upstream   string `mapstructure:"upstream"`
	LogLevel   string `mapstructure:"log_level"`

	// RedisAddr selects the Redis counter backend; empty uses the
	// in-process store.
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	WAF struct {
		RuleFile             string        `mapstructure:"rule_file"`
		SuspicionThreshold   int           `mapstructure:"suspicion_threshold"`
		ReputationTTL        time.Duration `mapstructure:"reputation_ttl"`
		ReputationMaxEntries int           `mapstructure:"reputation_max_entries"`
	} `mapstructure:"waf"`

	Anomaly struct {
		FrequencyLimit   int    `mapstructure:"frequency_limit"`
		AuthFailureLimit int    `mapstructure:"auth_failure_limit"`
		AlertRetention   int    `mapstructure:"alert_retention"`
		GeoIPDatabase    string `mapstructure:"geoip_database"`
	} `mapstructure:"anomaly"`

	RateRules []ratelimit.RuleConfig `mapstructure:"rate_rules"`
	RateRule  string                 `mapstructure:"rate_rule"`
	GlobalRPS float64                `mapstructure:"global_rps"`

	Audit struct {
		Retention int    `mapstructure:"retention"`
		ChainFile string `mapstructure:"chain_file"`
	} `mapstructure:"audit"`

	JWTSecret string `mapstructure:"jwt_secret"`
}

// NewConfig returns the defaults.
func NewConfig() *Config {
	cfg := &Config{
		ListenAddr: ":8080",
		AdminAddr:  ":9090",
		Upstream:   "http://localhost:3000",
		LogLevel:   "info",
		RateRule:   "default",
		RateRules: []ratelimit.RuleConfig{
			{ID: "default", Window: time.Minute, MaxRequests: 120, KeyBy: ratelimit.KeyByIP},
			{ID: "free", Window: time.Hour, MaxRequests: 1000, KeyBy: ratelimit.KeyByAPIKey},
			{ID: "pro", Window: time.Hour, MaxRequests: 10000, KeyBy: ratelimit.KeyByAPIKey},
		},
	}
	cfg.WAF.SuspicionThreshold = 10
	cfg.WAF.ReputationTTL = 24 * time.Hour
	cfg.WAF.ReputationMaxEntries = 100000
	cfg.Anomaly.FrequencyLimit = 60
	cfg.Anomaly.AuthFailureLimit = 5
	cfg.Anomaly.AlertRetention = 1000
	cfg.Audit.Retention = 10000
	return cfg
}

// Load reads configuration from an optional file plus the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ADMITGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := NewConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors that should stop startup.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.Upstream == "" {
		return fmt.Errorf("upstream is required")
	}

	ruleIDs := make(map[string]bool, len(c.RateRules))
	for _, rc := range c.RateRules {
		if err := rc.Validate(); err != nil {
			return err
		}
		if ruleIDs[rc.ID] {
			return fmt.Errorf("duplicate rate rule id %q", rc.ID)
		}
		ruleIDs[rc.ID] = true
	}
	if c.RateRule != "" && !ruleIDs[c.RateRule] {
		return fmt.Errorf("rate_rule %q does not match any configured rule", c.RateRule)
	}

	return nil
}
