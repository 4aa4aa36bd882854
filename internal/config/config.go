package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"relay/internal/domain"
)

// Config models relay.yml.
type Config struct {
	Pool struct {
		Defaults PoolDefaults `yaml:"defaults"`
	} `yaml:"pool"`
	Session struct {
		ContextMaxTokens int64 `yaml:"context_max_tokens"`
	} `yaml:"session"`
	Delegation struct {
		RequestTTL string `yaml:"request_ttl"`
	} `yaml:"delegation"`
	Claims struct {
		BusyRetries int `yaml:"busy_retries"`
	} `yaml:"claims"`
	Events struct {
		SubscriberBuffer int `yaml:"subscriber_buffer"`
	} `yaml:"events"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// PoolDefaults seeds a project's pool the first time it is used.
type PoolDefaults struct {
	WarmPoolSize            int  `yaml:"warm_pool_size"`
	MaxPoolSize             int  `yaml:"max_pool_size"`
	ContextThresholdPercent int  `yaml:"context_threshold_percent"`
	AutoDelegateEnabled     bool `yaml:"auto_delegate_enabled"`
	SkipUserRequired        bool `yaml:"skip_user_required"`
}

// Webhook is an outbox subscriber reached over HTTP.
type Webhook struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
	Secret string   `yaml:"secret"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with relay config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	d := c.Pool.Defaults
	if err := domain.ValidatePoolSettings(d.WarmPoolSize, d.MaxPoolSize, d.ContextThresholdPercent); err != nil {
		return fmt.Errorf("config.pool.defaults: %w", err)
	}
	if c.Session.ContextMaxTokens <= 0 {
		return fmt.Errorf("config.session.context_max_tokens must be > 0")
	}
	if c.Delegation.RequestTTL != "" {
		ttl, err := time.ParseDuration(c.Delegation.RequestTTL)
		if err != nil {
			return fmt.Errorf("config.delegation.request_ttl: %w", err)
		}
		if ttl <= 0 {
			return fmt.Errorf("config.delegation.request_ttl must be positive")
		}
	}
	if c.Claims.BusyRetries < 0 {
		return fmt.Errorf("config.claims.busy_retries must be >= 0")
	}
	if c.Events.SubscriberBuffer < 0 {
		return fmt.Errorf("config.events.subscriber_buffer must be >= 0")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if !strings.HasPrefix(hook.URL, "http://") && !strings.HasPrefix(hook.URL, "https://") {
			return fmt.Errorf("config.webhooks[%d].url must be http(s)", i)
		}
		for _, ev := range hook.Events {
			if ev == "" {
				return fmt.Errorf("config.webhooks[%d] has empty event type", i)
			}
		}
	}
	return nil
}

// RequestTTL returns the delegation request expiry window, zero when expiry is off.
func (c *Config) RequestTTL() time.Duration {
	if c == nil || c.Delegation.RequestTTL == "" {
		return 0
	}
	ttl, err := time.ParseDuration(c.Delegation.RequestTTL)
	if err != nil {
		return 0
	}
	return ttl
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "relay.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Webhooks = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `pool:
  defaults:
    warm_pool_size: 1
    max_pool_size: 5
    context_threshold_percent: 80
    auto_delegate_enabled: false
    skip_user_required: false

session:
  context_max_tokens: 200000

delegation:
  request_ttl: 24h

claims:
  busy_retries: 5

events:
  subscriber_buffer: 128

webhooks: []
`
