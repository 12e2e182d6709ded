package limiter

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// valid storage types
var validStorage = map[string]bool{
	StorageMemory:   true,
	StorageRedis:    true,
	StoragePostgres: true,
	StorageMongo:    true,
}

// valid failure policies
var validFailurePolicy = map[string]bool{
	FailFallback: true,
	FailOpen:     true,
	FailClosed:   true,
}

// Limit is the quota applied to one (client, endpoint) key.
type Limit struct {
	Window      time.Duration `yaml:"window" mapstructure:"window"`             // length of the counting window
	MaxRequests int           `yaml:"max_requests" mapstructure:"max_requests"` // requests allowed per window
}

// Rule binds a Limit to an endpoint identifier.
type Rule struct {
	Endpoint    string        `yaml:"endpoint" mapstructure:"endpoint"` // endpoint id (regex if IsRegex is true)
	IsRegex     bool          `yaml:"is_regex" mapstructure:"is_regex"`
	Window      time.Duration `yaml:"window" mapstructure:"window"`
	MaxRequests int           `yaml:"max_requests" mapstructure:"max_requests"`

	compiledRegex *regexp.Regexp
}

// Limit returns the quota carried by the rule.
func (r Rule) Limit() Limit {
	return Limit{Window: r.Window, MaxRequests: r.MaxRequests}
}

// Config holds the rate limiter configuration.
type Config struct {
	StorageType   string        `yaml:"storage_type" mapstructure:"storage_type"`     // memory, redis, postgres or mongo
	FailurePolicy string        `yaml:"failure_policy" mapstructure:"failure_policy"` // fallback, allow or deny
	KeyPrefix     string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	Default       Limit         `yaml:"default" mapstructure:"default"`
	Rules         []Rule        `yaml:"rules" mapstructure:"rules"`
	RulesFile     string        `yaml:"rules_file" mapstructure:"rules_file"` // optional YAML file with extra rules

	exact    map[string]Limit
	patterns []Rule
	prepared bool
}

// DefaultConfig returns an in-memory configuration with the process-wide default limit.
func DefaultConfig() *Config {
	return &Config{
		StorageType:   StorageMemory,
		FailurePolicy: FailFallback,
		KeyPrefix:     DefaultKeyPrefix,
		SweepInterval: DefaultSweepInterval,
		Default:       Limit{Window: DefaultWindow, MaxRequests: DefaultMaxRequests},
	}
}

// ParseConfig decodes a YAML document into a prepared Config.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: decode yaml: %w", ErrInvalidConfig, err)
	}
	if err := cfg.ValidateAndPrepare(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRulesFile reads a YAML file holding a list of rules under the "rules" key.
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read rules file %s: %w", ErrInvalidConfig, path, err)
	}
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode rules file %s: %w", ErrInvalidConfig, path, err)
	}
	return doc.Rules, nil
}

// ValidateAndPrepare fills defaults, validates the config and builds the lookup tables.
// It is safe to call more than once.
func (c *Config) ValidateAndPrepare() error {
	if c.prepared {
		return nil
	}

	if c.StorageType == "" {
		c.StorageType = StorageMemory
	}
	if !validStorage[c.StorageType] {
		return fmt.Errorf("%w: invalid storage_type: %s", ErrInvalidConfig, c.StorageType)
	}

	if c.FailurePolicy == "" {
		c.FailurePolicy = FailFallback
	}
	if !validFailurePolicy[c.FailurePolicy] {
		return fmt.Errorf("%w: invalid failure_policy: %s, must be '%s', '%s' or '%s'",
			ErrInvalidConfig, c.FailurePolicy, FailFallback, FailOpen, FailClosed)
	}

	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}

	switch {
	case c.SweepInterval < 0:
		return fmt.Errorf("%w: sweep_interval must not be negative: %s", ErrInvalidConfig, c.SweepInterval)
	case c.SweepInterval == 0:
		c.SweepInterval = DefaultSweepInterval
	}

	if c.Default.Window == 0 && c.Default.MaxRequests == 0 {
		c.Default = Limit{Window: DefaultWindow, MaxRequests: DefaultMaxRequests}
	}
	if err := validateLimit("default", c.Default); err != nil {
		return err
	}

	if c.RulesFile != "" {
		extra, err := LoadRulesFile(c.RulesFile)
		if err != nil {
			return err
		}
		c.Rules = append(c.Rules, extra...)
	}

	if len(c.Rules) == 0 {
		log.Warn().Msg("no endpoint rate limit rules defined, every endpoint uses the default limit")
	}

	exact := make(map[string]Limit, len(c.Rules))
	patterns := make([]Rule, 0)
	seen := make(map[string]bool, len(c.Rules))
	for i := range c.Rules {
		rule := &c.Rules[i]

		if rule.Endpoint == "" {
			return fmt.Errorf("%w: rule #%d has no endpoint", ErrInvalidConfig, i)
		}
		if seen[rule.Endpoint] {
			return fmt.Errorf("%w: duplicate endpoint definition found: %s", ErrInvalidConfig, rule.Endpoint)
		}
		seen[rule.Endpoint] = true

		if err := validateLimit(rule.Endpoint, rule.Limit()); err != nil {
			return err
		}

		if rule.IsRegex {
			re, err := regexp.Compile(rule.Endpoint)
			if err != nil {
				return fmt.Errorf("%w: failed to compile regex for endpoint '%s': %w", ErrInvalidConfig, rule.Endpoint, err)
			}
			rule.compiledRegex = re
			patterns = append(patterns, *rule)
			continue
		}
		exact[rule.Endpoint] = rule.Limit()
	}

	c.exact = exact
	c.patterns = patterns
	c.prepared = true
	return nil
}

func validateLimit(name string, l Limit) error {
	if l.Window < time.Millisecond {
		return fmt.Errorf("%w: limit for '%s' has invalid window: %s, must be at least 1ms", ErrInvalidConfig, name, l.Window)
	}
	if l.MaxRequests < 0 {
		return fmt.Errorf("%w: limit for '%s' has invalid max_requests: %d, must not be negative", ErrInvalidConfig, name, l.MaxRequests)
	}
	return nil
}

// LimitFor returns the limit for an endpoint: exact match first, then regex
// rules in declaration order, then the default.
func (c *Config) LimitFor(endpoint string) Limit {
	if l, ok := c.exact[endpoint]; ok {
		return l
	}
	for _, rule := range c.patterns {
		if rule.compiledRegex != nil && rule.compiledRegex.MatchString(endpoint) {
			return rule.Limit()
		}
	}
	return c.Default
}
