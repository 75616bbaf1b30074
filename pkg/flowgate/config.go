package flowgate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds rate limiting configuration for a process.
// It supports a global default plus per-bucket overrides, one bucket per
// logical feature area (e.g. "messages", "ai", "crm").
type Config struct {
	// Defaults are applied to all buckets unless overridden
	Defaults PolicyConfig `yaml:"defaults"`

	// Buckets is a map of bucket names to their specific policies
	// Example: "ai" -> strict policy, "crm" -> lenient policy
	Buckets map[string]PolicyConfig `yaml:"buckets,omitempty"`
}

// PolicyConfig defines rate limiting parameters for one named bucket.
type PolicyConfig struct {
	// MaxRequests is the number of operations allowed per window (burst size)
	MaxRequests int64 `yaml:"max_requests"`

	// Window over which MaxRequests refill, e.g. "1m", "30s"
	Window string `yaml:"window"`

	// MaxQueueSize bounds the number of pending operations before
	// enqueue rejects with a capacity error
	MaxQueueSize int `yaml:"max_queue_size"`

	// RetryDelay is the base delay before a failed operation re-enters the
	// queue, e.g. "500ms". The actual delay grows linearly per attempt.
	RetryDelay string `yaml:"retry_delay"`

	// OpTimeout bounds a single operation's execution, e.g. "30s".
	// Empty or "0" disables the timeout.
	OpTimeout string `yaml:"op_timeout,omitempty"`
}

// NewConfig creates a Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Defaults: PolicyConfig{
			MaxRequests:  60,
			Window:       "1m",
			MaxQueueSize: 50,
			RetryDelay:   "1s",
			OpTimeout:    "30s",
		},
		Buckets: make(map[string]PolicyConfig),
	}
}

// LoadConfigFromFile loads configuration from a YAML file.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %v", ErrInvalidConfig, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: failed to parse YAML: %v", ErrInvalidConfig, err)
	}

	// Apply defaults if not set
	if config.Defaults.MaxRequests == 0 {
		config.Defaults = NewConfig().Defaults
	}
	if config.Buckets == nil {
		config.Buckets = make(map[string]PolicyConfig)
	}
	for name, policy := range config.Buckets {
		config.Buckets[name] = policy.withDefaults(config.Defaults)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// withDefaults fills zero-valued fields from the default policy.
func (p PolicyConfig) withDefaults(defaults PolicyConfig) PolicyConfig {
	if p.MaxRequests == 0 {
		p.MaxRequests = defaults.MaxRequests
	}
	if p.Window == "" {
		p.Window = defaults.Window
	}
	if p.MaxQueueSize == 0 {
		p.MaxQueueSize = defaults.MaxQueueSize
	}
	if p.RetryDelay == "" {
		p.RetryDelay = defaults.RetryDelay
	}
	if p.OpTimeout == "" {
		p.OpTimeout = defaults.OpTimeout
	}
	return p
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Defaults.Validate(); err != nil {
		return fmt.Errorf("%w: invalid defaults: %v", ErrInvalidConfig, err)
	}

	for name, policy := range c.Buckets {
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("%w: invalid policy for bucket %s: %v", ErrInvalidConfig, name, err)
		}
	}

	return nil
}

// Validate checks if a PolicyConfig is valid.
func (p *PolicyConfig) Validate() error {
	if p.MaxRequests <= 0 {
		return ErrNegativeCapacity
	}
	if _, err := p.WindowDuration(); err != nil {
		return err
	}
	if _, err := p.RetryDelayDuration(); err != nil {
		return err
	}
	if _, err := p.OpTimeoutDuration(); err != nil {
		return err
	}
	if p.MaxQueueSize < 0 {
		return fmt.Errorf("max_queue_size cannot be negative")
	}
	return nil
}

// WindowDuration parses the refill window.
func (p *PolicyConfig) WindowDuration() (time.Duration, error) {
	d, err := time.ParseDuration(p.Window)
	if err != nil {
		return 0, fmt.Errorf("invalid window %q: %v", p.Window, err)
	}
	if d <= 0 {
		return 0, ErrNegativeRefillRate
	}
	return d, nil
}

// RetryDelayDuration parses the base retry delay.
func (p *PolicyConfig) RetryDelayDuration() (time.Duration, error) {
	if p.RetryDelay == "" {
		return time.Second, nil
	}
	d, err := time.ParseDuration(p.RetryDelay)
	if err != nil {
		return 0, fmt.Errorf("invalid retry_delay %q: %v", p.RetryDelay, err)
	}
	return d, nil
}

// OpTimeoutDuration parses the per-operation timeout. Zero means no timeout.
func (p *PolicyConfig) OpTimeoutDuration() (time.Duration, error) {
	if p.OpTimeout == "" || p.OpTimeout == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(p.OpTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid op_timeout %q: %v", p.OpTimeout, err)
	}
	return d, nil
}

// GetPolicy returns the policy for a named bucket, falling back to the
// default policy when the name has no explicit entry.
func (c *Config) GetPolicy(name string) PolicyConfig {
	if policy, exists := c.Buckets[name]; exists {
		return policy
	}
	return c.Defaults
}

// HasBucket reports whether name has an explicitly configured policy.
func (c *Config) HasBucket(name string) bool {
	_, exists := c.Buckets[name]
	return exists
}

// SetPolicy sets the policy for a named bucket.
func (c *Config) SetPolicy(name string, policy PolicyConfig) error {
	policy = policy.withDefaults(c.Defaults)
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Buckets == nil {
		c.Buckets = make(map[string]PolicyConfig)
	}
	c.Buckets[name] = policy
	return nil
}

// NewBucketFromPolicy builds the token bucket a policy describes:
// capacity MaxRequests, refilling continuously over the window.
func NewBucketFromPolicy(policy PolicyConfig) (*Bucket, error) {
	window, err := policy.WindowDuration()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	refillPerSec := float64(policy.MaxRequests) / window.Seconds()
	return NewBucket(float64(policy.MaxRequests), refillPerSec)
}
