// Package config defines the typed configuration consumed by the client.
//
// Every recognized option is enumerated here; unknown keys in a YAML file
// are a configuration error, not silently ignored. Defaults are
// conservative: fewer requests and slower reconnection rather than
// aggressive behavior.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "500ms" or "1m30s"
// parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("config: duration must be a string like \"5s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RateSpec is one bucket's rate: Rate operations per Period.
type RateSpec struct {
	Rate   int      `yaml:"rate"`
	Period Duration `yaml:"period"`
}

// RateLimits configures the limiter's bucket hierarchy.
type RateLimits struct {
	Global    RateSpec            `yaml:"global"`
	Endpoints map[string]RateSpec `yaml:"endpoints"`

	// RetryAfterGlobal extends Retry-After floors from the endpoint bucket
	// to the global bucket as well.
	RetryAfterGlobal bool `yaml:"retryAfterGlobal"`
}

// Reconnect configures stream reconnection backoff.
type Reconnect struct {
	MinDelay       Duration `yaml:"minDelay"`
	MaxDelay       Duration `yaml:"maxDelay"`
	JitterFraction float64  `yaml:"jitterFraction"`
}

// REST configures the REST transport endpoint and retry policy.
type REST struct {
	BaseURL     string   `yaml:"baseURL"`
	MaxAttempts int      `yaml:"maxAttempts"`
	BaseDelay   Duration `yaml:"baseDelay"`
	MaxDelay    Duration `yaml:"maxDelay"`
	Timeout     Duration `yaml:"timeout"`
}

// Logging configures the zap-backed logger.
type Logging struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`

	// File, when set, sends log output to a size-rotated file instead of
	// stdout.
	File string `yaml:"file"`
}

// Config is the full set of recognized options.
type Config struct {
	RateLimits           RateLimits `yaml:"rateLimits"`
	Reconnect            Reconnect  `yaml:"reconnect"`
	StreamURL            string     `yaml:"streamURL"`
	HeartbeatTimeout     Duration   `yaml:"heartbeatTimeout"`
	StreamBufferCapacity int        `yaml:"streamBufferCapacity"`
	REST                 REST       `yaml:"rest"`
	Logging              Logging    `yaml:"logging"`
}

// Default returns the conservative defaults documented in the package
// comment.
func Default() *Config {
	return &Config{
		RateLimits: RateLimits{
			Global:    RateSpec{Rate: 5, Period: Duration(time.Second)},
			Endpoints: map[string]RateSpec{},
		},
		Reconnect: Reconnect{
			MinDelay:       Duration(time.Second),
			MaxDelay:       Duration(60 * time.Second),
			JitterFraction: 0.2,
		},
		HeartbeatTimeout:     Duration(30 * time.Second),
		StreamBufferCapacity: 256,
		REST: REST{
			MaxAttempts: 3,
			BaseDelay:   Duration(time.Second),
			MaxDelay:    Duration(30 * time.Second),
			Timeout:     Duration(15 * time.Second),
		},
		Logging: Logging{Level: "info"},
	}
}

// Load reads a YAML file and overlays it onto the defaults. Unknown keys
// fail the load.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes onto the defaults. Unknown keys fail the parse.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.RateLimits.Global.Rate <= 0 || c.RateLimits.Global.Period.Std() <= 0 {
		return fmt.Errorf("config: rateLimits.global must have positive rate and period")
	}
	for id, spec := range c.RateLimits.Endpoints {
		if spec.Rate <= 0 || spec.Period.Std() <= 0 {
			return fmt.Errorf("config: rateLimits.endpoints[%s] must have positive rate and period", id)
		}
	}
	if c.Reconnect.MinDelay.Std() <= 0 || c.Reconnect.MaxDelay.Std() < c.Reconnect.MinDelay.Std() {
		return fmt.Errorf("config: reconnect delays must satisfy 0 < minDelay <= maxDelay")
	}
	if c.Reconnect.JitterFraction < 0 || c.Reconnect.JitterFraction > 1 {
		return fmt.Errorf("config: reconnect.jitterFraction must be within [0, 1]")
	}
	if c.HeartbeatTimeout.Std() <= 0 {
		return fmt.Errorf("config: heartbeatTimeout must be positive")
	}
	if c.StreamBufferCapacity <= 0 {
		return fmt.Errorf("config: streamBufferCapacity must be positive")
	}
	if c.REST.MaxAttempts <= 0 {
		return fmt.Errorf("config: rest.maxAttempts must be positive")
	}
	if c.REST.BaseDelay.Std() <= 0 || c.REST.MaxDelay.Std() < c.REST.BaseDelay.Std() {
		return fmt.Errorf("config: rest delays must satisfy 0 < baseDelay <= maxDelay")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown logging.level %q", c.Logging.Level)
	}
	return nil
}
