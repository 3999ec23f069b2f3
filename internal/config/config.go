package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Host              string  `yaml:"host" default:"https://api.etilbudsavis.dk"`
	AppVersion        string  `yaml:"app-version"`
	PoolSize          int     `yaml:"pool-size" default:"4"`
	LogSize           int     `yaml:"log-size" default:"16"`
	MaxAttempts       int     `yaml:"max-attempts" default:"3"`
	RetryBackoffMs    int     `yaml:"retry-backoff-ms" default:"250"`
	RetryMaxBackoffMs int     `yaml:"retry-max-backoff-ms" default:"2000"`
	RequestTimeoutMs  int     `yaml:"request-timeout-ms" default:"20000"`
	CacheTTL          int     `yaml:"cache-ttl" default:"180"`
	CacheCapacity     int     `yaml:"cache-capacity" default:"1000"`
	CacheRetention    int     `yaml:"cache-retention" default:"600"`
	BreakerThreshold  int     `yaml:"breaker-threshold" default:"5"`
	BreakerRetryAfter int     `yaml:"breaker-retry-after" default:"30"`
	RateLimit         float64 `yaml:"rate-limit" default:"0"`
	RateBurst         int     `yaml:"rate-burst" default:"10"`
	SessionEndpoint   string  `yaml:"session-endpoint" default:"/v2/sessions"`
	CredentialsFile   string  `yaml:"credentials-file"`
	Latitude          float64 `yaml:"latitude"`
	Longitude         float64 `yaml:"longitude"`
	Radius            int     `yaml:"radius" default:"5000"`
	Sensor            bool    `yaml:"sensor"`
	MetricsListen     string  `yaml:"metrics-listen"`
	StatusAuthFile    string  `yaml:"status-password-file"`
}

func (s *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	defaults.SetDefaults(s)

	type cfg Config

	if err := unmarshal((*cfg)(s)); err != nil {
		return err
	}

	return nil
}

func Default() *Config {
	c := &Config{}
	defaults.SetDefaults(c)

	return c
}

// Load reads a YAML configuration, fields that are not set keep their defaults.
func Load(r io.Reader) (*Config, error) {
	c := Default()

	if err := yaml.NewDecoder(r).Decode(c); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	return c, nil
}

func (s *Config) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("host must be set")
	}

	if s.PoolSize < 1 {
		return fmt.Errorf("pool-size must be at least 1, got %d", s.PoolSize)
	}

	if s.MaxAttempts < 1 {
		return fmt.Errorf("max-attempts must be at least 1, got %d", s.MaxAttempts)
	}

	if s.RetryBackoffMs < 0 || s.RetryMaxBackoffMs < s.RetryBackoffMs {
		return fmt.Errorf("retry backoff must satisfy 0 <= retry-backoff-ms (%d) <= retry-max-backoff-ms (%d)", s.RetryBackoffMs, s.RetryMaxBackoffMs)
	}

	if s.RequestTimeoutMs < 1 {
		return fmt.Errorf("request-timeout-ms must be positive, got %d", s.RequestTimeoutMs)
	}

	if s.CacheTTL < 0 || s.CacheCapacity < 0 || s.CacheRetention < 0 {
		return fmt.Errorf("cache settings must not be negative")
	}

	if s.RateLimit < 0 {
		return fmt.Errorf("rate-limit must not be negative, got %v", s.RateLimit)
	}

	return nil
}

func (s *Config) RetryBackoff() time.Duration {
	return time.Duration(s.RetryBackoffMs) * time.Millisecond
}

func (s *Config) RetryMaxBackoff() time.Duration {
	return time.Duration(s.RetryMaxBackoffMs) * time.Millisecond
}

func (s *Config) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutMs) * time.Millisecond
}

func (s *Config) CacheTTLDuration() time.Duration {
	return time.Duration(s.CacheTTL) * time.Second
}

func (s *Config) CacheRetentionDuration() time.Duration {
	return time.Duration(s.CacheRetention) * time.Second
}

func (s *Config) BreakerRetryAfterDuration() time.Duration {
	return time.Duration(s.BreakerRetryAfter) * time.Second
}

// HasLocation is true when a location was configured.
func (s *Config) HasLocation() bool {
	return s.Latitude != 0 || s.Longitude != 0
}

// LoadCredentials reads a pair separated by ':' from a file, an api key and
// secret or a username and password.
func LoadCredentials(path string) (string, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to load credentials file: %w", err)
	}

	split := strings.SplitN(strings.TrimSpace(string(data)), ":", 2) //nolint:gomnd
	if len(split) != 2 || split[0] == "" {                            //nolint:gomnd
		return "", "", fmt.Errorf("failed to parse credentials. Expected 2 values separated by ':'")
	}

	return split[0], split[1], nil
}
