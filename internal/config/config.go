package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

const (
	DefaultHistoryLimit    = 50
	DefaultRateLimit       = 20
	DefaultRateLimitWindow = 10 * time.Second
)

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	SigningKey     []byte
	AllowedOrigins []string

	// RedisAddr enables send rate limiting when set.
	RedisAddr       string
	RateLimit       int
	RateLimitWindow time.Duration
	HistoryLimit    int
}

type Option func(*Config) error

func WithRedis(addr string) Option {
	return func(c *Config) error {
		c.RedisAddr = addr
		return nil
	}
}

func WithRateLimit(limit int, window time.Duration) Option {
	return func(c *Config) error {
		if limit <= 0 {
			return fmt.Errorf("rate limit must be positive, got %d", limit)
		}
		if window <= 0 {
			return fmt.Errorf("rate limit window must be positive, got %s", window)
		}
		c.RateLimit = limit
		c.RateLimitWindow = window
		return nil
	}
}

func WithHistoryLimit(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("history limit must be positive, got %d", n)
		}
		c.HistoryLimit = n
		return nil
	}
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("empty key")
	}
	return key, nil
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string, opts ...Option) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	cfg := &Config{
		DatabaseDSN:     databaseDSN,
		ServerAddr:      serverAddr,
		SigningKey:      signingKey,
		AllowedOrigins:  allowedOrigins,
		RateLimit:       DefaultRateLimit,
		RateLimitWindow: DefaultRateLimitWindow,
		HistoryLimit:    DefaultHistoryLimit,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}
