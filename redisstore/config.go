package redisstore

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config describes a Redis connection pool.
type Config struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`

	// MaxIdle caps the idle connections kept open.
	MaxIdle int `koanf:"max_idle"`
	// MaxActive caps the connections open at once, busy or idle.
	MaxActive int `koanf:"max_active"`
	// MaxWait is how long a command waits for a free connection before failing.
	MaxWait time.Duration `koanf:"max_wait"`
	// MinIdle is the number of idle connections kept open ahead of demand.
	MinIdle int `koanf:"min_idle"`
}

// DefaultConfig returns the settings of a local Redis with a small pool.
func DefaultConfig() Config {
	return Config{
		Host:      "localhost",
		Port:      6379,
		MaxIdle:   8,
		MaxActive: 8,
		MaxWait:   3 * time.Second,
		MinIdle:   0,
	}
}

// Validate checks that the pool limits are consistent.
func (c Config) Validate() error {
	switch {
	case c.Host == "":
		return errors.New("redis host is required")
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("redis port %d is out of range", c.Port)
	case c.MaxActive <= 0:
		return errors.New("redis max_active must be positive")
	case c.MinIdle < 0 || c.MaxIdle < 0:
		return errors.New("redis idle limits must not be negative")
	case c.MinIdle > c.MaxIdle:
		return fmt.Errorf("redis min_idle %d exceeds max_idle %d", c.MinIdle, c.MaxIdle)
	case c.MaxIdle > c.MaxActive:
		return fmt.Errorf("redis max_idle %d exceeds max_active %d", c.MaxIdle, c.MaxActive)
	case c.MaxWait <= 0:
		return errors.New("redis max_wait must be positive")
	}

	return nil
}

// Options maps the pool settings onto go-redis options.
func (c Config) Options() *redis.Options {
	return &redis.Options{
		Addr:         net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.MaxActive,
		MaxIdleConns: c.MaxIdle,
		MinIdleConns: c.MinIdle,
		PoolTimeout:  c.MaxWait,
	}
}

// NewClient validates c and opens a pooled client.
func NewClient(c Config) (*redis.Client, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	return redis.NewClient(c.Options()), nil
}
