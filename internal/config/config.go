// Package config loads process configuration from an optional YAML file,
// a .env file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port           int           `yaml:"port"`
		ReadTimeout    time.Duration `yaml:"read_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		IdleTimeout    time.Duration `yaml:"idle_timeout"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"server"`

	Storage struct {
		// Driver is one of sqlite, redis or memory.
		Driver     string `yaml:"driver"`
		SQLitePath string `yaml:"sqlite_path"`
		Redis      struct {
			Addr      string `yaml:"addr"`
			Password  string `yaml:"password"`
			DB        int    `yaml:"db"`
			KeyPrefix string `yaml:"key_prefix"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Auth struct {
		JWTSecret  string        `yaml:"jwt_secret"`
		TokenTTL   time.Duration `yaml:"token_ttl"`
		AdminToken string        `yaml:"admin_token"`
	} `yaml:"auth"`

	Lifecycle struct {
		Tunables      `yaml:",inline"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"lifecycle"`

	RateLimit struct {
		Enabled   bool          `yaml:"enabled"`
		Increment time.Duration `yaml:"increment"`
		Grace     time.Duration `yaml:"grace"`
	} `yaml:"rate_limit"`
}

func Default() *Config {
	c := &Config{}
	c.Server.Port = 8080
	c.Server.ReadTimeout = 15 * time.Second
	c.Server.WriteTimeout = 15 * time.Second
	c.Server.IdleTimeout = 60 * time.Second
	c.Storage.Driver = "sqlite"
	c.Storage.SQLitePath = "./data/lattice.db"
	c.Storage.Redis.Addr = "127.0.0.1:6379"
	c.Storage.Redis.KeyPrefix = "lattice:"
	c.Log.Level = "info"
	c.Log.Format = "text"
	c.Auth.TokenTTL = 30 * 24 * time.Hour
	c.Lifecycle.Tunables = DefaultTunables()
	c.Lifecycle.SweepInterval = time.Minute
	c.RateLimit.Enabled = false
	c.RateLimit.Increment = time.Second
	c.RateLimit.Grace = 10 * time.Second
	return c
}

// Load reads path (when non-empty), then .env, then the environment.
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	return c, c.Validate()
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("LATTICE_DB_PATH"); v != "" {
		c.Storage.SQLitePath = v
	}
	if v := os.Getenv("LATTICE_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Storage.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Storage.Redis.Password = v
	}
	if v := os.Getenv("LATTICE_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("LATTICE_ADMIN_TOKEN"); v != "" {
		c.Auth.AdminToken = v
	}
	if v := os.Getenv("LATTICE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LATTICE_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("LATTICE_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = strings.Split(v, ",")
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("storage driver %q: want sqlite, redis or memory", c.Storage.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret (LATTICE_JWT_SECRET) is required")
	}
	if c.Lifecycle.SweepInterval <= 0 {
		return errors.New("lifecycle.sweep_interval must be positive")
	}
	t := c.Lifecycle.Tunables
	if t.MaxActiveRooms < 0 || t.MaxActiveUsers < 1 || t.LiveDuration <= 0 || t.ActiveDuration <= 0 || t.HotDuration <= 0 {
		return fmt.Errorf("lifecycle: %w", ErrInvalidTunables)
	}
	return nil
}

// NewLogger builds the process logger from the log section.
func NewLogger(level, format string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	if strings.EqualFold(format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
