// Package config resolves client settings from defaults, an optional YAML
// file, a .env file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/cloudzz-dev/cldzchat/internal/client/session"
)

type Config struct {
	Server  string `yaml:"server" validate:"required,url,startswith=http"`
	Profile string `yaml:"profile" validate:"required,excludesall=/\\"`
	Debug   bool   `yaml:"debug"`
	LogFile string `yaml:"log_file" validate:"required_if=Debug true"`

	// Token is only ever taken from the environment.
	Token string `yaml:"-"`

	Timing Timing `yaml:"timing"`
}

type Timing struct {
	Poll        time.Duration `yaml:"poll" validate:"gt=0"`
	Reconnect   time.Duration `yaml:"reconnect" validate:"gt=0"`
	Health      time.Duration `yaml:"health" validate:"gt=0"`
	TypingClear time.Duration `yaml:"typing_clear" validate:"gt=0"`
	TypingStop  time.Duration `yaml:"typing_stop" validate:"gt=0"`
	HTTPTimeout time.Duration `yaml:"http_timeout" validate:"gt=0"`
}

func Default() *Config {
	return &Config{
		Server:  "http://localhost:8080",
		Profile: "default",
		LogFile: "debug.log",
		Timing: Timing{
			Poll:        5 * time.Second,
			Reconnect:   1500 * time.Millisecond,
			Health:      2 * time.Second,
			TypingClear: 1500 * time.Millisecond,
			TypingStop:  1200 * time.Millisecond,
			HTTPTimeout: 10 * time.Second,
		},
	}
}

// DefaultPath is ~/.config/cldzchat/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "cldzchat", "config.yaml")
}

// Load reads path and envFile on top of the defaults; either may be empty
// or missing. Environment variables win over both files.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("CLDZCHAT_SERVER"); v != "" {
		c.Server = v
	}
	if v := os.Getenv("CLDZCHAT_PROFILE"); v != "" {
		c.Profile = v
	}
	if v := os.Getenv("CLDZCHAT_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("CLDZCHAT_DEBUG"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CLDZCHAT_DEBUG: %w", err)
		}
		c.Debug = on
	}
	return nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Session returns the engine timings.
func (c *Config) Session() session.Config {
	return session.Config{
		PollInterval:    c.Timing.Poll,
		ReconnectDelay:  c.Timing.Reconnect,
		HealthInterval:  c.Timing.Health,
		TypingTTL:       c.Timing.TypingClear,
		TypingStopDelay: c.Timing.TypingStop,
	}
}
