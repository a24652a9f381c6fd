// Package config loads dispatchd configuration from an optional YAML file
// overlaid with FLEET_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"fleetdispatch/internal/api"
	"fleetdispatch/internal/assign"
	"fleetdispatch/internal/auth"
	"fleetdispatch/internal/eta"
	"fleetdispatch/internal/logging"
	"fleetdispatch/internal/route"
	"fleetdispatch/internal/sweep"
	"fleetdispatch/internal/telemetry"
	"fleetdispatch/internal/webhooks"
)

const envPrefix = "FLEET_"

type HTTPConfig struct {
	Addr              string        `json:"addr"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout"`
}

func (c *HTTPConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 5 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// StoreConfig selects the backing store. An empty DatabaseURL means the
// in-memory store.
type StoreConfig struct {
	DatabaseURL string `json:"database_url"`
	Migrate     bool   `json:"migrate"`
}

// RedisConfig enables the cross-instance event broker and driver locks.
type RedisConfig struct {
	URL     string        `json:"url"`
	LockTTL time.Duration `json:"lock_ttl"`
}

func (c *RedisConfig) SetDefaults() {
	if c.LockTTL <= 0 {
		c.LockTTL = 10 * time.Second
	}
}

type Config struct {
	HTTP      HTTPConfig          `json:"http"`
	Store     StoreConfig         `json:"store"`
	Redis     RedisConfig         `json:"redis"`
	MQTT      telemetry.Config    `json:"mqtt"`
	Dispatch  assign.Config       `json:"dispatch"`
	Route     route.Config        `json:"route"`
	ETA       eta.Config          `json:"eta"`
	Alerts    sweep.Config        `json:"alerts"`
	RateLimit api.RateLimitConfig `json:"ratelimit"`
	Auth      auth.Config         `json:"auth"`
	Webhooks  webhooks.Config     `json:"webhooks"`
	Logging   logging.Config      `json:"logging"`
	SeedFile  string              `json:"seed_file"`
}

func (c *Config) SetDefaults() {
	c.HTTP.SetDefaults()
	c.Redis.SetDefaults()
	c.MQTT.SetDefaults()
	c.Dispatch.SetDefaults()
	c.Route.SetDefaults()
	c.ETA.SetDefaults()
	c.Alerts.SetDefaults()
	c.RateLimit.SetDefaults()
	c.Auth.SetDefaults()
	c.Webhooks.SetDefaults()
	c.Logging.SetDefaults()
}

// Validate reports every invalid section at once.
func (c Config) Validate() error {
	var errs []error
	check := func(section string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", section, err))
		}
	}
	if c.MQTT.Enabled() {
		check("mqtt", c.MQTT.Validate())
	}
	check("dispatch", c.Dispatch.Validate())
	check("route", c.Route.Validate())
	check("eta", c.ETA.Validate())
	check("alerts", c.Alerts.Validate())
	check("auth", c.Auth.Validate())
	check("webhooks", c.Webhooks.Validate())
	check("logging", c.Logging.Validate())
	return errors.Join(errs...)
}

// Load reads path (skipped when empty), applies FLEET_ overrides with "__"
// separating nested keys, then defaults and validation.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps FLEET_ETA__FRESHNESS_WINDOW to eta.freshness_window.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(s, "__", ".")
}
