// Package config loads the cockpit configuration from YAML and COCKPIT_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/orthancfleet/cockpit/pkg/fleet"
	"github.com/orthancfleet/cockpit/pkg/lifecycle"
	"github.com/orthancfleet/cockpit/pkg/log"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
)

// EnvPrefix prefixes every environment override, e.g. COCKPIT_STORE_PATH
const EnvPrefix = "COCKPIT"

// Config is the cockpit configuration
type Config struct {
	Store      StoreConfig      `mapstructure:"store"`
	Security   SecurityConfig   `mapstructure:"security"`
	Fleet      FleetConfig      `mapstructure:"fleet"`
	Orthanc    OrthancConfig    `mapstructure:"orthanc"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Migration  MigrationConfig  `mapstructure:"migration"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type StoreConfig struct {
	// Path is the directory holding the graph database
	Path string `mapstructure:"path" validate:"required"`
}

type SecurityConfig struct {
	// SharedSecret derives the key that encrypts stored passwords
	SharedSecret string `mapstructure:"shared_secret" validate:"required"`

	// AdminUsername and AdminPassword are given to every managed server
	AdminUsername string `mapstructure:"admin_username" validate:"required"`
	AdminPassword string `mapstructure:"admin_password" validate:"required"`
}

type FleetConfig struct {
	DockerBinary    string        `mapstructure:"docker_binary" validate:"required"`
	OrthancImage    string        `mapstructure:"orthanc_image" validate:"required"`
	StackPrefix     string        `mapstructure:"stack_prefix"`
	VolumeBusyRetry time.Duration `mapstructure:"volume_busy_retry" validate:"gt=0"`
}

type OrthancConfig struct {
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout" validate:"gt=0"`
	DeleteTimeout     time.Duration `mapstructure:"delete_timeout" validate:"gt=0"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gte=0"`
}

type ReconcilerConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
}

type MigrationConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr" validate:"required,hostname_port"`
}

var validate = validator.New()

// Load reads the configuration from cfgFile, or from cockpit.yaml in the
// usual places when cfgFile is empty, then applies COCKPIT_* environment
// overrides. A missing file is not an error.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("cockpit")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.cockpit")
		v.AddConfigPath("/etc/cockpit")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	fleetDefaults := fleet.DefaultSwarmConfig()

	v.SetDefault("store.path", "./cockpit-data")

	v.SetDefault("security.shared_secret", "")
	v.SetDefault("security.admin_username", "admin")
	v.SetDefault("security.admin_password", "")

	v.SetDefault("fleet.docker_binary", fleetDefaults.Binary)
	v.SetDefault("fleet.orthanc_image", fleetDefaults.Image)
	v.SetDefault("fleet.stack_prefix", fleetDefaults.StackPrefix)
	v.SetDefault("fleet.volume_busy_retry", "1s")

	v.SetDefault("orthanc.probe_timeout", "3s")
	v.SetDefault("orthanc.delete_timeout", "5s")
	v.SetDefault("orthanc.requests_per_second", 0)

	v.SetDefault("reconciler.interval", "30s")
	v.SetDefault("migration.poll_interval", "1s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("metrics.addr", "127.0.0.1:9090")
}

// Logging returns the logger configuration
func (c *Config) Logging() log.Config {
	return log.Config{Level: log.ParseLevel(c.Log.Level), JSONOutput: c.Log.JSON}
}

// Swarm returns the fleet adapter configuration
func (c *Config) Swarm() fleet.SwarmConfig {
	sc := fleet.DefaultSwarmConfig()
	sc.Binary = c.Fleet.DockerBinary
	sc.Image = c.Fleet.OrthancImage
	if c.Fleet.StackPrefix != "" {
		sc.StackPrefix = c.Fleet.StackPrefix
	}
	return sc
}

// Lifecycle returns the node lifecycle configuration
func (c *Config) Lifecycle() lifecycle.Config {
	lc := lifecycle.DefaultConfig()
	lc.AdminUsername = c.Security.AdminUsername
	lc.AdminPassword = c.Security.AdminPassword
	lc.DataDir = c.Swarm().DataTarget
	lc.VolumeBusyRetry = c.Fleet.VolumeBusyRetry
	lc.HealthPollInterval = c.Migration.PollInterval
	return lc
}

// Limiter returns the rate limiter for Orthanc REST calls, or nil when
// calls are not limited
func (c *Config) Limiter() *rate.Limiter {
	if c.Orthanc.RequestsPerSecond <= 0 {
		return nil
	}
	burst := int(c.Orthanc.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.Orthanc.RequestsPerSecond), burst)
}
