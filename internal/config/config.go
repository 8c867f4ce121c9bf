// Package config loads service configuration from defaults, an optional
// config file (JSON or YAML) and ATTENUATOR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/banshee-data/attenuator/internal/monitoring"
	"github.com/banshee-data/attenuator/internal/serialport"
)

// EnvPrefix prefixes every environment override, e.g.
// ATTENUATOR_SERVER_PORT=9000.
const EnvPrefix = "ATTENUATOR"

// Config is the root service configuration.
type Config struct {
	Server    ServerConfig         `mapstructure:"server"`
	Logging   monitoring.LogConfig `mapstructure:"logging"`
	Serial    SerialConfig         `mapstructure:"serial"`
	Frequency FrequencyConfig      `mapstructure:"frequency"`
	Database  DatabaseConfig       `mapstructure:"database"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SerialConfig holds port discovery and link settings.
type SerialConfig struct {
	PortPattern     string                 `mapstructure:"port_pattern"`
	Options         serialport.PortOptions `mapstructure:",squash"`
	ResponseTimeout time.Duration          `mapstructure:"response_timeout"`
	IdentifyCommand string                 `mapstructure:"identify_command"`
	IdentifyFromUSB bool                   `mapstructure:"identify_from_usb"`
	AutoConnect     bool                   `mapstructure:"auto_connect"`
}

// FrequencyConfig holds compensation settings.
type FrequencyConfig struct {
	// JSONFile is the global compensation table. Empty or missing uses the
	// built-in table.
	JSONFile string `mapstructure:"json_file"`
	// CompensationDir holds per-device tables named by port index.
	CompensationDir string  `mapstructure:"compensation_dir"`
	Default         float64 `mapstructure:"default"`
	// MappingFile is a legacy serial -> file mapping imported into the
	// bindings database at startup.
	MappingFile string `mapstructure:"mapping_file"`
	// ReloadInterval is how often compensation files are checked for
	// changes. Zero disables reloading.
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
}

// DatabaseConfig holds the bindings database location.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", "attenuator_control.log")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)

	v.SetDefault("serial.port_pattern", "ACM")
	v.SetDefault("serial.baud_rate", serialport.DefaultBaudRate)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "N")
	v.SetDefault("serial.response_timeout", 2*time.Second)
	v.SetDefault("serial.identify_command", "*IDN?")
	v.SetDefault("serial.identify_from_usb", false)
	v.SetDefault("serial.auto_connect", false)

	v.SetDefault("frequency.json_file", "1.json")
	v.SetDefault("frequency.compensation_dir", "compensation_files")
	v.SetDefault("frequency.default", 1000.0)
	v.SetDefault("frequency.mapping_file", "device_serial_mapping.json")
	v.SetDefault("frequency.reload_interval", 2*time.Second)

	v.SetDefault("database.path", "attenuator.db")
}

// Load reads configuration. When path is empty, config.{json,yaml,yml} in the
// working directory is used if present.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// Environment variables override file values.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must be non-negative, got %f", c.Server.RateLimit)
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		return fmt.Errorf("server.rate_burst must be at least 1 when rate limiting, got %d", c.Server.RateBurst)
	}
	if _, err := c.Serial.Options.Normalise(); err != nil {
		return fmt.Errorf("serial: %w", err)
	}
	if c.Serial.ResponseTimeout <= 0 {
		return fmt.Errorf("serial.response_timeout must be positive, got %s", c.Serial.ResponseTimeout)
	}
	if f := c.Frequency.Default; math.IsNaN(f) || f < 0 {
		return fmt.Errorf("frequency.default must be non-negative, got %f", f)
	}
	if c.Frequency.ReloadInterval < 0 {
		return fmt.Errorf("frequency.reload_interval must be non-negative, got %s", c.Frequency.ReloadInterval)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	return nil
}

// ListenAddr returns host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}
