// Package config loads cmd/ftpd's on-disk configuration: environment
// variables (FTPD_*) override a YAML file, which overrides built-in
// defaults. Environment variables apply only to keys the file sets and are
// not read at all when no file is found; no CLI flag is bound here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the ftpd daemon.
type Config struct {
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	TLS          TLSConfig          `mapstructure:"tls" yaml:"tls"`
	Passive      PassiveConfig      `mapstructure:"passive" yaml:"passive"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry" yaml:"telemetry"`
	Metrics      MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
	FailedLogins FailedLoginsConfig `mapstructure:"failed_logins" yaml:"failed_logins"`
	Auth         AuthConfig         `mapstructure:"auth" yaml:"auth"`
	Storage      StorageConfig      `mapstructure:"storage" yaml:"storage"`
}

// ServerConfig controls the control-channel listener and session policy.
type ServerConfig struct {
	Addr                string        `mapstructure:"addr" validate:"required" yaml:"addr"`
	Greeting            string        `mapstructure:"greeting" yaml:"greeting"`
	Mode                string        `mapstructure:"mode" validate:"required,oneof=per-connection pooled proxy" yaml:"mode"`
	ActivePassiveMode   string        `mapstructure:"active_passive_mode" validate:"required,oneof=both active-only passive-only" yaml:"active_passive_mode"`
	SiteMD5             string        `mapstructure:"site_md5" validate:"required,oneof=disabled accounts all-users" yaml:"site_md5"`
	DialTimeout         time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	StrictLineEndings   bool          `mapstructure:"strict_line_endings" yaml:"strict_line_endings"`
	UseProxyProtocol    bool          `mapstructure:"use_proxy_protocol" yaml:"use_proxy_protocol"`
	ExternalControlPort int           `mapstructure:"external_control_port" yaml:"external_control_port"`
}

// TLSConfig controls FTPS. An empty CertFile disables TLS entirely.
type TLSConfig struct {
	CertFile            string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile             string `mapstructure:"key_file" yaml:"key_file"`
	RequireControl      bool   `mapstructure:"require_control" yaml:"require_control"`
	RequireData         string `mapstructure:"require_data" validate:"omitempty,oneof=none all accept-anonymous" yaml:"require_data"`
}

// PassiveConfig controls the PASV port range and retry policy.
type PassiveConfig struct {
	PortLow  int `mapstructure:"port_low" validate:"omitempty,min=1,max=65535" yaml:"port_low"`
	PortHigh int `mapstructure:"port_high" validate:"omitempty,min=1,max=65535" yaml:"port_high"`
	Retries  int `mapstructure:"retries" validate:"omitempty,min=1" yaml:"retries"`
	// AdvertiseHost, if set, is advertised verbatim in PASV 227 replies
	// instead of the control connection's local address.
	AdvertiseHost string `mapstructure:"advertise_host" yaml:"advertise_host,omitempty"`
}

// LoggingConfig controls logging behavior (see internal/logging.Config).
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry tracing export.
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure   bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`
}

// MetricsConfig controls the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// FailedLoginsConfig controls the failed-login lockout cache.
type FailedLoginsConfig struct {
	Threshold   int           `mapstructure:"threshold" validate:"omitempty,min=1" yaml:"threshold"`
	Window      time.Duration `mapstructure:"window" yaml:"window"`
	LockoutTime time.Duration `mapstructure:"lockout_time" yaml:"lockout_time"`
}

// AuthConfig selects and configures an authenticator backend.
type AuthConfig struct {
	// Driver selects the backend: "jsonfile" or "rest".
	Driver string `mapstructure:"driver" validate:"required,oneof=jsonfile rest" yaml:"driver"`

	JSONFile JSONFileAuthConfig `mapstructure:"jsonfile" yaml:"jsonfile,omitempty"`
	REST     RESTAuthConfig     `mapstructure:"rest" yaml:"rest,omitempty"`
}

// JSONFileAuthConfig configures the bcrypt-hashed JSON user file backend.
type JSONFileAuthConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// RESTAuthConfig configures the JWT-backed REST authenticator.
type RESTAuthConfig struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	Signing  string `mapstructure:"signing_key" yaml:"signing_key,omitempty"`
}

// StorageConfig selects and configures a storage.Backend implementation.
type StorageConfig struct {
	// Driver selects the backend: "memory" or "afero".
	Driver string `mapstructure:"driver" validate:"required,oneof=memory afero" yaml:"driver"`
	Root   string `mapstructure:"root" yaml:"root,omitempty"`
}

// Load reads configuration from configPath (or the default search path when
// empty) over the built-in defaults, applies FTPD_* environment overrides to
// the keys the file sets, and validates the result. When no file is found it
// returns the validated defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if !found {
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("config: validate defaults: %w", err)
		}
		return cfg, nil
	}

	if err := v.Unmarshal(cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration used when no file is found.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":2121",
			Greeting:          "Welcome",
			Mode:              "per-connection",
			ActivePassiveMode: "both",
			SiteMD5:           "disabled",
			DialTimeout:       30 * time.Second,
			IdleTimeout:       600 * time.Second,
		},
		Passive: PassiveConfig{
			PortLow:  40000,
			PortHigh: 40999,
			Retries:  10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Port: 9090,
		},
		FailedLogins: FailedLoginsConfig{
			Threshold:   5,
			Window:      10 * time.Minute,
			LockoutTime: 15 * time.Minute,
		},
		Auth: AuthConfig{
			Driver: "jsonfile",
			JSONFile: JSONFileAuthConfig{
				Path: "users.json",
			},
		},
		Storage: StorageConfig{
			Driver: "memory",
		},
	}
}

// Validate runs struct-tag validation over cfg.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// Save writes cfg to path as YAML.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("FTPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(".")
	v.SetConfigName("ftpd")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read file: %w", err)
	}
	return true, nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}
