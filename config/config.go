// Package config loads parazap configuration from a YAML file and PARAZAP_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/hlandau/parazap/handler/static"
	"github.com/hlandau/parazap/internal/logger"
)

// Config is the configuration of both the gated server and the example
// authenticator.
type Config struct {
	Logging logger.Config `mapstructure:"logging" yaml:"logging"`

	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	ZAP ZAPConfig `mapstructure:"zap" yaml:"zap"`

	Server ServerConfig `mapstructure:"server" yaml:"server"`

	Authenticator AuthenticatorConfig `mapstructure:"authenticator" yaml:"authenticator"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Address of the /metrics HTTP listener.
	Listen string `mapstructure:"listen" validate:"omitempty,hostname_port" yaml:"listen"`
}

// ZAPConfig controls how a gated server reaches its authenticator.
type ZAPConfig struct {
	// Domain put in requests for connections that have none.
	Domain string `mapstructure:"domain" yaml:"domain"`

	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0" yaml:"timeout"`

	// "inproc" runs the static policy in-process; "zmtp" connects to an
	// authenticator at Endpoint.
	Transport string `mapstructure:"transport" validate:"required,oneof=inproc zmtp" yaml:"transport"`

	Endpoint string `mapstructure:"endpoint" validate:"omitempty,startswith=tcp://" yaml:"endpoint"`

	// Capacity of the event channel; events beyond it are dropped.
	MonitorBuffer int `mapstructure:"monitor_buffer" validate:"gte=0" yaml:"monitor_buffer"`
}

// ServerConfig is the gated ZMTP endpoint run by "parazap serve".
type ServerConfig struct {
	Listen string `mapstructure:"listen" validate:"required,startswith=tcp://" yaml:"listen"`

	Mechanism string `mapstructure:"mechanism" validate:"required,oneof=NULL PLAIN CURVE" yaml:"mechanism"`

	SocketType string `mapstructure:"socket_type" validate:"required,oneof=REQ REP DEALER ROUTER PUB XPUB SUB XSUB PUSH PULL PAIR" yaml:"socket_type"`

	// 64 hex digits; required for CURVE.
	CurveSecretKey string `mapstructure:"curve_secret_key" validate:"omitempty,hexadecimal,len=64" yaml:"curve_secret_key,omitempty"`

	// Largest frame accepted from a peer, in bytes.
	MaxFrameSize uint64 `mapstructure:"max_frame_size" validate:"gt=0" yaml:"max_frame_size"`
}

// AuthenticatorConfig is the example authenticator run by
// "parazap authenticator", and the in-process policy of "parazap serve".
type AuthenticatorConfig struct {
	Listen string `mapstructure:"listen" validate:"required,startswith=tcp://" yaml:"listen"`

	// Largest frame accepted from a ZAP client, in bytes.
	MaxFrameSize uint64 `mapstructure:"max_frame_size" validate:"gt=0" yaml:"max_frame_size"`

	Domain string `mapstructure:"domain" yaml:"domain"`

	AllowNULL bool `mapstructure:"allow_null" yaml:"allow_null"`

	// Username to bcrypt hash; see static.Config.
	Users map[string]string `mapstructure:"users" validate:"dive,required" yaml:"users,omitempty"`

	// Hex CURVE public key to user id.
	CurveKeys map[string]string `mapstructure:"curve_keys" validate:"dive,keys,hexadecimal,len=64,endkeys,required" yaml:"curve_keys,omitempty"`
}

// Policy returns the static policy configuration.
func (c AuthenticatorConfig) Policy() static.Config {
	return static.Config{
		Domain:    c.Domain,
		AllowNULL: c.AllowNULL,
		Users:     c.Users,
		CurveKeys: c.CurveKeys,
	}
}

// Load reads configuration from configPath, or from the default location
// when configPath is empty, then applies environment overrides, defaults and
// validation. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks struct constraints and the settings that depend on each
// other.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return errors.New("metrics.listen is required when metrics are enabled")
	}

	if cfg.ZAP.Transport == "zmtp" && cfg.ZAP.Endpoint == "" {
		return errors.New("zap.endpoint is required for the zmtp transport")
	}

	if cfg.Server.Mechanism == "CURVE" && cfg.Server.CurveSecretKey == "" {
		return errors.New("server.curve_secret_key is required for CURVE")
	}

	return nil
}

// SaveConfig writes cfg as YAML. The file may hold password hashes, so it is
// only readable by its owner.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	// PARAZAP_ZAP_TIMEOUT=5s overrides zap.timeout.
	v.SetEnvPrefix("PARAZAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v, reflect.TypeOf(Config{}), "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(GetConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// AutomaticEnv only consults keys viper already knows, so every leaf key is
// bound up front for environment overrides to work without a file.
func bindEnv(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		key := f.Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}

		if f.Type.Kind() == reflect.Struct {
			bindEnv(v, f.Type, key)
			continue
		}
		v.BindEnv(key)
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// Accepts "30s"-style strings as well as raw nanosecond counts, which YAML
// may hand over as float64.
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

// GetConfigDir returns $XDG_CONFIG_HOME/parazap, falling back to
// ~/.config/parazap and then the current directory.
func GetConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "parazap")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "parazap")
}

// GetDefaultConfigPath returns the file Load reads when given no path.
func GetDefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.yaml")
}
