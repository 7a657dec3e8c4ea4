package config

import (
	"strings"

	"github.com/hlandau/parazap"
	"github.com/hlandau/parazap/gate"
	"github.com/hlandau/parazap/internal/logger"
)

// ApplyDefaults fills in zero-valued fields. Explicit values are kept.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics)
	applyZAPDefaults(&cfg.ZAP)
	applyServerDefaults(&cfg.Server)
	applyAuthenticatorDefaults(&cfg.Authenticator)
}

func applyLoggingDefaults(cfg *logger.Config) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:9090"
	}
}

func applyZAPDefaults(cfg *ZAPConfig) {
	if cfg.Timeout == 0 {
		cfg.Timeout = gate.DefaultTimeout
	}
	if cfg.Transport == "" {
		cfg.Transport = "inproc"
	}
	if cfg.MonitorBuffer == 0 {
		cfg.MonitorBuffer = 256
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Listen == "" {
		cfg.Listen = "tcp://*:5555"
	}
	if cfg.Mechanism == "" {
		cfg.Mechanism = "NULL"
	}
	cfg.Mechanism = strings.ToUpper(cfg.Mechanism)

	if cfg.SocketType == "" {
		cfg.SocketType = "REP"
	}
	cfg.SocketType = strings.ToUpper(cfg.SocketType)

	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = parazap.DefaultMaxRead
	}
}

func applyAuthenticatorDefaults(cfg *AuthenticatorConfig) {
	if cfg.Listen == "" {
		cfg.Listen = "tcp://127.0.0.1:5599"
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = parazap.DefaultMaxRead
	}
}

// GetDefaultConfig returns a configuration with every default applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
