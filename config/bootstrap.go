package config

import (
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nbtaylor/polifence/policy"
)

// Bootstrap is the host/default config surface of spec.md §6's "Config
// struct options": knobs read once at startup, before policy.Init is
// called, and kept deliberately separate from the JSON insert protocol
// (Document/Loader) above. Grounded on gocryptotrader's use of
// github.com/spf13/viper for layered config loading; LoadBootstrap reads a
// config file and the environment, not command-line flags.
type Bootstrap struct {
	RoutePrivateDataSize      int
	RoutePrivateDataAlignment int
	MaxConnectionCount        int
	LogLevel                  string
}

// defaultBootstrap mirrors the zero-value behavior of a NULL HPI / absent
// eventconfig in the C original: no private-data blob, no connection-count
// ceiling, info-level logging.
func defaultBootstrap() Bootstrap {
	return Bootstrap{
		RoutePrivateDataSize:      0,
		RoutePrivateDataAlignment: 8,
		MaxConnectionCount:        0,
		LogLevel:                  "info",
	}
}

// LoadBootstrap reads a Bootstrap from the package's defaults, an optional
// config file (configPath, ignored if empty), and the POLIFENCE_*
// environment, in ascending precedence, using viper's layered resolution.
func LoadBootstrap(configPath string) (Bootstrap, error) {
	v := viper.New()
	defaults := defaultBootstrap()
	v.SetDefault("route_private_data_size", defaults.RoutePrivateDataSize)
	v.SetDefault("route_private_data_alignment", defaults.RoutePrivateDataAlignment)
	v.SetDefault("max_connection_count", defaults.MaxConnectionCount)
	v.SetDefault("log_level", defaults.LogLevel)

	v.SetEnvPrefix("POLIFENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Bootstrap{}, err
		}
	}

	return Bootstrap{
		RoutePrivateDataSize:      v.GetInt("route_private_data_size"),
		RoutePrivateDataAlignment: v.GetInt("route_private_data_alignment"),
		MaxConnectionCount:        v.GetInt("max_connection_count"),
		LogLevel:                  v.GetString("log_level"),
	}, nil
}

// EventConfig converts b into the policy.EventConfig policy.Init expects.
func (b Bootstrap) EventConfig() policy.EventConfig {
	return policy.EventConfig{
		RoutePrivateDataSize:      b.RoutePrivateDataSize,
		RoutePrivateDataAlignment: b.RoutePrivateDataAlignment,
		MaxConnectionCount:        b.MaxConnectionCount,
	}
}

// Logger builds a zap.SugaredLogger at b.LogLevel, falling back to info on
// an unrecognized level.
func (b Bootstrap) Logger() (*zap.SugaredLogger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(b.LogLevel)); err != nil {
		level = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
