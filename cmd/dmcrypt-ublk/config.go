package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config holds the subset of a mapping's construction parameters that can
// come from a YAML file instead of command-line flags, letting a table
// line and its backing devices be checked into a deployment repo rather
// than typed out on every invocation.
type Config struct {
	TableLine      string `mapstructure:"table_line"`
	Underlying     string `mapstructure:"underlying"`
	UnderlyingSize int64  `mapstructure:"underlying_size"`
	Metadata       string `mapstructure:"metadata"`
	MetadataSize   int64  `mapstructure:"metadata_size"`
}

// LoadConfig reads path (if non-empty) as a YAML config via viper,
// falling back to an empty Config (every field overridable by flags) when
// path is empty or the file does not exist.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault("underlying_size", int64(0))
	v.SetDefault("metadata_size", int64(0))
	v.SetEnvPrefix("DMCRYPT_UBLK")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
