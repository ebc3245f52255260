package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the process-level settings, read from .env or the environment
type Config struct {
	Port           string        `mapstructure:"PORT"`
	RedisAddr      string        `mapstructure:"REDIS_ADDR"`
	RedisPassword  string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB        int           `mapstructure:"REDIS_DB"`
	SourcesFile    string        `mapstructure:"SOURCES_FILE"`
	DrainInterval  time.Duration `mapstructure:"DRAIN_INTERVAL"`
	DrainBatch     int           `mapstructure:"DRAIN_BATCH"`
	HandlerTimeout time.Duration `mapstructure:"HANDLER_TIMEOUT"`
	CompletedTTL   time.Duration `mapstructure:"COMPLETED_TTL"`
}

func GetConfig() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("toml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	viper.SetDefault("PORT", "8080")
	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("REDIS_PASSWORD", "")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("SOURCES_FILE", "sources.yaml")
	viper.SetDefault("DRAIN_INTERVAL", "2s")
	viper.SetDefault("DRAIN_BATCH", 100)
	viper.SetDefault("HANDLER_TIMEOUT", "10s")
	viper.SetDefault("COMPLETED_TTL", "1h")

	// A missing .env file is fine, the defaults and environment cover it
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("parsing config data: %w", err)
	}
	return &config, nil
}
