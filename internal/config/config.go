package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`

	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`

	// Inference is the agent sidecar that hosts the expensive, stateful
	// AI workers the orchestrator pools per tenant.
	Inference struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"inference"`

	Auth struct {
		Issuer   string `mapstructure:"issuer"`
		ClientID string `mapstructure:"client_id"`
	} `mapstructure:"auth"`

	Pool struct {
		IdleTTL       time.Duration `mapstructure:"idle_ttl"`
		EvictInterval time.Duration `mapstructure:"evict_interval"`
	} `mapstructure:"pool"`

	Engine struct {
		WorkerRetryBackoff time.Duration `mapstructure:"worker_retry_backoff"`
	} `mapstructure:"engine"`
}

// LoadConfig loads the configuration from a file and the environment.
// If path is non-empty it names an explicit config file to read.
func LoadConfig(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}
	viper.AutomaticEnv()

	viper.SetDefault("environment", "DEV")
	viper.SetDefault("db.sslmode", "disable")
	viper.SetDefault("pool.idle_ttl", 30*time.Minute)
	viper.SetDefault("pool.evict_interval", time.Minute)
	viper.SetDefault("engine.worker_retry_backoff", 2*time.Second)

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
