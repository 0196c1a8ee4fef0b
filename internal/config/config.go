// Package config loads engine settings from defaults, an optional TOML or
// YAML file, a .env file and the process environment, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Database DatabaseConfig `toml:"database" yaml:"database"`
	Bitcoin  BitcoinConfig  `toml:"bitcoin" yaml:"bitcoin"`
	Kafka    KafkaConfig    `toml:"kafka" yaml:"kafka"`
	Analysis AnalysisConfig `toml:"analysis" yaml:"analysis"`
	Log      LogConfig      `toml:"log" yaml:"log"`
}

type ServerConfig struct {
	Port           string   `toml:"port" yaml:"port" validate:"required,numeric"`
	AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins"`
	AuthToken      string   `toml:"auth_token" yaml:"auth_token"`
	RatePerSecond  float64  `toml:"rate_per_second" yaml:"rate_per_second" validate:"gt=0"`
	RateBurst      int      `toml:"rate_burst" yaml:"rate_burst" validate:"gte=1"`
	MaxSessions    int      `toml:"max_sessions" yaml:"max_sessions" validate:"gte=1"`
}

type DatabaseConfig struct {
	URL string `toml:"url" yaml:"url"`
}

type BitcoinConfig struct {
	Host    string `toml:"host" yaml:"host"`
	User    string `toml:"user" yaml:"user"`
	Pass    string `toml:"pass" yaml:"pass"`
	Network string `toml:"network" yaml:"network" validate:"oneof=mainnet testnet testnet3 signet regtest"`
}

type KafkaConfig struct {
	Brokers string `toml:"brokers" yaml:"brokers"`
	Topic   string `toml:"topic" yaml:"topic" validate:"required_with=Brokers"`
}

type AnalysisConfig struct {
	Workers              int   `toml:"workers" yaml:"workers" validate:"gte=1,lte=256"`
	CentralitySampleSize int   `toml:"centrality_sample_size" yaml:"centrality_sample_size" validate:"gte=1"`
	CentralitySeed       int64 `toml:"centrality_seed" yaml:"centrality_seed"`
}

type LogConfig struct {
	Level string `toml:"level" yaml:"level" validate:"oneof=debug info warn error"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "5339",
			AllowedOrigins: []string{"http://localhost:3000"},
			RatePerSecond:  5,
			RateBurst:      20,
			MaxSessions:    64,
		},
		Bitcoin: BitcoinConfig{
			Host:    "localhost:8332",
			Network: "mainnet",
		},
		Analysis: AnalysisConfig{
			Workers:              8,
			CentralitySampleSize: 100,
			CentralitySeed:       42,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds the configuration. path may be empty; envFiles default to
// ".env" in the working directory and are optional.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	// a missing .env is normal outside local development
	_ = godotenv.Load(envFiles...)

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return nil
}

// ApplyEnvOverrides applies the deployment environment variables
func (c *Config) ApplyEnvOverrides() error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("PORT", &c.Server.Port)
	setString("API_AUTH_TOKEN", &c.Server.AuthToken)
	setString("DATABASE_URL", &c.Database.URL)
	setString("BTC_RPC_HOST", &c.Bitcoin.Host)
	setString("BTC_RPC_USER", &c.Bitcoin.User)
	setString("BTC_RPC_PASS", &c.Bitcoin.Pass)
	setString("BTC_NETWORK", &c.Bitcoin.Network)
	setString("KAFKA_BROKERS", &c.Kafka.Brokers)
	setString("KAFKA_TOPIC", &c.Kafka.Topic)
	setString("LOG_LEVEL", &c.Log.Level)

	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = c.Server.AllowedOrigins[:0]
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.Server.AllowedOrigins = append(c.Server.AllowedOrigins, o)
			}
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CENTRALITY_SAMPLE_SIZE", &c.Analysis.CentralitySampleSize},
		{"ANALYSIS_WORKERS", &c.Analysis.Workers},
	}
	for _, it := range ints {
		if v := os.Getenv(it.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", it.key, err)
			}
			*it.dst = n
		}
	}
	if v := os.Getenv("CENTRALITY_SEED"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CENTRALITY_SEED: %w", err)
		}
		c.Analysis.CentralitySeed = n
	}
	return nil
}

func (c *Config) Validate() error {
	return validator.New().Struct(c)
}
