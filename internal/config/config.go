package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// LedgerConfig carries business knobs for the wallet ledger.
// CommissionRate is the platform cut on booking settlements, e.g. "0.15".
type LedgerConfig struct {
	CommissionRate string `yaml:"commission_rate"`
}

// ReconcilerConfig drives the periodic consistency sweep.
type ReconcilerConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	BatchSize       int `yaml:"batch_size"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	return &cfg, nil
}
