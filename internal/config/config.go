// Package config loads the dashboard configuration from a YAML file layered
// over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tphummel/building_energy/internal/building"
	"github.com/tphummel/building_energy/internal/models"
)

// ErrInvalidConfig is returned when a loaded configuration fails validation.
var ErrInvalidConfig = errors.New("config: invalid")

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Building   BuildingConfig   `yaml:"building"`
	Rates      models.Rates     `yaml:"rates"`
	Generation GenerationConfig `yaml:"generation"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Notify     NotifyConfig     `yaml:"notify"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port              string        `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains the audit log SQLite settings. The default
// ":memory:" keeps the log for the lifetime of the process only.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BuildingConfig describes the monitored building.
type BuildingConfig struct {
	Name   string             `yaml:"name"`
	Floors building.Structure `yaml:"floors"`
}

// GenerationConfig controls synthetic data generation. A nil Seed seeds
// every session randomly.
type GenerationConfig struct {
	Seed *uint64 `yaml:"seed"`
}

// SessionsConfig controls dashboard session lifetime.
type SessionsConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// NotifyConfig selects where operator actions are published.
type NotifyConfig struct {
	Backend string      `yaml:"backend"`
	MQTT    MQTTConfig  `yaml:"mqtt"`
	Kafka   KafkaConfig `yaml:"kafka"`
}

// MQTTConfig contains MQTT broker settings.
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// KafkaConfig contains Kafka producer settings.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:              "8080",
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Database: DatabaseConfig{Path: ":memory:"},
		Building: BuildingConfig{
			Name:   "FUB Building",
			Floors: building.Default(),
		},
		Rates: models.DefaultRates,
		Sessions: SessionsConfig{
			IdleTimeout:   30 * time.Minute,
			SweepInterval: time.Minute,
		},
		Notify: NotifyConfig{
			Backend: "none",
			MQTT: MQTTConfig{
				Broker:         "tcp://localhost:1883",
				ClientID:       "building-energy",
				TopicPrefix:    "building",
				QoS:            1,
				ConnectTimeout: 10 * time.Second,
			},
			Kafka: KafkaConfig{
				Brokers:      []string{"localhost:9092"},
				Topic:        "building.device-events",
				WriteTimeout: 10 * time.Second,
			},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the YAML file at path over Default and validates the result.
// An empty path returns the validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration can start the service.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port == "" {
		errs = append(errs, "server.port is required")
	}
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if err := c.Building.Floors.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Rates.TariffPerKWh < 0 {
		errs = append(errs, "rates.tariff_per_kwh must not be negative")
	}
	if c.Rates.CarbonGPerKWh < 0 {
		errs = append(errs, "rates.carbon_g_per_kwh must not be negative")
	}
	if c.Rates.NominalVoltage <= 0 {
		errs = append(errs, "rates.nominal_voltage must be positive")
	}
	if c.Sessions.IdleTimeout <= 0 {
		errs = append(errs, "sessions.idle_timeout must be positive")
	}
	if c.Sessions.SweepInterval <= 0 {
		errs = append(errs, "sessions.sweep_interval must be positive")
	}

	switch c.Notify.Backend {
	case "", "none":
	case "mqtt":
		if c.Notify.MQTT.Broker == "" {
			errs = append(errs, "notify.mqtt.broker is required")
		}
		if c.Notify.MQTT.QoS > 2 {
			errs = append(errs, "notify.mqtt.qos must be 0, 1 or 2")
		}
	case "kafka":
		if len(c.Notify.Kafka.Brokers) == 0 {
			errs = append(errs, "notify.kafka.brokers is required")
		}
		if c.Notify.Kafka.Topic == "" {
			errs = append(errs, "notify.kafka.topic is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("notify.backend %q is not one of none, mqtt, kafka", c.Notify.Backend))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}
