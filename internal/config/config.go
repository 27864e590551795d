// Package config defines simulator configuration loaded from YAML and env.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libconfig "voltfleet/libs/config"
)

// HTTPConfig holds a listen port.
type HTTPConfig struct {
	Port string `yaml:"port"`
}

// FleetConfig controls the simulated stations.
type FleetConfig struct {
	InitialCount   int     `yaml:"initialCount" env:"VOLTFLEET_FLEET_INITIAL_COUNT"`
	DefaultProfile string  `yaml:"defaultProfile" env:"VOLTFLEET_FLEET_DEFAULT_PROFILE"`
	StationPrefix  string  `yaml:"stationPrefix" env:"VOLTFLEET_FLEET_STATION_PREFIX"`
	VoltageV       float64 `yaml:"voltageV" env:"VOLTFLEET_FLEET_VOLTAGE"`
	InitialPrice   float64 `yaml:"initialPrice" env:"VOLTFLEET_FLEET_INITIAL_PRICE"`
}

// CSMSConfig controls the central system side.
type CSMSConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval" env:"VOLTFLEET_CSMS_HEARTBEAT_INTERVAL"`
	CallTimeout       time.Duration `yaml:"callTimeout" env:"VOLTFLEET_CSMS_CALL_TIMEOUT"`
	AllowReplace      bool          `yaml:"allowReplace" env:"VOLTFLEET_CSMS_ALLOW_REPLACE"`
	BlockedIDTags     []string      `yaml:"blockedIdTags" env:"-"`
}

// AuthConfig secures the control API.
type AuthConfig struct {
	APIKey     string        `yaml:"apiKey" env:"VOLTFLEET_API_KEY"`
	APIKeyHash string        `yaml:"apiKeyHash" env:"VOLTFLEET_API_KEY_HASH"`
	JWTSecret  string        `yaml:"jwtSecret" env:"VOLTFLEET_JWT_SECRET"`
	TokenTTL   time.Duration `yaml:"tokenTTL" env:"VOLTFLEET_TOKEN_TTL"`
	RateLimit  int           `yaml:"rateLimit" env:"VOLTFLEET_RATE_LIMIT"`
}

// DatabaseConfig selects transaction persistence. Empty DSN keeps sessions
// in memory.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" env:"VOLTFLEET_POSTGRES_DSN"`
}

// RedisConfig enables the live state mirror. Empty addr disables it.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"VOLTFLEET_REDIS_ADDR"`
	Password string        `yaml:"password" env:"VOLTFLEET_REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"VOLTFLEET_REDIS_DB"`
	Interval time.Duration `yaml:"interval" env:"VOLTFLEET_REDIS_INTERVAL"`
	TTL      time.Duration `yaml:"ttl" env:"VOLTFLEET_REDIS_TTL"`
}

// MQTTConfig enables the price feed. Empty broker disables it.
type MQTTConfig struct {
	Broker   string `yaml:"broker" env:"VOLTFLEET_MQTT_BROKER"`
	ClientID string `yaml:"clientId" env:"VOLTFLEET_MQTT_CLIENT_ID"`
	Topic    string `yaml:"topic" env:"VOLTFLEET_MQTT_TOPIC"`
}

// Config is the full simulator configuration.
type Config struct {
	ControlHTTP  HTTPConfig     `yaml:"controlHttp" env:"VOLTFLEET_CONTROL"`
	OCPPHTTP     HTTPConfig     `yaml:"ocppHttp" env:"VOLTFLEET_OCPP"`
	Fleet        FleetConfig    `yaml:"fleet"`
	CSMS         CSMSConfig     `yaml:"csms"`
	Auth         AuthConfig     `yaml:"auth"`
	Database     DatabaseConfig `yaml:"database"`
	Redis        RedisConfig    `yaml:"redis"`
	MQTT         MQTTConfig     `yaml:"mqtt"`
	ScenarioFile string         `yaml:"scenarioFile" env:"VOLTFLEET_SCENARIO_FILE"`
	LogLevel     string         `yaml:"logLevel" env:"VOLTFLEET_LOG_LEVEL"`
}

// Load reads configuration via the shared helper and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		ControlHTTP: HTTPConfig{Port: "8080"},
		OCPPHTTP:    HTTPConfig{Port: "9000"},
		Fleet: FleetConfig{
			DefaultProfile: "default",
			VoltageV:       230,
			InitialPrice:   20,
		},
		Auth:     AuthConfig{TokenTTL: time.Hour},
		LogLevel: "info",
	}

	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.Auth.APIKey) == "" && strings.TrimSpace(cfg.Auth.APIKeyHash) == "" {
		return nil, errors.New("config: api key or api key hash required")
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return nil, errors.New("config: jwt secret required")
	}
	if cfg.Fleet.InitialCount < 0 {
		return nil, errors.New("config: fleet initial count must be >= 0")
	}
	if cfg.Fleet.InitialPrice <= 0 {
		return nil, errors.New("config: fleet initial price must be positive")
	}
	return cfg, nil
}

// ControlAddress returns the control API listen address in :port form.
func (c *Config) ControlAddress() string {
	return portAddress(c.ControlHTTP.Port, "8080")
}

// OCPPAddress returns the OCPP endpoint listen address in :port form.
func (c *Config) OCPPAddress() string {
	return portAddress(c.OCPPHTTP.Port, "9000")
}

// OCPPClientURL is the websocket base the simulated stations dial.
func (c *Config) OCPPClientURL() string {
	port := strings.TrimPrefix(portAddress(c.OCPPHTTP.Port, "9000"), ":")
	return fmt.Sprintf("ws://127.0.0.1:%s/ocpp", port)
}

func portAddress(port, fallback string) string {
	port = strings.TrimSpace(port)
	if port == "" {
		port = fallback
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}
