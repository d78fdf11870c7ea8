package config

import (
	"fmt"
	"time"

	"callbridge-backend/pkg/constants"
	"callbridge-backend/pkg/env"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Registry RegistryConfig
	Call     CallConfig
	Push     PushConfig
	Log      LogConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Environment    string // development, staging, production
	ServiceName    string
	AllowedOrigins []string
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration
}

// RegistryConfig holds session registry tunables
type RegistryConfig struct {
	HeartbeatTTL  time.Duration
	SweepInterval time.Duration
	SingleDevice  bool // one live endpoint per user when true
}

// CallConfig holds call lifecycle tunables
type CallConfig struct {
	RingTimeout time.Duration
}

// PushConfig holds mobile push provider configuration
type PushConfig struct {
	Enabled             bool
	FCMCredentialsFile  string
	APNsKeyFile         string
	APNsKeyID           string
	APNsTeamID          string
	APNsTopic           string
	APNsProduction      bool
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           env.GetInt("PORT", 8080),
			Environment:    env.GetString("ENV", "development"),
			ServiceName:    env.GetString("SERVICE_NAME", "signaling-service"),
			AllowedOrigins: env.GetStringSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "callbridge"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		JWT: JWTConfig{
			Secret:            env.GetStringFromFile("JWT_SECRET", ""),
			AccessTokenExpiry: env.GetDuration("JWT_ACCESS_EXPIRY", constants.AccessTokenExpiry),
		},
		Registry: RegistryConfig{
			HeartbeatTTL:  env.GetDuration("REGISTRY_HEARTBEAT_TTL", constants.HeartbeatTTL),
			SweepInterval: env.GetDuration("REGISTRY_SWEEP_INTERVAL", constants.SweepInterval),
			SingleDevice:  env.GetBool("REGISTRY_SINGLE_DEVICE", false),
		},
		Call: CallConfig{
			RingTimeout: env.GetDuration("CALL_RING_TIMEOUT", constants.DefaultRingTimeout),
		},
		Push: PushConfig{
			Enabled:            env.GetBool("PUSH_ENABLED", false),
			FCMCredentialsFile: env.GetString("FCM_CREDENTIALS_FILE", ""),
			APNsKeyFile:        env.GetString("APNS_KEY_FILE", ""),
			APNsKeyID:          env.GetString("APNS_KEY_ID", ""),
			APNsTeamID:         env.GetString("APNS_TEAM_ID", ""),
			APNsTopic:          env.GetString("APNS_TOPIC", ""),
			APNsProduction:     env.GetBool("APNS_PRODUCTION", false),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/app.log"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
	}

	if c.Registry.HeartbeatTTL <= c.Registry.SweepInterval {
		return fmt.Errorf("REGISTRY_HEARTBEAT_TTL (%s) must exceed REGISTRY_SWEEP_INTERVAL (%s)",
			c.Registry.HeartbeatTTL, c.Registry.SweepInterval)
	}

	// WebSocket pongs refresh endpoint liveness, so the TTL must outlast
	// the ping cadence or connected clients get swept
	if c.Registry.HeartbeatTTL <= constants.WebSocketPingInterval {
		return fmt.Errorf("REGISTRY_HEARTBEAT_TTL (%s) must exceed the WebSocket ping interval (%s)",
			c.Registry.HeartbeatTTL, constants.WebSocketPingInterval)
	}

	if c.Call.RingTimeout <= 0 {
		return fmt.Errorf("CALL_RING_TIMEOUT must be positive")
	}

	return nil
}
