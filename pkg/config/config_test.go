package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callbridge-backend/pkg/constants"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			Environment: "development",
			ServiceName: "signaling-service",
		},
		Registry: RegistryConfig{
			HeartbeatTTL:  constants.HeartbeatTTL,
			SweepInterval: constants.SweepInterval,
		},
		Call: CallConfig{
			RingTimeout: constants.DefaultRingTimeout,
		},
	}
}

func TestValidate_Defaults(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_ProductionRequiresJWTSecret(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Environment = "production"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")

	cfg.JWT.Secret = "short"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 characters")

	cfg.JWT.Secret = strings.Repeat("a", 32)
	require.NoError(t, cfg.Validate())
}

func TestValidate_HeartbeatTTLMustExceedSweepInterval(t *testing.T) {
	cfg := validConfig()
	cfg.Registry.HeartbeatTTL = 10 * time.Second
	cfg.Registry.SweepInterval = 10 * time.Second

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REGISTRY_SWEEP_INTERVAL")
}

func TestValidate_HeartbeatTTLMustExceedPingInterval(t *testing.T) {
	cfg := validConfig()
	cfg.Registry.SweepInterval = time.Second
	cfg.Registry.HeartbeatTTL = constants.WebSocketPingInterval

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping interval")

	cfg.Registry.HeartbeatTTL = constants.WebSocketPingInterval + time.Second
	require.NoError(t, cfg.Validate())
}

func TestValidate_RingTimeoutMustBePositive(t *testing.T) {
	cfg := validConfig()
	cfg.Call.RingTimeout = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CALL_RING_TIMEOUT")
}
