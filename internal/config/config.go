package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"chatsync/internal/constants"
	"chatsync/internal/models"
	"chatsync/internal/security"
)

var (
	ErrMissingDBPath    = models.ConfigError{Message: "missing database path"}
	ErrMissingJWTSecret = models.ConfigError{Message: "missing JWT secret (set CHATSYNC_JWT_SECRET)"}
	ErrMissingRelayURL  = models.ConfigError{Message: "missing relay URL"}
	ErrMissingQueuePath = models.ConfigError{Message: "missing queue path"}
	ErrBadPresence      = models.ConfigError{Message: "presence backend must be \"memory\" or \"redis\""}
	ErrMissingRedisAddr = models.ConfigError{Message: "redis presence backend requires redis_addr"}
)

// LoadConfig reads the JSON config file, applies environment overrides and
// fills defaults. Section-specific validation is left to ValidateRelay and
// ValidateClient.
func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvironmentOverrides(&config)
	applyDefaults(&config)

	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// ValidateRelay checks the sections the relay binary needs.
func ValidateRelay(c *models.Config) error {
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	if err := security.ValidateFilePath(c.Database.Path); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid database path: %v", err)}
	}
	if c.Auth.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	switch c.Presence.Backend {
	case "memory":
	case "redis":
		if c.Presence.RedisAddr == "" {
			return ErrMissingRedisAddr
		}
	default:
		return ErrBadPresence
	}
	return nil
}

// ValidateClient checks the sections the client binary needs.
func ValidateClient(c *models.Config) error {
	if c.Client.RelayURL == "" {
		return ErrMissingRelayURL
	}
	if c.Client.QueuePath == "" {
		return ErrMissingQueuePath
	}
	if err := security.ValidateFilePath(c.Client.QueuePath); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid queue path: %v", err)}
	}
	return nil
}

func applyDefaults(c *models.Config) {
	setDefault(&c.Server.Port, constants.DefaultServerPort)
	setDefault(&c.Server.ReadTimeoutSec, constants.DefaultServerReadTimeoutSec)
	setDefault(&c.Server.WriteTimeoutSec, constants.DefaultServerWriteTimeoutSec)
	setDefault(&c.Server.IdleTimeoutSec, constants.DefaultServerIdleTimeoutSec)

	setDefault(&c.Relay.HandshakeTimeoutMs, constants.DefaultHandshakeTimeoutMs)
	setDefault(&c.Relay.TypingExpiryMs, constants.DefaultTypingExpiryMs)
	setDefault(&c.Relay.SendBufferSize, constants.DefaultSendBufferSize)
	setDefault(&c.Relay.MaxContentBytes, constants.DefaultMaxContentBytes)
	setDefault(&c.Relay.BreakerMaxFailures, constants.DefaultBreakerMaxFailures)
	setDefault(&c.Relay.BreakerResetTimeout, constants.DefaultBreakerResetMs)
	setDefault(&c.Relay.PingIntervalMs, constants.DefaultRelayPingIntervalMs)
	setDefault(&c.Relay.PongTimeoutMs, constants.DefaultRelayPongTimeoutMs)

	if c.Auth.Algorithm == "" {
		c.Auth.Algorithm = "HS256"
	}
	setDefault(&c.Auth.TokenTTLH, constants.DefaultTokenTTLHours)

	if c.Presence.Backend == "" {
		c.Presence.Backend = "memory"
	}
	if c.Presence.KeyPrefix == "" {
		c.Presence.KeyPrefix = constants.DefaultPresenceKeyPrefix
	}

	setDefault(&c.Client.QueueMaxAttempts, constants.DefaultQueueMaxAttempts)
	setDefault(&c.Client.HandshakeTimeoutMs, constants.DefaultHandshakeTimeoutMs)
	setDefault(&c.Client.HeartbeatMs, constants.DefaultHeartbeatMs)
	setDefault(&c.Client.PongTimeoutMs, constants.DefaultPongTimeoutMs)
	setDefault(&c.Client.RequestTimeoutMs, constants.DefaultRequestTimeoutMs)
	setDefault(&c.Client.NetworkProbeMs, constants.DefaultNetworkProbeMs)
	setDefault(&c.Client.Reconnect.InitialBackoffMs, constants.DefaultReconnectInitialMs)
	setDefault(&c.Client.Reconnect.MaxBackoffMs, constants.DefaultReconnectMaxMs)
	setDefault(&c.Client.Reconnect.MaxAttempts, constants.DefaultReconnectMaxAttempts)

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "chatsync-relay"
	}
	if c.Tracing.SampleRate <= 0 {
		c.Tracing.SampleRate = 0.1
	}
}

func setDefault(field *int, value int) {
	if *field <= 0 {
		*field = value
	}
}

func applyEnvironmentOverrides(c *models.Config) {
	// SECURITY: secrets should come from the environment, not the file
	if secret := os.Getenv("CHATSYNC_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if token := os.Getenv("CHATSYNC_ADMIN_TOKEN"); token != "" {
		c.Server.AdminToken = token
	}
	if path := os.Getenv("CHATSYNC_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if path := os.Getenv("CHATSYNC_QUEUE_PATH"); path != "" {
		c.Client.QueuePath = path
	}
	if url := os.Getenv("CHATSYNC_RELAY_URL"); url != "" {
		c.Client.RelayURL = url
	}
	if addr := os.Getenv("CHATSYNC_REDIS_ADDR"); addr != "" {
		c.Presence.RedisAddr = addr
		c.Presence.Backend = "redis"
	}
	if pw := os.Getenv("CHATSYNC_REDIS_PASSWORD"); pw != "" {
		c.Presence.RedisPassword = pw
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	if os.Getenv("CHATSYNC_ENV") != "production" {
		if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
			fmt.Fprintf(os.Stderr, "WARNING: JWT secret is shorter than 32 bytes; this is refused in production.\n")
		}
		return nil
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return models.ConfigError{Message: "JWT secret must be at least 32 characters long in production"}
	}
	if c.LogLevel == "debug" {
		return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
	}
	return nil
}
