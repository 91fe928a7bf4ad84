package constants

// Relay defaults
const (
	DefaultServerPort            = 8082
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 30
	DefaultHandshakeTimeoutMs    = 5000
	DefaultTypingExpiryMs        = 6000
	DefaultSendBufferSize        = 64
	DefaultMaxContentBytes       = 16 * 1024
	DefaultBreakerMaxFailures    = 5
	DefaultBreakerResetMs        = 10000
	DefaultTokenTTLHours         = 24
	DefaultDatabaseRetryAttempts = 3
	DefaultRetryBackoffMs        = 100
	DefaultMaxBackoffMs          = 2000
	DefaultPresenceKeyPrefix     = "chatsync:presence:"
	DefaultRelayPingIntervalMs   = 25000
	DefaultRelayPongTimeoutMs    = 10000
)

// Client defaults
const (
	DefaultQueueMaxAttempts     = 5
	DefaultHeartbeatMs          = 20000
	DefaultPongTimeoutMs        = 10000
	DefaultRequestTimeoutMs     = 15000
	DefaultNetworkProbeMs       = 5000
	DefaultReconnectInitialMs   = 500
	DefaultReconnectMaxMs       = 30000
	DefaultReconnectMaxAttempts = 10
	DefaultRTTWindow            = 10
)

// Privacy settings
const (
	DefaultIDLogLength = 8
)

// Encryption settings
const (
	QueueEncryptionSalt     = "chatsync-queue-payload-v1"
	MinEncryptionSecretSize = 32
)
