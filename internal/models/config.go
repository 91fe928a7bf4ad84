package models

// Config holds the application configuration. The relay and the client
// binaries share one file; each validates only the sections it uses.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Relay    RelayConfig    `json:"relay"`
	Auth     AuthConfig     `json:"auth"`
	Database DatabaseConfig `json:"database"`
	Presence PresenceConfig `json:"presence"`
	Client   ClientConfig   `json:"client"`
	Tracing  TracingConfig  `json:"tracing"`
	LogLevel string         `json:"log_level"`
}

// ServerConfig holds HTTP listener settings for the relay
type ServerConfig struct {
	Port            int    `json:"port"`
	ReadTimeoutSec  int    `json:"read_timeout_sec"`
	WriteTimeoutSec int    `json:"write_timeout_sec"`
	IdleTimeoutSec  int    `json:"idle_timeout_sec"`
	AdminToken      string `json:"admin_token"`
	TrustProxy      bool   `json:"trust_proxy"`
}

// RelayConfig holds room manager settings
type RelayConfig struct {
	HandshakeTimeoutMs  int `json:"handshake_timeout_ms"`
	TypingExpiryMs      int `json:"typing_expiry_ms"`
	SendBufferSize      int `json:"send_buffer_size"`
	MaxContentBytes     int `json:"max_content_bytes"`
	BreakerMaxFailures  int `json:"breaker_max_failures"`
	BreakerResetTimeout int `json:"breaker_reset_timeout_ms"`
	PingIntervalMs      int `json:"ping_interval_ms"`
	PongTimeoutMs       int `json:"pong_timeout_ms"`
}

// AuthConfig holds credential verification settings
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
	Algorithm string `json:"algorithm"`
	TokenTTLH int    `json:"token_ttl_hours"`
}

// DatabaseConfig holds the relay store location
type DatabaseConfig struct {
	Path string `json:"path"`
}

// PresenceConfig selects the presence registry backend
type PresenceConfig struct {
	Backend       string `json:"backend"` // "memory" or "redis"
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	KeyPrefix     string `json:"key_prefix"`
}

// ClientConfig holds the connection manager and sync orchestrator settings
type ClientConfig struct {
	RelayURL           string      `json:"relay_url"`
	QueuePath          string      `json:"queue_path"`
	QueueMaxAttempts   int         `json:"queue_max_attempts"`
	HandshakeTimeoutMs int         `json:"handshake_timeout_ms"`
	HeartbeatMs        int         `json:"heartbeat_interval_ms"`
	PongTimeoutMs      int         `json:"pong_timeout_ms"`
	RequestTimeoutMs   int         `json:"request_timeout_ms"`
	NetworkProbeMs     int         `json:"network_probe_interval_ms"`
	Reconnect          RetryConfig `json:"reconnect"`
}

// RetryConfig holds retry related configurations
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
	UseStdout      bool    `json:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
