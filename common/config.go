package common

import "github.com/spf13/viper"

// ===============================================================================
// Authentication Related Config

// AuthConfig defines parameters for validating connection credentials
type AuthConfig struct {
	// SigningSecret is the shared secret the token signature is verified against
	SigningSecret string `mapstructure:"signing_secret" json:"-" validate:"required,min=16"`
	// Audience is the intended-use claim a connection credential must carry
	Audience string `mapstructure:"audience" json:"audience" validate:"required"`
}

// ===============================================================================
// Storage Related Config

// StorageConfig defines parameters for reaching the message / membership store
type StorageConfig struct {
	// PostgresURI is the Postgres connection URI
	PostgresURI string `mapstructure:"postgres_uri" json:"postgres_uri" validate:"required,uri"`
	// CallDeadline is the max duration of one storage call in seconds
	CallDeadline int `mapstructure:"call_deadline_sec" json:"call_deadline_sec" validate:"gte=1"`
}

// ===============================================================================
// Membership Cache Related Config

// CacheConfig defines parameters for the membership read-through cache
type CacheConfig struct {
	// RedisAddr is the Redis server address
	RedisAddr string `mapstructure:"redis_addr" json:"redis_addr" validate:"required"`
	// TTL is the member set cache time-to-live in seconds
	TTL int `mapstructure:"ttl_sec" json:"ttl_sec" validate:"gte=1"`
}

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Fanout Related Config

// FanoutConfig defines per-connection delivery and backpressure parameters
type FanoutConfig struct {
	// BufferHighWater is the outbound queue depth at which a connection is
	// treated as a slow consumer
	BufferHighWater int `mapstructure:"buffer_high_water" json:"buffer_high_water" validate:"gte=1"`
	// SlowConsumerStrikes is the number of slow-consumer strikes after which
	// a connection is forcibly disconnected
	SlowConsumerStrikes int `mapstructure:"slow_consumer_strikes" json:"slow_consumer_strikes" validate:"gte=1"`
}

// HeartbeatConfig defines liveness probing parameters
type HeartbeatConfig struct {
	// Period is the sweep period in seconds. A connection silent for longer
	// than one period is probed.
	Period int `mapstructure:"period_sec" json:"period_sec" validate:"gte=1"`
	// DeadMultiple scales the period into the dead-threshold. A connection
	// silent for Period * DeadMultiple seconds is evicted.
	DeadMultiple int `mapstructure:"dead_threshold_multiple" json:"dead_threshold_multiple" validate:"gte=2"`
}

// MessageConfig defines inbound message constraints
type MessageConfig struct {
	// MaxBodyLength is the maximum accepted message body length in characters
	MaxBodyLength int `mapstructure:"max_body_length" json:"max_body_length" validate:"gte=1"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete talkroom server config
type SystemConfig struct {
	// Auth are the credential validation parameters
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
	// Storage are the message / membership store parameters
	Storage StorageConfig `mapstructure:"storage" json:"storage" validate:"required,dive"`
	// Cache are the membership cache parameters
	Cache CacheConfig `mapstructure:"cache" json:"cache" validate:"required,dive"`
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Fanout are the broadcast backpressure parameters
	Fanout FanoutConfig `mapstructure:"fanout" json:"fanout" validate:"required,dive"`
	// Heartbeat are the liveness probing parameters
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat" json:"heartbeat" validate:"required,dive"`
	// Message are the inbound message constraints
	Message MessageConfig `mapstructure:"message" json:"message" validate:"required,dive"`
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default auth settings
	viper.SetDefault("auth.audience", "talkroom-connect")

	// Default storage settings
	viper.SetDefault("storage.postgres_uri", "postgres://127.0.0.1:5432/talkroom")
	viper.SetDefault("storage.call_deadline_sec", 5)

	// Default membership cache settings
	viper.SetDefault("cache.redis_addr", "127.0.0.1:6379")
	viper.SetDefault("cache.ttl_sec", 5)

	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default fanout settings
	viper.SetDefault("fanout.buffer_high_water", 64)
	viper.SetDefault("fanout.slow_consumer_strikes", 3)

	// Default heartbeat settings
	viper.SetDefault("heartbeat.period_sec", 30)
	viper.SetDefault("heartbeat.dead_threshold_multiple", 3)

	// Default message constraints
	viper.SetDefault("message.max_body_length", 4096)

	// Default API server settings
	viper.SetDefault("api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api_server.server_config.listen_port", 3000)
	viper.SetDefault("api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"api_server.logging_config.request_id_header", "Talkroom-Request-ID",
	)
	viper.SetDefault(
		"api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
