package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Session   SessionConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
	AllowedOrigins  []string              `mapstructure:"allowedOrigins"`
	// take the client address from X-Forwarded-For
	TrustProxy bool `mapstructure:"trustProxy"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
	// signs reconnect tickets; falls back to JWTSecret when empty
	TicketSecret string `mapstructure:"ticketSecret"`
	// shared with the memo app for share/refresh notifications
	InternalToken string `mapstructure:"internalToken"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout  time.Duration   `mapstructure:"readTimeout"`
	WriteTimeout time.Duration   `mapstructure:"writeTimeout"`
	SendBuffer   int             `mapstructure:"sendBuffer"`
	ReadLimit    int64           `mapstructure:"readLimit"`
	RateLimit    RateLimitConfig `mapstructure:"rateLimit"`
}

// RateLimitConfig bounds inbound frames per connection.
type RateLimitConfig struct {
	PerSecond float64 `mapstructure:"perSecond"`
	Burst     int     `mapstructure:"burst"`
}

type SessionConfig struct {
	GracePeriod        time.Duration `mapstructure:"gracePeriod"`
	HeartbeatTimeout   time.Duration `mapstructure:"heartbeatTimeout"`
	SweepInterval      time.Duration `mapstructure:"sweepInterval"`
	CheckpointInterval time.Duration `mapstructure:"checkpointInterval"`
	ResumeWindow       time.Duration `mapstructure:"resumeWindow"`
	HistoryLimit       int           `mapstructure:"historyLimit"`
	TicketTTL          time.Duration `mapstructure:"ticketTTL"`
}

type RedisConfig struct {
	// empty disables the share cache and the presence mirror
	URL         string        `mapstructure:"url"`
	CacheTTL    time.Duration `mapstructure:"cacheTTL"`
	PresenceTTL time.Duration `mapstructure:"presenceTTL"`
}

type DatabaseConfig struct {
	// empty runs against in-memory stores
	URL     string `mapstructure:"url"`
	Migrate bool   `mapstructure:"migrate"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
