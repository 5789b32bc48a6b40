package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string, paths ...string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.trustProxy", false)
	v.SetDefault("server.auth.jwtSecret", "default-secret-key-change-me")
	v.SetDefault("server.connectionLimit.maxPerUser", 0)
	v.SetDefault("server.connectionLimit.mode", "reject")
	v.SetDefault("transport.readTimeout", "60s")
	v.SetDefault("transport.writeTimeout", "10s")
	v.SetDefault("transport.sendBuffer", 256)
	v.SetDefault("transport.readLimit", 64<<10)
	v.SetDefault("transport.rateLimit.perSecond", 50)
	v.SetDefault("transport.rateLimit.burst", 100)
	v.SetDefault("session.gracePeriod", "5s")
	v.SetDefault("session.heartbeatTimeout", "30s")
	v.SetDefault("session.sweepInterval", "5s")
	v.SetDefault("session.checkpointInterval", "10s")
	v.SetDefault("session.resumeWindow", "2m")
	v.SetDefault("session.historyLimit", 1000)
	v.SetDefault("session.ticketTTL", "10m")
	v.SetDefault("redis.cacheTTL", "30s")
	v.SetDefault("redis.presenceTTL", "1m")
	v.SetDefault("database.migrate", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"."} // look for config in the working directory
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	// 3. Set up environment variable handling
	v.SetEnvPrefix("LIVEMEMO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only covers keys viper already knows about
	for _, key := range []string{"redis.url", "database.url", "server.auth.ticketSecret", "server.auth.internalToken"} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			// Config file was found but another error was produced
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Server.Auth.TicketSecret == "" {
		cfg.Server.Auth.TicketSecret = cfg.Server.Auth.JWTSecret
	}

	logger.Info("configuration loaded",
		slog.String("address", cfg.Server.Address),
		slog.Bool("database", cfg.Database.URL != ""),
		slog.Bool("redis", cfg.Redis.URL != ""),
	)
	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch c.Server.ConnectionLimit.Mode {
	case "", "reject", "cycle":
	default:
		return fmt.Errorf("server.connectionLimit.mode: unknown mode %q", c.Server.ConnectionLimit.Mode)
	}
	if c.Session.GracePeriod < 0 || c.Session.HeartbeatTimeout <= 0 {
		return errors.New("session: grace period must be >= 0 and heartbeat timeout > 0")
	}
	if c.Server.Auth.JWTSecret == "" {
		return errors.New("server.auth.jwtSecret is required")
	}
	return nil
}
