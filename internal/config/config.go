// Package config loads the call service configuration from the environment,
// with Docker-secret fallbacks for credentials.
package config

import (
	"time"

	"chatlink-backend/pkg/constants"
	"chatlink-backend/pkg/database"
	"chatlink-backend/pkg/env"
)

// Config holds everything the call service needs to start
type Config struct {
	Env      string
	HTTPPort int

	Cockroach database.CockroachConfig
	Redis     database.RedisConfig

	JWTSecret           string
	AccessTokenDuration time.Duration

	RingTimeout       time.Duration
	MaxWSConnections  int
	ShutdownTimeout   time.Duration
	FirebaseProjectID string
	PushEnabled       bool
}

// Load reads configuration from the environment
func Load() *Config {
	return &Config{
		Env:      env.GetString("ENV", "development"),
		HTTPPort: env.GetInt("HTTP_PORT", 8083),

		Cockroach: database.CockroachConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "chatlink"),
			SSLMode:  env.GetString("DB_SSLMODE", "disable"),
		},
		Redis: database.RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
		},

		JWTSecret:           env.GetStringFromFile("JWT_SECRET", "dev-secret-do-not-use"),
		AccessTokenDuration: env.GetDuration("ACCESS_TOKEN_DURATION", 15*time.Minute),

		RingTimeout:       env.GetDuration("RING_TIMEOUT", constants.RingTimeout),
		MaxWSConnections:  env.GetInt("MAX_WS_CONNECTIONS", 1000),
		ShutdownTimeout:   env.GetDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		FirebaseProjectID: env.GetString("FIREBASE_PROJECT_ID", ""),
		PushEnabled:       env.GetBool("PUSH_ENABLED", false),
	}
}

// IsProduction reports whether the service runs with production settings
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
