package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the runtime settings of the API process. Every field maps to
// one GUILDPOST_* environment variable.
type Config struct {
	HTTPAddr string
	GRPCAddr string

	PGDSN    string
	RedisURL string

	JWTSecret  string
	JWTIssuer  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	HashConcurrency int

	RateBurst     int
	RatePerSecond int
}

// Load reads configuration from the environment, after loading an optional
// .env file for local development. Missing required values are reported all
// at once.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:        getDefault("GUILDPOST_HTTP_ADDR", ":8080"),
		GRPCAddr:        getDefault("GUILDPOST_GRPC_ADDR", ":9090"),
		PGDSN:           os.Getenv("GUILDPOST_PG_DSN"),
		RedisURL:        os.Getenv("GUILDPOST_REDIS_URL"),
		JWTSecret:       os.Getenv("GUILDPOST_JWT_SECRET"),
		JWTIssuer:       getDefault("GUILDPOST_JWT_ISSUER", "guildpost"),
		AccessTTL:       getDuration("GUILDPOST_ACCESS_TTL", 15*time.Minute),
		RefreshTTL:      getDuration("GUILDPOST_REFRESH_TTL", 14*24*time.Hour),
		HashConcurrency: getInt("GUILDPOST_HASH_CONCURRENCY", 4),
		RateBurst:       getInt("GUILDPOST_RATE_BURST", 20),
		RatePerSecond:   getInt("GUILDPOST_RATE_PER_SECOND", 10),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("config: GUILDPOST_JWT_SECRET is required")
	}
	return cfg, nil
}

func getDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
