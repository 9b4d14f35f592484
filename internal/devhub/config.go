package devhub

import (
	"os"
	"strconv"
	"time"
)

// Config holds the dev hub settings read from the environment.
type Config struct {
	Addr          string
	JWTSecret     string
	TokenTTL      time.Duration
	RedisURL      string
	WebhookURL    string
	WebhookSecret string
	LogLevel      string
	LogFormat     string
}

// Load reads the configuration from the environment. Callers load a .env file
// first if they want one.
func Load() Config {
	ttl, _ := strconv.Atoi(get("UNIMART_TOKEN_TTL_MIN", "1440"))
	return Config{
		Addr:          get("UNIMART_DEVHUB_ADDR", ":8080"),
		JWTSecret:     get("UNIMART_JWT_SECRET", "dev-secret"),
		TokenTTL:      time.Duration(ttl) * time.Minute,
		RedisURL:      get("UNIMART_REDIS_URL", ""),
		WebhookURL:    get("UNIMART_WEBHOOK_URL", ""),
		WebhookSecret: get("UNIMART_WEBHOOK_SECRET", ""),
		LogLevel:      get("UNIMART_LOG_LEVEL", "info"),
		LogFormat:     get("UNIMART_LOG_FORMAT", "text"),
	}
}

func get(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
