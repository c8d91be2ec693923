package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	RateCachePath         string
	BaseCurrency          string
	RateProviderURL       string
	RateTimeoutSeconds    int
	RateCacheTTLHours     int
	LogLevel              string
	AuthSecret            string
	AccessTokenTTLMinutes int
	OperatorUsername      string
	OperatorPassword      string
	ViewerUsername        string
	ViewerPassword        string
}

// Load reads the process environment. A .env file in the working directory is
// applied first when present; variables already set in the environment win.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		RateCachePath:         os.Getenv("RATE_CACHE_PATH"),
		BaseCurrency:          strings.ToUpper(getEnv("BASE_CURRENCY", "EUR")),
		RateProviderURL:       strings.TrimRight(getEnv("RATE_PROVIDER_URL", "https://api.frankfurter.app"), "/"),
		RateTimeoutSeconds:    getPositiveInt("RATE_TIMEOUT_SECONDS", 5),
		RateCacheTTLHours:     getPositiveInt("RATE_CACHE_TTL_HOURS", 168),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		OperatorUsername:      strings.ToLower(strings.TrimSpace(getEnv("OPERATOR_USERNAME", "operator"))),
		OperatorPassword:      os.Getenv("OPERATOR_PASSWORD"),
		ViewerUsername:        strings.ToLower(strings.TrimSpace(getEnv("VIEWER_USERNAME", "viewer"))),
		ViewerPassword:        os.Getenv("VIEWER_PASSWORD"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) RateTimeout() time.Duration {
	return time.Duration(c.RateTimeoutSeconds) * time.Second
}

func (c Config) RateCacheTTL() time.Duration {
	return time.Duration(c.RateCacheTTLHours) * time.Hour
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
