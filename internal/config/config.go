package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Session storage backends
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
)

// Config holds the client configuration
type Config struct {
	Env               string
	APIBaseURL        string
	HTTPTimeout       time.Duration
	CountryCode       string
	SessionBackend    string
	SessionFile       string
	DatabaseURL       string
	DraftBackend      string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	DraftTTL          time.Duration
	OTPResendCooldown time.Duration
	MetricsAddr       string
}

// ServerConfig holds the development identity service configuration
type ServerConfig struct {
	Env                string
	Port               string
	JWTSecret          string
	GoogleClientSecret string
	OTPSalt            string
	OTPDevMode         bool
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
}

// Load reads the client configuration from environment variables
func Load() (*Config, error) {
	// Load .env from CWD if present (env vars override)
	_ = godotenv.Load()

	cfg := &Config{
		Env:               getEnv("APP_ENV", "development"),
		HTTPTimeout:       getDuration("HTTP_TIMEOUT", 15*time.Second),
		CountryCode:       strings.TrimPrefix(getEnv("DEFAULT_COUNTRY_CODE", "234"), "+"),
		SessionBackend:    getEnv("SESSION_BACKEND", BackendFile),
		SessionFile:       getEnv("SESSION_FILE", defaultSessionFile()),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		DraftBackend:      getEnv("DRAFT_BACKEND", BackendMemory),
		RedisAddr:         getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           getInt("REDIS_DB", 0),
		DraftTTL:          getDuration("DRAFT_TTL", 30*time.Minute),
		OTPResendCooldown: getDuration("OTP_RESEND_COOLDOWN", 60*time.Second),
		MetricsAddr:       os.Getenv("METRICS_ADDR"),
	}

	apiURL := strings.TrimRight(strings.TrimSpace(os.Getenv("IDENTITY_API_URL")), "/")
	if apiURL == "" {
		return nil, fmt.Errorf("IDENTITY_API_URL environment variable is required")
	}
	if u, err := url.Parse(apiURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("IDENTITY_API_URL must be an absolute URL, got %q", apiURL)
	}
	cfg.APIBaseURL = apiURL

	switch cfg.SessionBackend {
	case BackendFile:
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL environment variable is required when SESSION_BACKEND=postgres")
		}
	default:
		return nil, fmt.Errorf("SESSION_BACKEND must be %q or %q, got %q", BackendFile, BackendPostgres, cfg.SessionBackend)
	}

	switch cfg.DraftBackend {
	case BackendMemory, BackendRedis:
	default:
		return nil, fmt.Errorf("DRAFT_BACKEND must be %q or %q, got %q", BackendMemory, BackendRedis, cfg.DraftBackend)
	}

	if cfg.CountryCode == "" {
		return nil, fmt.Errorf("DEFAULT_COUNTRY_CODE must not be empty")
	}
	if _, err := strconv.Atoi(cfg.CountryCode); err != nil {
		return nil, fmt.Errorf("DEFAULT_COUNTRY_CODE must be numeric, got %q", cfg.CountryCode)
	}

	return cfg, nil
}

// LoadServer reads the development identity service configuration
func LoadServer() (*ServerConfig, error) {
	_ = godotenv.Load()

	cfg := &ServerConfig{
		Env:             getEnv("APP_ENV", "development"),
		Port:            getEnv("PORT", "8080"),
		OTPSalt:         getEnv("OTP_SALT", "dev-otp-salt"),
		OTPDevMode:      getBool("OTP_DEV_MODE", false),
		AccessTokenTTL:  getDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL: getDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
	}

	// Load JWT_SECRET (required)
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	// Load GOOGLE_CLIENT_SECRET (required): id tokens are verified against it
	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	if cfg.GoogleClientSecret == "" {
		return nil, fmt.Errorf("GOOGLE_CLIENT_SECRET environment variable is required")
	}

	return cfg, nil
}

func defaultSessionFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "sessionkit", "session.json")
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}
