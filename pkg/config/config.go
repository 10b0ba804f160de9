package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the execution core and proxy.
type Config struct {
	Port string

	// Logging
	LogLevel  string
	LogPretty bool

	// Database
	DBPath       string
	AuditPersist bool

	// Vault
	VaultIterations  int
	VaultMaxProfiles int
	VaultPassphrase  string // optional auto-unlock on start

	// Metadata
	MetadataTTL time.Duration

	// Outbound order rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// ASL
	ASLLevelsFile string

	// Proxy client (core side)
	ProxyURL string

	// Proxy server
	ProxyPort     string
	ProxyGRPCPort string
	CORSOrigins   []string

	// Licensing
	LicenseToken        string
	LicenseJWTPublicKey string
	LicenseJWTIssuer    string
	LicenseJWTAudience  string

	// Local API auth
	APIToken string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/execution.db")
	}

	return &Config{
		Port:                getEnv("PORT", "8080"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogPretty:           getEnv("LOG_PRETTY", "true") == "true",
		DBPath:              dbPath,
		AuditPersist:        getEnv("AUDIT_PERSIST", "true") == "true",
		VaultIterations:     getEnvInt("VAULT_PBKDF2_ITERATIONS", 1_000_000),
		VaultMaxProfiles:    getEnvInt("VAULT_MAX_PROFILES", 10),
		VaultPassphrase:     os.Getenv("VAULT_PASSPHRASE"),
		MetadataTTL:         getEnvDuration("METADATA_TTL", time.Hour),
		RateLimitRequests:   getEnvInt("RATE_LIMIT_REQUESTS", 10),
		RateLimitWindow:     getEnvDuration("RATE_LIMIT_WINDOW", time.Second),
		ASLLevelsFile:       getEnv("ASL_LEVELS_FILE", ""),
		ProxyURL:            strings.TrimRight(getEnv("PROXY_URL", ""), "/"),
		ProxyPort:           getEnv("PROXY_PORT", "8787"),
		ProxyGRPCPort:       getEnv("PROXY_GRPC_PORT", ""),
		CORSOrigins:         splitAndTrim(getEnv("CORS_ORIGINS", "*")),
		LicenseToken:        os.Getenv("LICENSE_TOKEN"),
		LicenseJWTPublicKey: readKey(os.Getenv("LICENSE_JWT_PUBLIC_KEY")),
		LicenseJWTIssuer:    getEnv("LICENSE_JWT_ISSUER", ""),
		LicenseJWTAudience:  getEnv("LICENSE_JWT_AUDIENCE", ""),
		APIToken:            os.Getenv("API_TOKEN"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// readKey accepts either an inline PEM (with literal \n escapes) or a path to a PEM file.
func readKey(v string) string {
	if v == "" {
		return ""
	}
	if strings.Contains(v, "BEGIN") {
		return strings.ReplaceAll(v, `\n`, "\n")
	}
	b, err := os.ReadFile(v)
	if err != nil {
		return ""
	}
	return string(b)
}
