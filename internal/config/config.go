package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Module provides application configuration.
var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewTierCatalogHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	// Storage backend: "file", "sqlite" or "postgres".
	StoreBackend string
	DataDir      string

	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string
	SQLitePath string

	SessionTTL               time.Duration
	SessionMaxPerUser        int
	SessionInactivityTimeout time.Duration

	MaxFailedAttempts int
	LockoutDuration   time.Duration

	PasswordMinLength    int
	PasswordRequireUpper bool
	PasswordRequireLower bool
	PasswordRequireDigit bool

	// Password assigned to the bootstrap superadmin when no superadmin
	// exists in the store. The account is flagged for a forced change.
	BootstrapAdminPassword string

	// When set, new companies start pending and need a superadmin to
	// activate them before members, invitations, or usage are accepted.
	CompanyApprovalRequired bool

	AuditRetention int
}

// Load loads configuration from environment variables and .env file.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		AppName:     getenv("APP_SERVICE", "crest"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		StoreBackend: strings.ToLower(getenv("STORE_BACKEND", "file")),
		DataDir:      getenv("DATA_DIR", defaultDataDir()),

		DBHost:     getenv("DATABASE_HOST", "localhost"),
		DBPort:     getenv("DATABASE_PORT", "5432"),
		DBName:     getenv("DATABASE_NAME", "crest"),
		DBUser:     getenv("DATABASE_USER", "crest"),
		DBPassword: getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:  getenv("DATABASE_SSLMODE", "disable"),
		SQLitePath: getenv("SQLITE_PATH", "crest.db"),

		SessionTTL:               getenvDuration("SESSION_TTL", 24*time.Hour),
		SessionMaxPerUser:        getenvInt("SESSION_MAX_PER_USER", 5),
		SessionInactivityTimeout: getenvDuration("SESSION_INACTIVITY_TIMEOUT", 2*time.Hour),

		MaxFailedAttempts: getenvInt("AUTH_MAX_FAILED_ATTEMPTS", 5),
		LockoutDuration:   getenvDuration("AUTH_LOCKOUT_DURATION", 30*time.Minute),

		PasswordMinLength:    getenvInt("PASSWORD_MIN_LENGTH", 8),
		PasswordRequireUpper: getenvBool("PASSWORD_REQUIRE_UPPER", true),
		PasswordRequireLower: getenvBool("PASSWORD_REQUIRE_LOWER", true),
		PasswordRequireDigit: getenvBool("PASSWORD_REQUIRE_DIGIT", true),

		BootstrapAdminPassword: getenv("BOOTSTRAP_ADMIN_PASSWORD", "Admin123!"),

		CompanyApprovalRequired: getenvBool("COMPANY_APPROVAL_REQUIRED", false),

		AuditRetention: getenvInt("AUDIT_RETENTION", 10000),
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".crest"
	}
	return home + "/.crest"
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid int for %s: %q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid bool for %s: %q, using %v", key, v, fallback)
		return fallback
	}
	return b
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid duration for %s: %q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
