package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"mailprobe/models"
)

// Config holds all runtime settings, loaded once at startup.
type Config struct {
	ServerPort  string
	Environment string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RedisURL string

	SentryDSN string

	// Verification pipeline
	HeloDomain        string
	MailFrom          string
	SMTPTimeout       time.Duration
	SMTPPort          int
	MaxRetries        int
	BaseBackoff       time.Duration
	MaxBackoffWait    time.Duration
	DomainConcurrency int
	SlotTTL           time.Duration
	ThrottleFailOpen  bool
	MXCacheTTL        time.Duration
	ResultCacheTTL    time.Duration

	// Billing
	VerifyCost     int64
	ReservationTTL time.Duration
	SweepInterval  time.Duration

	// Bulk worker
	WorkerPollInterval time.Duration
	WorkerConcurrency  int

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration
	RateLimitFailOpen bool
}

// LoadConfig reads .env (when present) and the environment.
func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "mailprobe"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		SentryDSN: getEnv("SENTRY_DSN", ""),

		HeloDomain:        getEnv("HELO_DOMAIN", "verifier.local"),
		MailFrom:          getEnv("MAIL_FROM", "probe@verifier.local"),
		SMTPTimeout:       getEnvAsDuration("SMTP_TIMEOUT", 10*time.Second),
		SMTPPort:          getEnvAsInt("SMTP_PORT", 25),
		MaxRetries:        getEnvAsInt("SMTP_MAX_RETRIES", 2),
		BaseBackoff:       getEnvAsDuration("SMTP_BASE_BACKOFF", 2*time.Second),
		MaxBackoffWait:    getEnvAsDuration("MAX_BACKOFF_WAIT", 30*time.Second),
		DomainConcurrency: getEnvAsInt("DOMAIN_CONCURRENCY", 2),
		SlotTTL:           getEnvAsDuration("DOMAIN_SLOT_TTL", 60*time.Second),
		ThrottleFailOpen:  getEnvAsBool("THROTTLE_FAIL_OPEN", true),
		MXCacheTTL:        getEnvAsDuration("MX_CACHE_TTL", 10*time.Minute),
		ResultCacheTTL:    getEnvAsDuration("RESULT_CACHE_TTL", time.Hour),

		VerifyCost:     int64(getEnvAsInt("VERIFY_COST", 1)),
		ReservationTTL: getEnvAsDuration("RESERVATION_TTL", time.Hour),
		SweepInterval:  getEnvAsDuration("SWEEP_INTERVAL", time.Minute),

		WorkerPollInterval: getEnvAsDuration("WORKER_POLL_INTERVAL", 5*time.Second),
		WorkerConcurrency:  getEnvAsInt("WORKER_CONCURRENCY", 10),

		RateLimitRequests: getEnvAsInt("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getEnvAsDuration("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitFailOpen: getEnvAsBool("RATE_LIMIT_FAIL_OPEN", true),
	}
}

// ConnectDB opens Postgres and migrates the schema.
func ConnectDB(cfg *Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		return nil, err
	}
	return db, nil
}

// MigrateDB applies the schema.
func MigrateDB(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.User{},
		&models.Team{},
		&models.TeamMember{},
		&models.CreditReservation{},
		&models.CreditTransaction{},
		&models.TeamCreditTransaction{},
		&models.BulkJob{},
		&models.VerificationResult{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// NewRedisClient connects to Redis from a URL. Returns nil when the URL is
// empty so callers can run without Redis in development.
func NewRedisClient(cfg *Config) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
