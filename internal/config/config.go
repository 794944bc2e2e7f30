package config

import (
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	Port              string
	GinMode           string
	ServerEnvironment string // "development" or "production"

	// Auth
	ValidatorType     string // "jwk" or "firebase"
	JWTJWKSURL        string
	FirebaseProjectID string
	FirebaseCredJSON  string

	// Internal API (shared-secret between core and peripheral services)
	InternalAPISharedToken string
	// CoreInternalURL is where peripheral callers (skill fabric, upload
	// service) reach the core's /internal/* endpoints.
	CoreInternalURL string

	// Databases
	DatabaseURL string
	RedisURL    string

	// NATS (task queue + distributed cancel)
	NatsURL string

	// Vault Transit
	VaultURL          string
	VaultToken        string
	VaultTransitMount string
	// VaultLocalMasterKey enables the in-process transit implementation for
	// development and self-hosted deployments without a Vault server.
	VaultLocalMasterKey string

	// Object storage
	S3Endpoint        string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3ForcePathStyle  bool
	ChatFilesBucket   string // derived: "chatfiles" or "chatfiles-development"
	UsageArchiveBucket string

	// Model catalog (models.yml): providers, models, leaderboard, selection sets.
	ModelCatalog *ModelCatalogConfig `yaml:"model_catalog"`

	// Skill apps and mate personas
	AppsDir   string
	MatesFile string

	// Model health watcher (flips model availability off provider error metrics)
	HealthPrometheusURL   string
	HealthPrometheusToken string
	HealthCheckInterval   time.Duration

	// Connection manager
	GracePeriodSeconds int

	// Task runner
	TaskWorkerPoolSize      int
	MaxContinuations        int
	ProviderTimeoutSeconds  int
	InternalTimeoutSeconds  int
	UploadTimeoutSeconds    int
	FocusPendingTTLSeconds  int
	FocusAutoConfirmSeconds int

	// Chat store (async durable persistence)
	ChatStoreWorkerPoolSize int
	ChatStoreBufferSize     int
	ChatStoreTimeoutSeconds int

	// Billing
	SelfHostedPaymentEnabled bool
	StripeSecretKey          string
	StripeWebhookSecret      string

	// Usage recording + archival
	UsageWorkerPoolSize   int
	UsageBufferSize       int
	UsageTimeoutSeconds   int
	UsageArchiveEnabled   bool
	UsageArchiveCron      string
	UsageArchiveMonthsBack int

	// Email notifications
	EmailNotificationsEnabled bool
	SMTPHost                  string
	SMTPPort                  int
	SMTPUsername              string
	SMTPPassword              string
	SMTPFrom                  string

	// Temporal (PDF post-processing pipeline)
	TemporalEndpoint  string
	TemporalNamespace string
	TemporalAPIKey    string

	// Database Connection Pool
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Server
	ServerShutdownTimeoutSeconds int

	// CORS
	CORSAllowedOrigins string

	// Logging
	LogLevel  string
	LogFormat string
}

var DefaultHealthCheckInterval = 15 * time.Second

// LoadConfig reads the environment and the structured config file once and
// returns the assembled configuration. Nothing holds it globally; the
// caller threads it through the constructors.
func LoadConfig() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	environment := getEnvOrDefault("SERVER_ENVIRONMENT", "development")

	cfg := &Config{
		Port:              getEnvOrDefault("PORT", "8080"),
		GinMode:           getEnvOrDefault("GIN_MODE", "release"),
		ServerEnvironment: environment,

		// Auth
		ValidatorType:     getEnvOrDefault("VALIDATOR_TYPE", "firebase"),
		JWTJWKSURL:        getEnvOrDefault("JWT_JWKS_URL", ""),
		FirebaseProjectID: getEnvOrDefault("FIREBASE_PROJECT_ID", ""),
		FirebaseCredJSON:  getEnvOrDefault("FIREBASE_CRED_JSON", ""),

		// Internal API
		InternalAPISharedToken: strings.TrimSpace(getEnvOrDefault("INTERNAL_API_SHARED_TOKEN", "")),
		CoreInternalURL:        getEnvOrDefault("CORE_INTERNAL_URL", "http://localhost:8080"),

		// Databases
		DatabaseURL: getEnvOrDefault("DATABASE_URL", "postgres://localhost/openmates?sslmode=disable"),
		RedisURL:    getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0"),

		// NATS
		NatsURL: getEnvOrDefault("NATS_URL", ""),

		// Vault Transit
		VaultURL:            getEnvOrDefault("VAULT_URL", ""),
		VaultToken:          getEnvOrDefault("VAULT_TOKEN", ""),
		VaultTransitMount:   getEnvOrDefault("VAULT_TRANSIT_MOUNT", "transit"),
		VaultLocalMasterKey: getEnvOrDefault("VAULT_LOCAL_MASTER_KEY", ""),

		// Object storage
		S3Endpoint:         getEnvOrDefault("S3_ENDPOINT", ""),
		S3Region:           getEnvOrDefault("S3_REGION", "us-east-1"),
		S3AccessKeyID:      getEnvOrDefault("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey:  getEnvOrDefault("S3_SECRET_ACCESS_KEY", ""),
		S3ForcePathStyle:   getEnvOrDefault("S3_FORCE_PATH_STYLE", "false") == "true",
		UsageArchiveBucket: getEnvOrDefault("USAGE_ARCHIVE_BUCKET", "usage-archives"),

		// Skill apps and mates
		AppsDir:   getEnvOrDefault("APPS_DIR", "apps"),
		MatesFile: getEnvOrDefault("MATES_FILE", "mates.yml"),

		// Model health watcher
		HealthPrometheusURL:   getEnvOrDefault("HEALTH_PROMETHEUS_URL", ""),
		HealthPrometheusToken: getEnvOrDefault("HEALTH_PROMETHEUS_TOKEN", ""),
		HealthCheckInterval:   getEnvAsDuration("HEALTH_CHECK_INTERVAL", DefaultHealthCheckInterval),

		// Connection manager
		GracePeriodSeconds: getEnvAsInt("GRACE_PERIOD_SECONDS", 30),

		// Task runner
		TaskWorkerPoolSize:      getEnvAsInt("TASK_WORKER_POOL_SIZE", 32),
		MaxContinuations:        getEnvAsInt("TASK_MAX_CONTINUATIONS", 5),
		ProviderTimeoutSeconds:  getEnvAsInt("PROVIDER_TIMEOUT_SECONDS", 15),
		InternalTimeoutSeconds:  getEnvAsInt("INTERNAL_TIMEOUT_SECONDS", 10),
		UploadTimeoutSeconds:    getEnvAsInt("UPLOAD_TIMEOUT_SECONDS", 30),
		FocusPendingTTLSeconds:  getEnvAsInt("FOCUS_PENDING_TTL_SECONDS", 5),
		FocusAutoConfirmSeconds: getEnvAsInt("FOCUS_AUTO_CONFIRM_SECONDS", 4),

		// Chat store
		ChatStoreWorkerPoolSize: getEnvAsInt("CHAT_STORE_WORKER_POOL_SIZE", 5),
		ChatStoreBufferSize:     getEnvAsInt("CHAT_STORE_BUFFER_SIZE", 500),
		ChatStoreTimeoutSeconds: getEnvAsInt("CHAT_STORE_TIMEOUT_SECONDS", 30),

		// Billing (trim whitespace to avoid common config errors)
		SelfHostedPaymentEnabled: getEnvOrDefault("SELF_HOSTED_PAYMENT_ENABLED", "true") == "true",
		StripeSecretKey:          strings.TrimSpace(getEnvOrDefault("STRIPE_SECRET_KEY", "")),
		StripeWebhookSecret:      strings.TrimSpace(getEnvOrDefault("STRIPE_WEBHOOK_SECRET", "")),

		// Usage recording + archival
		UsageWorkerPoolSize:    getEnvAsInt("USAGE_WORKER_POOL_SIZE", 20),
		UsageBufferSize:        getEnvAsInt("USAGE_BUFFER_SIZE", 5000),
		UsageTimeoutSeconds:    getEnvAsInt("USAGE_TIMEOUT_SECONDS", 30),
		UsageArchiveEnabled:    getEnvOrDefault("USAGE_ARCHIVE_ENABLED", "true") == "true",
		UsageArchiveCron:       getEnvOrDefault("USAGE_ARCHIVE_CRON", "0 4 1 * *"),
		UsageArchiveMonthsBack: getEnvAsInt("USAGE_ARCHIVE_MONTHS_BACK", 3),

		// Email notifications
		EmailNotificationsEnabled: getEnvOrDefault("EMAIL_NOTIFICATIONS_ENABLED", "false") == "true",
		SMTPHost:                  getEnvOrDefault("SMTP_HOST", ""),
		SMTPPort:                  getEnvAsInt("SMTP_PORT", 587),
		SMTPUsername:              getEnvOrDefault("SMTP_USERNAME", ""),
		SMTPPassword:              getEnvOrDefault("SMTP_PASSWORD", ""),
		SMTPFrom:                  getEnvOrDefault("SMTP_FROM", ""),

		// Temporal
		TemporalEndpoint:  getEnvOrDefault("TEMPORAL_ENDPOINT", ""),
		TemporalNamespace: getEnvOrDefault("TEMPORAL_NAMESPACE", ""),
		TemporalAPIKey:    getEnvOrDefault("TEMPORAL_API_KEY", ""),

		// Database Connection Pool
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		// CORS
		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// Uploaded chat files land in an environment-suffixed bucket.
	cfg.ChatFilesBucket = BucketNameForEnvironment("chatfiles", environment)

	// Load the model catalog from a configuration file. Environment variables
	// stay authoritative for everything else; the file only carries structured
	// data that has no sane env representation (catalog, leaderboard).
	configFilePath := getEnvOrDefault("CONFIG_FILE", "config.yaml")
	log.Printf("Loading config file: %v", configFilePath)

	configFile, err := os.Open(configFilePath)
	defer func() {
		if configFile != nil {
			configFile.Close()
		}
	}()

	if err != nil {
		log.Fatalf("Failed to open config file: %v", err)
	}

	if err := LoadConfigFile(configFile, cfg); err != nil {
		log.Fatalf("Failed to load config file: %v", err)
	}

	// Validate required configs
	if cfg.ModelCatalog == nil {
		log.Fatal("Model catalog configuration is empty")
	}

	if cfg.InternalAPISharedToken == "" {
		if environment == "production" {
			log.Fatal("INTERNAL_API_SHARED_TOKEN must be set in production")
		}
		log.Println("Warning: INTERNAL_API_SHARED_TOKEN is empty; internal endpoints are unprotected")
	}

	if cfg.VaultURL == "" && cfg.VaultLocalMasterKey == "" {
		if environment == "production" {
			log.Fatal("Either VAULT_URL or VAULT_LOCAL_MASTER_KEY must be set in production")
		}
		log.Println("Warning: no Vault configured; key wrapping will fail")
	}

	if cfg.FirebaseProjectID == "" && cfg.ValidatorType == "firebase" {
		log.Println("Warning: Firebase project ID is missing. Please set FIREBASE_PROJECT_ID environment variable.")
	}

	if cfg.NatsURL == "" {
		log.Println("Warning: NATS_URL is empty; task queue runs in-process only")
	}

	if cfg.StripeSecretKey == "" || cfg.StripeWebhookSecret == "" {
		log.Println("Warning: Stripe credentials are missing; credit top-ups are disabled.")
	}

	log.Println("Environment:", environment)

	return cfg
}

// BucketNameForEnvironment appends the development suffix outside production.
func BucketNameForEnvironment(base, environment string) string {
	if environment == "production" {
		return base
	}
	return base + "-development"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int64, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as float, using default %f: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		return err
	}

	return nil
}
