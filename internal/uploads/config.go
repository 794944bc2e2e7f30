// Package uploads is the isolated file-upload service. It runs as its own
// process with narrow outbound access: object storage under its own
// credentials, a local malware scanner, and the core's internal HTTP API.
// It never touches the main data store or the main Transit mount, so a
// compromise here cannot read stored chats or mint decryption capability.
package uploads

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/openmates/core/internal/config"
)

// Config is the upload service's environment. It deliberately shares no
// struct with the core config; the two processes have disjoint secrets.
type Config struct {
	Port        string
	Environment string

	// Core internal API.
	CoreAPIBaseURL string
	InternalToken  string

	// Object storage under the service's own credentials.
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3ForcePathStyle  bool
	UploadsBucket     string

	// Scanners.
	ClamdAddress   string
	DetectorURL    string
	DetectorAPIKey string

	// Admission limits.
	MaxUploadBytes int64
	ScanWorkers    int
	RequestTimeout time.Duration

	AllowedOrigins []string
}

// LoadConfig reads the environment once. Missing scanner or detector
// addresses degrade the corresponding step rather than failing startup;
// missing core API settings are fatal since nothing works without them.
func LoadConfig(log *logrus.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info("No .env file found, using environment variables")
	}

	environment := envOrDefault("SERVER_ENVIRONMENT", "development")
	cfg := &Config{
		Port:        envOrDefault("UPLOADS_PORT", "8081"),
		Environment: environment,

		CoreAPIBaseURL: os.Getenv("CORE_API_URL"),
		InternalToken:  os.Getenv("INTERNAL_API_SHARED_TOKEN"),

		S3Region:          envOrDefault("UPLOADS_S3_REGION", "us-east-1"),
		S3Endpoint:        os.Getenv("UPLOADS_S3_ENDPOINT"),
		S3AccessKeyID:     os.Getenv("UPLOADS_S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("UPLOADS_S3_SECRET_ACCESS_KEY"),
		S3ForcePathStyle:  envAsBool("UPLOADS_S3_FORCE_PATH_STYLE", false),
		UploadsBucket:     config.BucketNameForEnvironment("uploads", environment),

		ClamdAddress:   os.Getenv("CLAMD_ADDRESS"),
		DetectorURL:    os.Getenv("AI_DETECTOR_URL"),
		DetectorAPIKey: os.Getenv("AI_DETECTOR_API_KEY"),

		MaxUploadBytes: envAsInt64("MAX_UPLOAD_BYTES", 100<<20),
		ScanWorkers:    envAsInt("SCAN_WORKERS", 4),
		RequestTimeout: 30 * time.Second,

		AllowedOrigins: splitCSV(envOrDefault("ALLOWED_ORIGINS", "*")),
	}

	if cfg.CoreAPIBaseURL == "" {
		log.Warn("CORE_API_URL is not set, defaulting to http://localhost:8080")
		cfg.CoreAPIBaseURL = "http://localhost:8080"
	}
	if cfg.InternalToken == "" {
		if environment == "production" {
			log.Fatal("INTERNAL_API_SHARED_TOKEN is required in production")
		}
		log.Warn("INTERNAL_API_SHARED_TOKEN is not set, internal calls will be rejected")
	}
	if cfg.ClamdAddress == "" {
		log.Warn("CLAMD_ADDRESS is not set, malware scanning is disabled")
	}
	if cfg.DetectorURL == "" {
		log.Info("AI_DETECTOR_URL is not set, AI-generation detection is disabled")
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envAsInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envAsBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
