package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort         string
	ServerHost         string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	MaxRequestBody     int64
	CORSAllowedOrigins []string
	RateLimitRequests  int
	RateLimitWindow    time.Duration

	// Artifacts
	DataDir            string
	ModelDir           string
	PatientDatasetFile string
	ReportFile         string
	GPModelName        string
	QuizModelName      string
	TerminologyPath    string

	// Database
	DatabaseEnabled  bool
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	CacheEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	// Kafka
	KafkaEnabled bool
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// SMTP
	SMTPHost       string
	SMTPPort       int
	SMTPUser       string
	SMTPPassword   string
	SMTPFrom       string
	SMTPFromName   string
	SMTPUseTLS     bool
	SMTPTimeout    time.Duration
	OAuthClientID  string
	OAuthSecret    string
	OAuthRefresh   string
	OAuthTokenURL  string
	OverdueDays    int
	BookingURL     string
	BreakerTrips   uint32
	BreakerTimeout time.Duration

	// Name source for synthetic datasets
	GeminiAPIKey  string
	GeminiModel   string
	GeminiBaseURL string
}

func Load() *Config {
	return &Config{
		ServerPort:         getEnv("SERVER_PORT", "5000"),
		ServerHost:         getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:        getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:       getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody:     int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 1024*1024)),
		CORSAllowedOrigins: getStringSliceEnv("CORS_ALLOWED_ORIGINS", []string{"*"}),
		RateLimitRequests:  getIntEnv("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:    getDuration("RATE_LIMIT_WINDOW", time.Minute),

		DataDir:            getEnv("DATA_DIR", "datasets"),
		ModelDir:           getEnv("MODEL_DIR", "models"),
		PatientDatasetFile: getEnv("PATIENT_DATASET_FILE", "leeds_gp_dataset.csv"),
		ReportFile:         getEnv("REPORT_FILE", "flagged_patients_report.csv"),
		GPModelName:        getEnv("GP_MODEL_NAME", "breast_cancer_model"),
		QuizModelName:      getEnv("QUIZ_MODEL_NAME", "quiz_risk_model"),
		TerminologyPath:    getEnv("TERMINOLOGY_PATH", ""),

		DatabaseEnabled:  getBoolEnv("DATABASE_ENABLED", false),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "viva"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "viva123"),
		PostgresDB:       getEnv("POSTGRES_DB", "screening"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		CacheEnabled:  getBoolEnv("CACHE_ENABLED", false),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
		CacheTTL:      getDuration("CACHE_TTL", 5*time.Minute),

		KafkaEnabled: getBoolEnv("KAFKA_ENABLED", false),
		KafkaBrokers: getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "screening.flagged"),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "screening-notifier"),

		SMTPHost:       getEnv("SMTP_HOST", "smtp.gmail.com"),
		SMTPPort:       getIntEnv("SMTP_PORT", 587),
		SMTPUser:       getEnv("SMTP_USER", os.Getenv("SENDER_EMAIL")),
		SMTPPassword:   getEnv("SMTP_PASSWORD", os.Getenv("EMAIL_PASS")),
		SMTPFrom:       getEnv("SENDER_EMAIL", ""),
		SMTPFromName:   getEnv("SENDER_NAME", "Viva Clinical Team"),
		SMTPUseTLS:     getBoolEnv("SMTP_USE_TLS", true),
		SMTPTimeout:    getDuration("SMTP_TIMEOUT", 30*time.Second),
		OAuthClientID:  getEnv("SMTP_OAUTH_CLIENT_ID", ""),
		OAuthSecret:    getEnv("SMTP_OAUTH_CLIENT_SECRET", ""),
		OAuthRefresh:   getEnv("SMTP_OAUTH_REFRESH_TOKEN", ""),
		OAuthTokenURL:  getEnv("SMTP_OAUTH_TOKEN_URL", "https://oauth2.googleapis.com/token"),
		OverdueDays:    getIntEnv("OVERDUE_DAYS", 270),
		BookingURL:     getEnv("BOOKING_URL", "https://www.nhs.uk/nhs-services/gps/gp-appointments-and-bookings/"),
		BreakerTrips:   uint32(getIntEnv("SMTP_BREAKER_FAILURES", 3)),
		BreakerTimeout: getDuration("SMTP_BREAKER_TIMEOUT", time.Minute),

		GeminiAPIKey:  getEnv("GEMINI_API_KEY", ""),
		GeminiModel:   getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		GeminiBaseURL: getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
	}
}

func (c *Config) PatientDatasetPath() string {
	return filepath.Join(c.DataDir, c.PatientDatasetFile)
}

func (c *Config) ReportPath() string {
	return filepath.Join(c.DataDir, c.ReportFile)
}

// DatasetPath resolves a file name inside the data directory.
func (c *Config) DatasetPath(name string) string {
	return filepath.Join(c.DataDir, name)
}

func (c *Config) GPModelPath() string {
	return filepath.Join(c.ModelDir, c.GPModelName+".json")
}

func (c *Config) QuizModelPath() string {
	return filepath.Join(c.ModelDir, c.QuizModelName+".json")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
