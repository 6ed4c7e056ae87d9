package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/local/combinepdf/internal/imagepdf"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port           string
	RunDispatcher  bool
	MaxRequestBody int64
}

// WorkerConfig defines worker behavior and limits.
type WorkerConfig struct {
	Concurrency    int
	JobTimeout     time.Duration
	JobMaxAttempts int
	RetryBaseDelay time.Duration
	DequeueTimeout time.Duration
}

// QueueConfig defines queue connectivity and names.
type QueueConfig struct {
	RedisURL     string
	Stream       string
	Group        string
	PollInterval time.Duration
	StatusTTL    time.Duration
}

// StorageConfig locates inputs and outputs.
type StorageConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	ResultDir       string
	InputDir        string
	TempDir         string
	FetchTimeout    time.Duration
	MaxFetchBytes   int64
}

// RenderConfig holds the defaults for generated image and blank pages.
type RenderConfig struct {
	Landscape    bool
	Margin       float64
	StretchSmall bool
}

// Config is the top-level configuration.
type Config struct {
	Logging LoggingConfig
	Axiom   AxiomConfig
	Server  ServerConfig
	Worker  WorkerConfig
	Queue   QueueConfig
	Storage StorageConfig
	Render  RenderConfig
}

// Load reads .env files (ENV_FILE, then .env) and returns FromEnv.
// Variables already present in the environment win over file values.
func Load() Config {
	LoadDotEnv()
	return FromEnv()
}

// LoadDotEnv loads ENV_FILE and ./.env when present.
func LoadDotEnv() {
	files := []string{}
	if f := os.Getenv("ENV_FILE"); f != "" {
		files = append(files, f)
	}
	files = append(files, ".env")
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			log.Warn().Err(err).Str("file", f).Msg("failed to load env file")
		}
	}
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/combinepdf.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_combinepdf",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	cfg.Server = ServerConfig{
		Port:           getEnv("PORT", "8080"),
		RunDispatcher:  parseBool(getEnv("RUN_DISPATCHER", "true")),
		MaxRequestBody: int64(parseInt(getEnv("MAX_REQUEST_BODY", "1048576"), 1<<20)),
	}

	cfg.Worker = WorkerConfig{
		Concurrency:    parseInt(getEnv("WORKER_CONCURRENCY", "4"), 4),
		JobTimeout:     parseDuration(getEnv("JOB_TIMEOUT", "5m"), 5*time.Minute),
		JobMaxAttempts: parseInt(getEnv("JOB_MAX_ATTEMPTS", "3"), 3),
		RetryBaseDelay: parseDuration(getEnv("RETRY_BASE_DELAY", "2s"), 2*time.Second),
		DequeueTimeout: parseDuration(getEnv("DEQUEUE_TIMEOUT", "2s"), 2*time.Second),
	}

	cfg.Queue = QueueConfig{
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379"),
		Stream:       getEnv("QUEUE_STREAM", "jobs:combine"),
		Group:        getEnv("QUEUE_GROUP", "workers:combine"),
		PollInterval: parseDuration(getEnv("QUEUE_POLL_INTERVAL", "200ms"), 200*time.Millisecond),
		StatusTTL:    parseDuration(getEnv("STATUS_TTL", "168h"), 7*24*time.Hour),
	}

	cfg.Storage = StorageConfig{
		Bucket:          getEnv("AWS_S3_BUCKET", ""),
		Region:          getEnv("AWS_REGION", ""),
		Endpoint:        getEnv("S3_ENDPOINT", ""),
		AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		UsePathStyle:    parseBool(getEnv("S3_USE_PATH_STYLE", "false")),
		ResultDir:       getEnv("RESULT_DIR", "results"),
		InputDir:        getEnv("INPUT_DIR", "inputs"),
		TempDir:         getEnv("TEMP_DIR", os.TempDir()),
		FetchTimeout:    parseDuration(getEnv("FETCH_TIMEOUT", "60s"), 60*time.Second),
		MaxFetchBytes:   int64(parseInt(getEnv("MAX_FETCH_MB", "200"), 200)) << 20,
	}

	cfg.Render = RenderConfig{
		Landscape:    parseBool(getEnv("PAGE_LANDSCAPE", "false")),
		Margin:       parseFloat(getEnv("PAGE_MARGIN", "0"), 0),
		StretchSmall: parseBool(getEnv("STRETCH_SMALL", "false")),
	}
	if err := imagepdf.CheckMargin(imagepdf.A4(cfg.Render.Landscape), cfg.Render.Margin); err != nil {
		log.Warn().Err(err).Msg("ignoring PAGE_MARGIN")
		cfg.Render.Margin = 0
	}

	return cfg
}

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseFloat(s string, def float64) float64 {
	if s == "" {
		return def
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
