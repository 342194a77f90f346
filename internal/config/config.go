package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr       string
	CORSOrigin string
	// LLM Configuration
	LLMAPIKey      string
	LLMBaseURL     string
	LLMModel       string
	LLMTemperature float64
	LLMMaxTokens   int
	LLMTimeout     time.Duration
	LLMRatePerMin  int
	LLMRateBurst   int
	// Tutoring
	HistoryLimit    int
	DocContextChars int
	PDFMaxChars     int
	MaxUploadBytes  int64
	// Session persistence: Redis wins over Postgres, memory when neither is set
	RedisURL      string
	DatabaseURL   string
	MigrationsDir string
	HistoryDir    string
	// Search
	MeiliURL       string
	MeiliMasterKey string
	// Object storage for uploaded documents
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	// Layout
	LayoutNodeSep float64
	LayoutRankSep float64
}

func Load() Config {
	return Config{
		Addr:       getenv("API_ADDR", ":8787"),
		CORSOrigin: getenv("CORS_ORIGIN", "*"),
		// Gemini exposes an OpenAI-compatible surface, so any compatible host works here
		LLMAPIKey:      getenv("LLM_API_KEY", os.Getenv("GEMINI_API_KEY")),
		LLMBaseURL:     getenv("LLM_BASE_URL", "https://generativelanguage.googleapis.com/v1beta/openai/"),
		LLMModel:       getenv("LLM_MODEL", "gemini-2.0-flash"),
		LLMTemperature: getenvFloat("LLM_TEMPERATURE", 0.7),
		LLMMaxTokens:   getenvInt("LLM_MAX_TOKENS", 1024),
		LLMTimeout:     time.Duration(getenvInt("LLM_TIMEOUT_SECONDS", 60)) * time.Second,
		LLMRatePerMin:  getenvInt("LLM_RATE_PER_MINUTE", 30),
		LLMRateBurst:   getenvInt("LLM_RATE_BURST", 5),

		HistoryLimit:    getenvInt("CHAT_HISTORY_LIMIT", 20),
		DocContextChars: getenvInt("DOC_CONTEXT_CHARS", 12000),
		PDFMaxChars:     getenvInt("PDF_MAX_CHARS", 50000),
		MaxUploadBytes:  int64(getenvInt("UPLOAD_MAX_BYTES", 10<<20)),

		RedisURL:      getenv("REDIS_URL", ""),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		MigrationsDir: getenv("MIGRATIONS_DIR", "./db/migrations"),
		HistoryDir:    getenv("HISTORY_DIR", "./data/history"),

		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),

		MinioEndpoint:  getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getenv("MINIO_BUCKET", "mindtrail-uploads"),
		MinioUseSSL:    getenvBool("MINIO_USE_SSL", false),

		LayoutNodeSep: getenvFloat("LAYOUT_NODE_SEP", 50),
		LayoutRankSep: getenvFloat("LAYOUT_RANK_SEP", 100),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
