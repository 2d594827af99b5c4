package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the immutable configuration passed into the orchestrator and
// every stage executor at construction. No component reads the environment
// after Load returns.
type Config struct {
	Environment string
	HTTPPort    string
	LogDir      string

	DatabaseURL     string
	ArtifactBaseURL string

	ConversionEndpoint string
	ConversionTimeout  time.Duration

	IntelligenceEndpoint string
	IntelligenceAPIKey   string
	IntelligenceTimeout  time.Duration

	OpenAIAPIKey      string
	EmbeddingEndpoint string
	EmbeddingModel    string
	EmbeddingDims     int
	EmbeddingBatch    int

	VisionEndpoint    string
	VisionModel       string
	VisionMaxTokens   int
	VisionTimeout     time.Duration
	VisionConcurrency int
	VisionDPI         int

	EnableVisionExtraction bool
	// VisionTenantOverrides flips vision extraction per tenant, e.g.
	// "acme:false,globex:true".
	VisionTenantOverrides map[string]bool

	ChunkStrategy string
	ChunkMaxChars int
	ChunkMinChars int
	ChunkOverlap  int
	// ChunkTenantStrategies selects a chunking strategy per tenant, e.g.
	// "acme:recursive".
	ChunkTenantStrategies map[string]string

	MaxStageAttempts int
	RetryBaseDelay   time.Duration
	QueueWorkers     int
	QueueDepth       int
}

var isTest bool

func init() {
	isTest = os.Getenv("GO_ENVIRONMENT") == "test"
	if !isTest {
		err := godotenv.Load()
		if err != nil {
			log.Println("Warning: Error loading .env file:", err)
		}
	}
}

func Load() Config {
	return Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		HTTPPort:    getEnv("HTTP_PORT", "8087"),
		LogDir:      getEnv("LOG_DIR", "logs"),

		DatabaseURL:     getEnv("DATABASE_URL", ""),
		ArtifactBaseURL: getEnv("ARTIFACT_BASE_URL", "file:///var/lib/docpipe/artifacts"),

		ConversionEndpoint: getEnv("CONVERSION_ENDPOINT", ""),
		ConversionTimeout:  getEnvAsDuration("CONVERSION_TIMEOUT", 120*time.Second),

		IntelligenceEndpoint: getEnv("INTELLIGENCE_ENDPOINT", ""),
		IntelligenceAPIKey:   getEnv("INTELLIGENCE_API_KEY", ""),
		IntelligenceTimeout:  getEnvAsDuration("INTELLIGENCE_TIMEOUT", 300*time.Second),

		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		EmbeddingEndpoint: getEnv("EMBEDDING_ENDPOINT", "https://api.openai.com/v1/embeddings"),
		EmbeddingModel:    getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDims:     getEnvAsInt("EMBEDDING_DIMENSIONS", 1536),
		EmbeddingBatch:    getEnvAsInt("EMBEDDING_BATCH_SIZE", 64),

		VisionEndpoint:    getEnv("VISION_ENDPOINT", "https://api.openai.com/v1/chat/completions"),
		VisionModel:       getEnv("VISION_MODEL", "gpt-4o"),
		VisionMaxTokens:   getEnvAsInt("VISION_MAX_TOKENS", 4096),
		VisionTimeout:     getEnvAsDuration("VISION_TIMEOUT", 120*time.Second),
		VisionConcurrency: getEnvAsInt("VISION_CONCURRENCY", 4),
		VisionDPI:         getEnvAsInt("VISION_DPI", 300),

		EnableVisionExtraction: getEnvAsBool("ENABLE_VISION_EXTRACTION", false),
		VisionTenantOverrides:  parseBoolMap(getEnv("VISION_TENANT_OVERRIDES", "")),

		ChunkStrategy:         getEnv("CHUNK_STRATEGY", "fixed_size"),
		ChunkMaxChars:         getEnvAsInt("CHUNK_MAX_CHARS", 2000),
		ChunkMinChars:         getEnvAsInt("CHUNK_MIN_CHARS", 200),
		ChunkOverlap:          getEnvAsInt("CHUNK_OVERLAP", 200),
		ChunkTenantStrategies: parseStringMap(getEnv("CHUNK_TENANT_STRATEGIES", "")),

		MaxStageAttempts: getEnvAsInt("MAX_STAGE_ATTEMPTS", 3),
		RetryBaseDelay:   getEnvAsDuration("RETRY_BASE_DELAY", 2*time.Second),
		QueueWorkers:     getEnvAsInt("QUEUE_WORKERS", 4),
		QueueDepth:       getEnvAsInt("QUEUE_DEPTH", 1024),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseBool(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if value, err := time.ParseDuration(strValue); err == nil {
		return value
	}
	return fallback
}

func parseBoolMap(raw string) map[string]bool {
	out := make(map[string]bool)
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 {
			continue
		}
		if value, err := strconv.ParseBool(parts[1]); err == nil {
			out[parts[0]] = value
		}
	}
	return out
}

func parseStringMap(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		out[parts[0]] = parts[1]
	}
	return out
}
