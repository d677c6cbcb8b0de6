// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// State backends.
const (
	StateBackendMemory = "memory"
	StateBackendRedis  = "redis"
)

// Generator backends.
const (
	GeneratorNone   = "none"
	GeneratorOpenAI = "openai"
	GeneratorGRPC   = "grpc"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	State     StateConfig
	Pipeline  PipelineConfig
	RateLimit RateLimitConfig
	OpenAI    OpenAIConfig
	Generator GeneratorConfig

	TranscriptRetention time.Duration
	MaxRequestBody      int64
	TypingDelay         time.Duration
	AdminPasswordHash   string
	RecorderQueueSize   int
	ConversationLog     ConversationLogConfig
}

// StateConfig selects where conversation state lives.
type StateConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
}

// PipelineConfig tunes response selection and formatting.
type PipelineConfig struct {
	HistoryLimit          int
	CategoryWindow        int
	UnitSoftMax           int
	EmoteProbability      float64
	AffordanceProbability float64
	Seed                  uint64
	LexiconPath           string
}

// RateLimitConfig bounds chat requests per user.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// OpenAIConfig enables the generative fallback when APIKey is set.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Enabled reports whether the generative fallback is configured.
func (c OpenAIConfig) Enabled() bool {
	return c.APIKey != ""
}

// GeneratorConfig selects the generative fallback. Backend defaults to
// openai when an API key is set and none otherwise.
type GeneratorConfig struct {
	Backend   string
	ModelAddr string
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/kozy.db"),
		State: StateConfig{
			Backend:       strings.ToLower(getEnv("STATE_BACKEND", StateBackendMemory)),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			TTL:           getEnvDuration("STATE_TTL", 2*time.Hour),
		},
		Pipeline: PipelineConfig{
			HistoryLimit:          getEnvInt("HISTORY_LIMIT", 5),
			CategoryWindow:        getEnvInt("RECENT_CATEGORY_WINDOW", 2),
			UnitSoftMax:           getEnvInt("UNIT_SOFT_MAX", 130),
			EmoteProbability:      getEnvFloat("EMOTE_PROBABILITY", 0.3),
			AffordanceProbability: getEnvFloat("AFFORDANCE_PROBABILITY", 0.25),
			Seed:                  uint64(getEnvInt("PIPELINE_SEED", 0)),
			LexiconPath:           getEnv("LEXICON_PATH", ""),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		OpenAI: OpenAIConfig{
			APIKey:  getEnv("OPENAI_API_KEY", ""),
			Model:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			Timeout: getEnvDuration("GENERATOR_TIMEOUT", 8*time.Second),
		},
		Generator: GeneratorConfig{
			Backend:   strings.ToLower(getEnv("GENERATOR_BACKEND", "")),
			ModelAddr: getEnv("MODEL_ADDR", "localhost:50051"),
		},
		TranscriptRetention: getEnvDuration("TRANSCRIPT_RETENTION", 720*time.Hour),
		MaxRequestBody:      int64(getEnvInt("MAX_REQUEST_BODY", 64<<10)),
		TypingDelay:         getEnvDuration("TYPING_DELAY", 600*time.Millisecond),
		AdminPasswordHash:   getEnv("ADMIN_PASSWORD_HASH", ""),
		RecorderQueueSize:   getEnvInt("RECORDER_QUEUE_SIZE", 256),
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: queueSize,
		},
	}

	if cfg.Generator.Backend == "" {
		cfg.Generator.Backend = GeneratorNone
		if cfg.OpenAI.Enabled() {
			cfg.Generator.Backend = GeneratorOpenAI
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and in range.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.State.Backend {
	case StateBackendMemory:
	case StateBackendRedis:
		if c.State.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR cannot be empty with the redis state backend")
		}
	default:
		return fmt.Errorf("STATE_BACKEND %q is not one of memory, redis", c.State.Backend)
	}
	if c.State.TTL <= 0 {
		return fmt.Errorf("STATE_TTL must be > 0")
	}
	if w := c.Pipeline.CategoryWindow; w < 2 || w > 4 {
		return fmt.Errorf("RECENT_CATEGORY_WINDOW must be between 2 and 4, got %d", w)
	}
	if c.Pipeline.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be > 0")
	}
	if c.Pipeline.UnitSoftMax <= 0 {
		return fmt.Errorf("UNIT_SOFT_MAX must be > 0")
	}
	if p := c.Pipeline.EmoteProbability; p < 0 || p > 1 {
		return fmt.Errorf("EMOTE_PROBABILITY must be within [0,1], got %v", p)
	}
	if p := c.Pipeline.AffordanceProbability; p < 0 || p > 1 {
		return fmt.Errorf("AFFORDANCE_PROBABILITY must be within [0,1], got %v", p)
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.MaxRequestBody <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY must be > 0")
	}
	if c.TranscriptRetention < 0 {
		return fmt.Errorf("TRANSCRIPT_RETENTION cannot be negative")
	}
	if c.RecorderQueueSize <= 0 {
		return fmt.Errorf("RECORDER_QUEUE_SIZE must be > 0")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	switch c.Generator.Backend {
	case GeneratorNone, "":
	case GeneratorOpenAI:
		if !c.OpenAI.Enabled() {
			return fmt.Errorf("OPENAI_API_KEY is required with the openai generator backend")
		}
	case GeneratorGRPC:
		if c.Generator.ModelAddr == "" {
			return fmt.Errorf("MODEL_ADDR cannot be empty with the grpc generator backend")
		}
	default:
		return fmt.Errorf("GENERATOR_BACKEND %q is not one of none, openai, grpc", c.Generator.Backend)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the frontend.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	var out []string
	for _, o := range strings.Split(c.FrontendURL, ",") {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
