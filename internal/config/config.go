// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port         string
	FrontendURL  string
	DBPath       string
	StagesPath   string
	PersonasPath string
	ProblemsPath string

	LLM             LLMConfig
	Turn            TurnConfig
	Typing          TypingConfig
	Stream          StreamConfig
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
}

// LLMConfig configures the model backend.
type LLMConfig struct {
	APIKey      string
	Model       string
	Temperature float32
	RPS         float64 // shared across every model call
	Burst       int
}

// TurnConfig tunes the turn pipeline.
type TurnConfig struct {
	Debounce      time.Duration
	FollowUpPause time.Duration
	Timeout       time.Duration
	Lambda        float64
	JitterSeed    uint64
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

// TypingConfig bounds the simulated typing delay.
type TypingConfig struct {
	Min time.Duration
	Max time.Duration
}

// StreamConfig controls the SSE and websocket streams.
type StreamConfig struct {
	RetryDelay         time.Duration
	KeepaliveInterval  time.Duration
	ReplaySize         int
	ClientBuffer       int
	MaxRequestBodySize int64
}

// RateLimitConfig limits message posting per client.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// ConversationLogConfig controls NDJSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		FrontendURL:  getEnv("FRONTEND_URL", ""),
		DBPath:       getEnv("DB_PATH", "./data/classroom.db"),
		StagesPath:   getEnv("STAGES_PATH", "./config/stages.yaml"),
		PersonasPath: getEnv("PERSONAS_PATH", "./config/personas.yaml"),
		ProblemsPath: getEnv("PROBLEMS_PATH", "./config/problems.yaml"),
		LLM: LLMConfig{
			APIKey:      getEnv("GOOGLE_API_KEY", ""),
			Model:       getEnv("LLM_MODEL", "gemini-2.0-flash"),
			Temperature: float32(getEnvFloat("LLM_TEMPERATURE", 0.7)),
			RPS:         getEnvFloat("LLM_RPS", 5),
			Burst:       getEnvInt("LLM_BURST", 10),
		},
		Turn: TurnConfig{
			Debounce:      getEnvDuration("TURN_DEBOUNCE", 2*time.Second),
			FollowUpPause: getEnvDuration("TURN_FOLLOW_UP_PAUSE", 1500*time.Millisecond),
			Timeout:       getEnvDuration("TURN_TIMEOUT", 2*time.Minute),
			Lambda:        getEnvFloat("ARBITER_LAMBDA", 0.5),
			JitterSeed:    uint64(getEnvInt("ARBITER_SEED", 0)),
			IdleTTL:       getEnvDuration("SESSION_IDLE_TTL", 30*time.Minute),
			SweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		},
		Typing: TypingConfig{
			Min: getEnvDuration("TYPING_MIN_DELAY", 500*time.Millisecond),
			Max: getEnvDuration("TYPING_MAX_DELAY", 5*time.Second),
		},
		Stream: StreamConfig{
			RetryDelay:         getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			ReplaySize:         getEnvInt("SSE_REPLAY_SIZE", 100),
			ClientBuffer:       getEnvInt("STREAM_CLIENT_BUFFER", 64),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		},
		RateLimit: RateLimitConfig{
			RPS:   getEnvFloat("RATE_LIMIT_RPS", 1),
			Burst: getEnvInt("RATE_LIMIT_BURST", 5),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
// The API key is checked by the serve command, not here, so offline
// commands can load the rest.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	if c.StagesPath == "" || c.PersonasPath == "" || c.ProblemsPath == "" {
		return errors.New("STAGES_PATH, PERSONAS_PATH and PROBLEMS_PATH cannot be empty")
	}
	if c.Turn.Lambda < 0 || c.Turn.Lambda > 1 {
		return fmt.Errorf("ARBITER_LAMBDA must be within [0, 1], got %v", c.Turn.Lambda)
	}
	if c.Turn.Debounce < 0 || c.Turn.FollowUpPause < 0 {
		return errors.New("TURN_DEBOUNCE and TURN_FOLLOW_UP_PAUSE must not be negative")
	}
	if c.Turn.Timeout <= 0 {
		return errors.New("TURN_TIMEOUT must be > 0")
	}
	if c.Typing.Min < 0 || c.Typing.Max < c.Typing.Min {
		return fmt.Errorf("typing delay bounds invalid: min %s, max %s", c.Typing.Min, c.Typing.Max)
	}
	if c.LLM.RPS <= 0 || c.LLM.Burst <= 0 {
		return errors.New("LLM_RPS and LLM_BURST must be > 0")
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		return errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be > 0")
	}
	if c.Stream.ReplaySize <= 0 || c.Stream.ClientBuffer <= 0 {
		return errors.New("SSE_REPLAY_SIZE and STREAM_CLIENT_BUFFER must be > 0")
	}
	if c.Stream.MaxRequestBodySize <= 0 {
		return errors.New("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return errors.New("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return errors.New("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the origins permitted for CORS and websockets.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	origins := []string{}
	for _, o := range strings.Split(c.FrontendURL, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
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

// getEnvDuration accepts Go duration strings ("1500ms") or plain seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}
