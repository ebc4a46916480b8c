package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the flow engine service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Path to the flow definition JSON loaded at startup
	FlowPath string `envconfig:"FLOW_PATH" required:"true"`

	// OpenAI configuration (language understanding/generation)
	OpenAIAPIKey string `envconfig:"OPENAI_API_KEY" required:"true"`
	OpenAIModel  string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`

	// Deepgram STT API configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`  // Language code (en, es, fr, etc.)

	// Cartesia TTS API configuration
	CartesiaAPIKey  string `envconfig:"CARTESIA_API_KEY" required:"true"`
	CartesiaVoiceID string `envconfig:"CARTESIA_VOICE_ID" default:"sonic-english"` // Voice ID for Cartesia
	CartesiaModelID string `envconfig:"CARTESIA_MODEL_ID" default:"sonic"`         // Model ID (sonic, etc.)

	// Detector defaults, used when the flow's global_settings omit them
	SilenceThresholdMs  int     `envconfig:"SILENCE_THRESHOLD_MS" default:"500"`   // Silence duration that ends an utterance
	MinSpeechDurationMs int     `envconfig:"MIN_SPEECH_DURATION_MS" default:"250"` // Shorter speech is discarded as noise
	AllowInterruptions  bool    `envconfig:"ALLOW_INTERRUPTIONS" default:"true"`   // Whether barge-in cancels synthesis
	VADEnergyThreshold  float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS threshold for unlabelled frames

	// External call timeouts (seconds)
	TranscribeTimeout int `envconfig:"TRANSCRIBE_TIMEOUT" default:"10"`
	LLMTimeout        int `envconfig:"LLM_TIMEOUT" default:"15"`
	SynthesizeTimeout int `envconfig:"SYNTHESIZE_TIMEOUT" default:"20"`
	FunctionTimeout   int `envconfig:"FUNCTION_TIMEOUT" default:"15"`

	// Audio output pacing
	AudioBufferSize int `envconfig:"AUDIO_BUFFER_SIZE" default:"8192"` // Ring buffer size in bytes

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Validate required fields
	if cfg.FlowPath == "" {
		return nil, fmt.Errorf("FLOW_PATH is required")
	}
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if cfg.DeepgramAPIKey == "" {
		return nil, fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if cfg.CartesiaAPIKey == "" {
		return nil, fmt.Errorf("CARTESIA_API_KEY is required")
	}

	return &cfg, nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
