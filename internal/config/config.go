package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file specified by KNACK_ENV (or .env by default),
// then loads the corresponding .secret file if it exists.
// All config is flat env vars read via os.Getenv after loading.
func Load() error {
	envFile := os.Getenv("KNACK_ENV")
	if envFile == "" {
		envFile = ".env"
	}

	// Load main env file (ignore error if file doesn't exist)
	_ = godotenv.Load(envFile)

	// Load secret sidecar if it exists
	_ = godotenv.Load(envFile + ".secret")

	return nil
}

func ServerPort() int {
	port, err := strconv.Atoi(os.Getenv("SERVER_PORT"))
	if err != nil {
		return 8080
	}
	return port
}

func ServerAddr() string {
	return fmt.Sprintf(":%d", ServerPort())
}

func DatabaseURL() string {
	return os.Getenv("DATABASE_URL")
}

func OpenAIAPIKey() string {
	return os.Getenv("OPENAI_API_KEY")
}

func AnthropicAPIKey() string {
	return os.Getenv("ANTHROPIC_API_KEY")
}

// LLMProvider returns the configured LLM provider.
// Valid values: openai, anthropic, mock. Defaults to "openai".
func LLMProvider() string {
	p := os.Getenv("LLM_PROVIDER")
	if p == "" {
		return "openai"
	}
	return p
}

// EmbeddingProvider returns the configured embedding provider.
// Valid values: openai, mock. Defaults to "openai".
func EmbeddingProvider() string {
	p := os.Getenv("EMBEDDING_PROVIDER")
	if p == "" {
		return "openai"
	}
	return p
}

// LLMAPIKey returns the API key for the configured LLM provider.
func LLMAPIKey() string {
	switch LLMProvider() {
	case "anthropic":
		return AnthropicAPIKey()
	case "mock":
		return ""
	default:
		return OpenAIAPIKey()
	}
}

// EmbeddingAPIKey returns the API key for the configured embedding provider.
func EmbeddingAPIKey() string {
	switch EmbeddingProvider() {
	case "mock":
		return ""
	default:
		return OpenAIAPIKey()
	}
}

// EmbeddingDim returns the embedding dimension fixed for this deployment.
func EmbeddingDim() int {
	d, err := strconv.Atoi(os.Getenv("EMBEDDING_DIM"))
	if err != nil || d <= 0 {
		return 1536
	}
	return d
}

// UseBrowser enables the real go-rod browser tool adapter.
func UseBrowser() bool {
	return boolEnv("USE_BROWSER", false)
}

// UseFormDetector enables the external form-pattern detection collaborator.
func UseFormDetector() bool {
	return boolEnv("USE_FORM_DETECTOR", false)
}

// FormReuseMinScore is the minimum same-domain form pattern match score.
func FormReuseMinScore() float64 {
	return floatEnv("FORM_REUSE_MIN_SCORE", 2.0)
}

// WMReinforceDelta is the working-memory reinforcement increment.
func WMReinforceDelta() float64 {
	return floatEnv("WM_REINFORCE_DELTA", 1.0)
}

// WMMaxWeight is the working-memory activation saturation ceiling.
func WMMaxWeight() float64 {
	return floatEnv("WM_MAX_WEIGHT", 100.0)
}

// AsyncReplication enables the working-memory persistence worker.
func AsyncReplication() bool {
	return boolEnv("ASYNC_REPLICATION", false)
}

// SkipLLMForObviousIntents enables the deterministic-parser short circuit.
func SkipLLMForObviousIntents() bool {
	return boolEnv("SKIP_LLM_FOR_OBVIOUS_INTENTS", true)
}

// PlanMinConfidence is the confidence gate before executing an LLM plan.
func PlanMinConfidence() float64 {
	return floatEnv("PLAN_MIN_CONFIDENCE", 0.9)
}

// ReuseThreshold is the similarity at which a stored procedure replaces
// LLM planning.
func ReuseThreshold() float64 {
	return floatEnv("REUSE_THRESHOLD", 0.8)
}

// MaxAdaptAttempts is the per-step adaptation ceiling.
func MaxAdaptAttempts() int {
	n, err := strconv.Atoi(os.Getenv("MAX_ADAPT_ATTEMPTS"))
	if err != nil || n <= 0 {
		return 3
	}
	return n
}

// LLMTimeout bounds a single chat call.
func LLMTimeout() time.Duration {
	return durationEnv("LLM_TIMEOUT_SECONDS", 60*time.Second)
}

// ToolTimeout bounds a single tool call.
func ToolTimeout() time.Duration {
	return durationEnv("TOOL_TIMEOUT_SECONDS", 30*time.Second)
}

// RequestTimeout bounds a whole chat request.
func RequestTimeout() time.Duration {
	return durationEnv("REQUEST_TIMEOUT_SECONDS", 5*time.Minute)
}

// SchedulerTick is the scheduler evaluation interval.
func SchedulerTick() time.Duration {
	return durationEnv("SCHEDULER_TICK_SECONDS", time.Second)
}

// RateLimitRPS returns requests per second limit. Defaults to 100.
func RateLimitRPS() float64 {
	return floatEnv("RATE_LIMIT_RPS", 100)
}

// RateLimitBurst returns the burst size for rate limiting. Defaults to 20.
func RateLimitBurst() int {
	burst, err := strconv.Atoi(os.Getenv("RATE_LIMIT_BURST"))
	if err != nil || burst <= 0 {
		return 20
	}
	return burst
}

// LogLevel returns the log level (debug, info, warn, error). Defaults to "info".
func LogLevel() string {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return "info"
	}
	return level
}

func boolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func floatEnv(key string, def float64) float64 {
	f, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return def
	}
	return f
}

func durationEnv(key string, def time.Duration) time.Duration {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}
