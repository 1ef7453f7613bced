package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file specified by ARBITER_ENV (or .env by default),
// then loads the corresponding .secret file if it exists.
// All config is flat env vars read via os.Getenv after loading.
func Load() error {
	envFile := os.Getenv("ARBITER_ENV")
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

// ClassifierProvider returns the configured classification backend.
// Defaults to "lexical" if not set.
// Valid values: openai, anthropic, lexical, mock
func ClassifierProvider() string {
	p := os.Getenv("CLASSIFIER_PROVIDER")
	if p == "" {
		return "lexical"
	}
	return p
}

// ClassifierAPIKey returns the API key for the configured classifier provider.
func ClassifierAPIKey() string {
	switch ClassifierProvider() {
	case "anthropic":
		return AnthropicAPIKey()
	case "lexical", "mock":
		return ""
	default:
		return OpenAIAPIKey()
	}
}

// EmbeddingProvider returns the configured embedding provider.
// Defaults to "mock" if not set.
// Valid values: openai, mock
func EmbeddingProvider() string {
	p := os.Getenv("EMBEDDING_PROVIDER")
	if p == "" {
		return "mock"
	}
	return p
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

// ReasoningServiceURL returns the base URL of the probabilistic reasoning
// service used for complex-domain analysis. Empty means no service is
// configured and complex sessions surface analysis_unavailable.
func ReasoningServiceURL() string {
	return os.Getenv("REASONING_SERVICE_URL")
}

// EscalationWebhookURL returns the webhook endpoint notified when a session
// is suspended for human review. Empty falls back to log-only notification.
func EscalationWebhookURL() string {
	return os.Getenv("ESCALATION_WEBHOOK_URL")
}

func RulesPath() string {
	p := os.Getenv("RULES_PATH")
	if p == "" {
		return "config/rules.yaml"
	}
	return p
}

// BaseCurrency returns the currency monetary thresholds are normalized to.
// Defaults to "USD".
func BaseCurrency() string {
	c := os.Getenv("BASE_CURRENCY")
	if c == "" {
		return "USD"
	}
	return strings.ToUpper(c)
}

// CurrencyRates parses CURRENCY_RATES, a comma-separated list of
// CODE=rate pairs where rate is units of the base currency per one unit
// of CODE (e.g. "EUR=1.08,JPY=0.0067").
func CurrencyRates() map[string]float64 {
	raw := os.Getenv("CURRENCY_RATES")
	if raw == "" {
		return nil
	}
	rates := make(map[string]float64)
	for _, pair := range strings.Split(raw, ",") {
		code, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		rate, err := strconv.ParseFloat(val, 64)
		if err != nil || rate <= 0 {
			continue
		}
		rates[strings.ToUpper(code)] = rate
	}
	return rates
}

// MaxReflections returns the per-session repair attempt budget.
// Defaults to 3 if not set.
func MaxReflections() int {
	n, err := strconv.Atoi(os.Getenv("MAX_REFLECTIONS"))
	if err != nil || n < 0 {
		return 3
	}
	return n
}

// EscalationTimeout returns how long a session may wait for a human
// decision before it transitions to pending_timeout.
// Defaults to 30 minutes.
func EscalationTimeout() time.Duration {
	d, err := time.ParseDuration(os.Getenv("ESCALATION_TIMEOUT"))
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

// EscalationTimeoutTerminates reports whether a timed-out escalation ends
// the session with escalation_timeout rather than waiting indefinitely.
// Defaults to true. A timed-out session is never auto-approved.
func EscalationTimeoutTerminates() bool {
	v := os.Getenv("ESCALATION_TIMEOUT_TERMINATES")
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return b
}

// ExternalConcurrency returns the worker-pool bound on concurrent calls to
// external services (classifier, reasoner, embeddings).
// Defaults to 16 if not set.
func ExternalConcurrency() int {
	n, err := strconv.Atoi(os.Getenv("EXTERNAL_CONCURRENCY"))
	if err != nil || n <= 0 {
		return 16
	}
	return n
}

// AuditRingCapacity returns the size of the in-memory audit ring buffer.
// Defaults to 1024 if not set.
func AuditRingCapacity() int {
	n, err := strconv.Atoi(os.Getenv("AUDIT_RING_CAPACITY"))
	if err != nil || n <= 0 {
		return 1024
	}
	return n
}

// PrecedentLimit returns how many similar past sessions are attached to an
// escalation summary. Defaults to 3 if not set.
func PrecedentLimit() int {
	n, err := strconv.Atoi(os.Getenv("PRECEDENT_LIMIT"))
	if err != nil || n <= 0 {
		return 3
	}
	return n
}

// RateLimitRPS returns requests per second limit.
// Defaults to 100 if not set.
func RateLimitRPS() float64 {
	rps, err := strconv.ParseFloat(os.Getenv("RATE_LIMIT_RPS"), 64)
	if err != nil || rps <= 0 {
		return 100
	}
	return rps
}

// RateLimitBurst returns the burst size for rate limiting.
// Defaults to 20 if not set.
func RateLimitBurst() int {
	burst, err := strconv.Atoi(os.Getenv("RATE_LIMIT_BURST"))
	if err != nil || burst <= 0 {
		return 20
	}
	return burst
}

// LogLevel returns the log level (debug, info, warn, error).
// Defaults to "info" if not set.
func LogLevel() string {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return "info"
	}
	return level
}
