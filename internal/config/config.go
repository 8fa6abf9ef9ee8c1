package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice orchestrator.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	AllowAnyOrigin           bool

	TTSProviders string

	ElevenLabsAPIKey       string
	ElevenLabsBaseURL      string
	ElevenLabsTTSModel     string
	ElevenLabsOutputFormat string

	OpenAITTSAPIKey  string
	OpenAITTSBaseURL string
	OpenAITTSModel   string

	DeepgramAPIKey  string
	DeepgramBaseURL string
	DeepgramModel   string

	ProsodyURL string

	BrainAdapterMode string
	BrainHTTPURL     string

	RealtimeAPIKey string
	RealtimeURL    string
	RealtimeModel  string

	DatabaseURL string

	// ThresholdOverrides remaps latency budgets per operation, parsed
	// from APP_LATENCY_BUDGETS ("op=duration,op=duration").
	ThresholdOverrides map[string]time.Duration

	PerfWindowSize int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:               envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:       envOrDefault("APP_METRICS_NAMESPACE", "anima"),
		TTSProviders:           envOrDefault("TTS_PROVIDERS", "auto"),
		ElevenLabsBaseURL:      envOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsTTSModel:     envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_multilingual_v2"),
		ElevenLabsOutputFormat: envOrDefault("ELEVENLABS_TTS_OUTPUT_FORMAT", "mp3_44100_128"),
		OpenAITTSBaseURL:       envOrDefault("OPENAI_TTS_BASE_URL", "https://api.openai.com"),
		OpenAITTSModel:         envOrDefault("OPENAI_TTS_MODEL", "gpt-4o-mini-tts"),
		DeepgramBaseURL:        envOrDefault("DEEPGRAM_BASE_URL", "https://api.deepgram.com"),
		DeepgramModel:          envOrDefault("DEEPGRAM_TTS_MODEL", "aura-asteria-en"),
		BrainAdapterMode:       envOrDefault("BRAIN_ADAPTER_MODE", "auto"),
		RealtimeURL:            envOrDefault("REALTIME_URL", "https://api.openai.com/v1/realtime"),
		RealtimeModel:          envOrDefault("REALTIME_MODEL", "gpt-4o-realtime-preview"),
		ElevenLabsAPIKey:       envTrimmed("ELEVENLABS_API_KEY"),
		OpenAITTSAPIKey:        envTrimmed("OPENAI_API_KEY"),
		DeepgramAPIKey:         envTrimmed("DEEPGRAM_API_KEY"),
		ProsodyURL:             envTrimmed("PROSODY_URL"),
		BrainHTTPURL:           envTrimmed("BRAIN_HTTP_URL"),
		RealtimeAPIKey:         envTrimmed("REALTIME_API_KEY"),
		DatabaseURL:            envTrimmed("DATABASE_URL"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		PerfWindowSize:           512,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.PerfWindowSize, err = intFromEnv("APP_PERF_WINDOW_SIZE", cfg.PerfWindowSize)
	if err != nil {
		return Config{}, err
	}
	cfg.ThresholdOverrides, err = budgetsFromEnv("APP_LATENCY_BUDGETS")
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.PerfWindowSize <= 0 {
		return Config{}, fmt.Errorf("APP_PERF_WINDOW_SIZE must be positive")
	}

	return cfg, nil
}

// ProviderOrder resolves the configured provider chain. "auto" picks
// every provider that has credentials, in priority order.
func (c Config) ProviderOrder() []string {
	raw := strings.ToLower(strings.TrimSpace(c.TTSProviders))
	if raw == "" || raw == "auto" {
		var order []string
		if c.ElevenLabsAPIKey != "" {
			order = append(order, "elevenlabs")
		}
		if c.OpenAITTSAPIKey != "" {
			order = append(order, "openai")
		}
		if c.DeepgramAPIKey != "" {
			order = append(order, "deepgram")
		}
		if len(order) == 0 {
			order = append(order, "mock")
		}
		return order
	}

	seen := map[string]bool{}
	var order []string
	for _, part := range strings.Split(raw, ",") {
		name := strings.TrimSpace(part)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		order = append(order, name)
	}
	return order
}

func budgetsFromEnv(key string) (map[string]time.Duration, error) {
	raw := envTrimmed(key)
	if raw == "" {
		return nil, nil
	}
	out := map[string]time.Duration{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		op, val, ok := strings.Cut(part, "=")
		op = strings.TrimSpace(op)
		if !ok || op == "" {
			return nil, fmt.Errorf("%s parse error: expected op=duration, got %q", key, part)
		}
		d, err := time.ParseDuration(strings.TrimSpace(val))
		if err != nil {
			return nil, fmt.Errorf("%s parse error for %q: %w", key, op, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("%s budget for %q must be positive", key, op)
		}
		out[op] = d
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// BudgetSummary renders the overrides in stable order for startup logs.
func (c Config) BudgetSummary() string {
	if len(c.ThresholdOverrides) == 0 {
		return "defaults"
	}
	ops := make([]string, 0, len(c.ThresholdOverrides))
	for op := range c.ThresholdOverrides {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	parts := make([]string, 0, len(ops))
	for _, op := range ops {
		parts = append(parts, fmt.Sprintf("%s=%s", op, c.ThresholdOverrides[op]))
	}
	return strings.Join(parts, ",")
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
