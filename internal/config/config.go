// Package config loads process configuration from the environment,
// with an optional .env file and a supplementary YAML overrides file
// for tunables that operators want to change without a redeploy.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// RunMode selects how updates are received from the transport.
type RunMode string

const (
	RunModeWebhook RunMode = "webhook"
	RunModePolling RunMode = "polling"
)

// Config is the fully-resolved process configuration.
type Config struct {
	Env string // "production" | "development"

	DBPath string

	RunMode       RunMode
	TransportToken  string
	WebhookSecret   string
	WebhookBaseURL  string
	AdminToken      string // signing key for /internal/replay-update bearer JWTs

	PrimaryModel      string
	FallbackModel     string
	TopicNamingModel  string
	AnthropicAPIKey   string
	OpenAIAPIKey      string
	GoogleAIAPIKey    string

	RateLimit RateLimitConfig

	StreamingDraftsEnabled bool
	TopicAutoCreateEnabled bool
	ApprovalUXEnabled      bool

	HTTPAddr string
}

// RateLimitConfig holds the C4 knobs (spec.md §6).
type RateLimitConfig struct {
	BurstWindow        time.Duration // window for the burst counter
	MinuteWindow       time.Duration // always 1 minute; kept explicit for tests
	ChatMinuteMax      int
	FreeBurstMax       int
	FreeMinuteMax      int
	FreeDailyMax       int
	TrustedMultiplier  int
	NoticeCooldown     time.Duration
	TrustedUserIDs     []string
}

func defaultConfig() Config {
	return Config{
		Env:      "development",
		DBPath:   "botcore.db",
		RunMode:  RunModeWebhook,
		HTTPAddr: ":8080",
		RateLimit: RateLimitConfig{
			BurstWindow:       10 * time.Second,
			MinuteWindow:      time.Minute,
			ChatMinuteMax:     20,
			FreeBurstMax:      3,
			FreeMinuteMax:     20,
			FreeDailyMax:      300,
			TrustedMultiplier: 5,
			NoticeCooldown:    20 * time.Second,
		},
		StreamingDraftsEnabled: true,
		TopicAutoCreateEnabled: false,
		ApprovalUXEnabled:      true,
	}
}

// Load reads .env (if present), then the process environment, then an
// optional YAML overrides file (path from BOTCORE_CONFIG_FILE), in that
// order of increasing precedence for the tunables the YAML file covers.
func Load() (Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	cfg := defaultConfig()

	if v := os.Getenv("BOTCORE_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("BOTCORE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("BOTCORE_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("BOTCORE_RUN_MODE"); v != "" {
		cfg.RunMode = RunMode(v)
	}
	cfg.TransportToken = os.Getenv("BOTCORE_TRANSPORT_TOKEN")
	cfg.WebhookSecret = os.Getenv("BOTCORE_WEBHOOK_SECRET")
	cfg.WebhookBaseURL = os.Getenv("BOTCORE_WEBHOOK_BASE_URL")
	cfg.AdminToken = os.Getenv("BOTCORE_ADMIN_TOKEN")

	cfg.PrimaryModel = getOr("BOTCORE_MODEL_PRIMARY", "claude-sonnet-4-5")
	cfg.FallbackModel = os.Getenv("BOTCORE_MODEL_FALLBACK")
	cfg.TopicNamingModel = os.Getenv("BOTCORE_MODEL_TOPIC_NAMING")
	cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.GoogleAIAPIKey = os.Getenv("GOOGLE_AI_API_KEY")

	if v := os.Getenv("BOTCORE_TRUSTED_USER_IDS"); v != "" {
		cfg.RateLimit.TrustedUserIDs = strings.Split(v, ",")
	}
	if v, ok := getInt("BOTCORE_CHAT_MINUTE_MAX"); ok {
		cfg.RateLimit.ChatMinuteMax = v
	}
	if v, ok := getInt("BOTCORE_FREE_BURST_MAX"); ok {
		cfg.RateLimit.FreeBurstMax = v
	}
	if v, ok := getInt("BOTCORE_FREE_MINUTE_MAX"); ok {
		cfg.RateLimit.FreeMinuteMax = v
	}
	if v, ok := getInt("BOTCORE_FREE_DAILY_MAX"); ok {
		cfg.RateLimit.FreeDailyMax = v
	}
	if v, ok := getInt("BOTCORE_TRUSTED_MULTIPLIER"); ok {
		cfg.RateLimit.TrustedMultiplier = v
	}
	if v := os.Getenv("BOTCORE_STREAMING_DRAFTS"); v != "" {
		cfg.StreamingDraftsEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("BOTCORE_TOPIC_AUTO_CREATE"); v != "" {
		cfg.TopicAutoCreateEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("BOTCORE_APPROVAL_UX"); v != "" {
		cfg.ApprovalUXEnabled = v == "true" || v == "1"
	}

	if path := os.Getenv("BOTCORE_CONFIG_FILE"); path != "" {
		if err := applyYAMLOverrides(&cfg, path); err != nil {
			return cfg, fmt.Errorf("config: applying yaml overrides from %s: %w", path, err)
		}
	}

	if cfg.RunMode == RunModeWebhook && cfg.WebhookBaseURL == "" {
		return cfg, fmt.Errorf("config: BOTCORE_WEBHOOK_BASE_URL is required in webhook mode")
	}

	return cfg, nil
}

func getOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// yamlOverrides mirrors the subset of Config that operators are
// allowed to tune without a redeploy.
type yamlOverrides struct {
	RateLimit struct {
		ChatMinuteMax     *int `yaml:"chat_minute_max"`
		FreeBurstMax      *int `yaml:"free_burst_max"`
		FreeMinuteMax     *int `yaml:"free_minute_max"`
		FreeDailyMax      *int `yaml:"free_daily_max"`
		TrustedMultiplier *int `yaml:"trusted_multiplier"`
	} `yaml:"rate_limit"`
	Features struct {
		StreamingDrafts *bool `yaml:"streaming_drafts"`
		TopicAutoCreate *bool `yaml:"topic_auto_create"`
		ApprovalUX      *bool `yaml:"approval_ux"`
	} `yaml:"features"`
}

func applyYAMLOverrides(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var o yamlOverrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return err
	}
	if o.RateLimit.ChatMinuteMax != nil {
		cfg.RateLimit.ChatMinuteMax = *o.RateLimit.ChatMinuteMax
	}
	if o.RateLimit.FreeBurstMax != nil {
		cfg.RateLimit.FreeBurstMax = *o.RateLimit.FreeBurstMax
	}
	if o.RateLimit.FreeMinuteMax != nil {
		cfg.RateLimit.FreeMinuteMax = *o.RateLimit.FreeMinuteMax
	}
	if o.RateLimit.FreeDailyMax != nil {
		cfg.RateLimit.FreeDailyMax = *o.RateLimit.FreeDailyMax
	}
	if o.RateLimit.TrustedMultiplier != nil {
		cfg.RateLimit.TrustedMultiplier = *o.RateLimit.TrustedMultiplier
	}
	if o.Features.StreamingDrafts != nil {
		cfg.StreamingDraftsEnabled = *o.Features.StreamingDrafts
	}
	if o.Features.TopicAutoCreate != nil {
		cfg.TopicAutoCreateEnabled = *o.Features.TopicAutoCreate
	}
	if o.Features.ApprovalUX != nil {
		cfg.ApprovalUXEnabled = *o.Features.ApprovalUX
	}
	return nil
}

// IsTrustedUser reports whether uid is in the configured trusted tier.
func (c RateLimitConfig) IsTrustedUser(uid string) bool {
	for _, id := range c.TrustedUserIDs {
		if id == uid {
			return true
		}
	}
	return false
}
