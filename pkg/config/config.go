// Package config loads server configuration from the environment.
//
// The process is configured entirely through environment variables (plus
// optional .env files for local development). There is no config file
// format: the deployment surface is a single long-running server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the root configuration for the review server.
type Config struct {
	// ListenAddr is the HTTP listen address, e.g. ":8080".
	ListenAddr string

	// Providers lists the model providers in failover order.
	Providers []ProviderConfig

	// Auth configures bearer-token validation. When JWKSURL is empty the
	// server runs in insecure dev mode and trusts the X-User-ID header.
	Auth AuthConfig

	// Store selects the session/quota backend: "memory", "sqlite",
	// "postgres", or "mysql".
	Store StoreConfig

	// BlobDir is the root directory for uploaded documents.
	BlobDir string

	// BillingEnabled controls whether quota is checked and deducted.
	BillingEnabled bool

	// SessionIdleTimeout is the idle window after which inactive graphs
	// are checkpointed and evicted.
	SessionIdleTimeout time.Duration

	// MaxUploadBytes bounds a single document upload.
	MaxUploadBytes int64

	// StreamByteCap bounds the model token stream fed to the incremental
	// JSON parser.
	StreamByteCap int

	// EventBufferSize is the per-task SSE ring buffer capacity.
	EventBufferSize int

	// WorkflowURL points at an external workflow engine for remote
	// skills. Empty disables remote dispatch.
	WorkflowURL string
}

// ProviderConfig describes one model provider backend.
type ProviderConfig struct {
	Type        string // "openai" or "anthropic"
	APIKey      string
	Model       string
	Host        string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
}

type AuthConfig struct {
	JWKSURL  string
	Issuer   string
	Audience string
}

type StoreConfig struct {
	Backend string
	DSN     string
}

// LoadEnvFiles loads .env.local then .env if present. Missing files are
// not an error.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// Load builds a Config from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:         envOr("LISTEN_ADDR", ":8080"),
		BlobDir:            envOr("BLOB_DIR", "data/blobs"),
		BillingEnabled:     envBool("BILLING_ENABLED", false),
		SessionIdleTimeout: envDuration("SESSION_IDLE_TIMEOUT", time.Hour),
		MaxUploadBytes:     envInt64("MAX_UPLOAD_BYTES", 20<<20),
		StreamByteCap:      envInt("STREAM_BYTE_CAP", 4<<20),
		EventBufferSize:    envInt("EVENT_BUFFER_SIZE", 256),
		WorkflowURL:        os.Getenv("WORKFLOW_URL"),
		Auth: AuthConfig{
			JWKSURL:  os.Getenv("AUTH_JWKS_URL"),
			Issuer:   os.Getenv("AUTH_ISSUER"),
			Audience: os.Getenv("AUTH_AUDIENCE"),
		},
		Store: StoreConfig{
			Backend: envOr("STORE_BACKEND", "memory"),
			DSN:     os.Getenv("STORE_DSN"),
		},
	}

	switch cfg.Store.Backend {
	case "memory", "sqlite", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported store backend: %s (supported: memory, sqlite, postgres, mysql)", cfg.Store.Backend)
	}
	if cfg.Store.Backend != "memory" && cfg.Store.DSN == "" {
		return nil, fmt.Errorf("STORE_DSN is required for backend %s", cfg.Store.Backend)
	}

	cfg.Providers = loadProviders()
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no model providers configured (set OPENAI_API_KEY or ANTHROPIC_API_KEY)")
	}

	return cfg, nil
}

// LoadStore builds just the store configuration, for admin commands
// that touch the database without running the server.
func LoadStore() (StoreConfig, error) {
	sc := StoreConfig{
		Backend: envOr("STORE_BACKEND", "memory"),
		DSN:     os.Getenv("STORE_DSN"),
	}
	switch sc.Backend {
	case "memory", "sqlite", "postgres", "mysql":
	default:
		return sc, fmt.Errorf("unsupported store backend: %s", sc.Backend)
	}
	if sc.Backend != "memory" && sc.DSN == "" {
		return sc, fmt.Errorf("STORE_DSN is required for backend %s", sc.Backend)
	}
	return sc, nil
}

// loadProviders assembles the failover chain. PROVIDER_ORDER selects and
// orders backends ("openai,anthropic"); by default every backend with an
// API key is included, openai first.
func loadProviders() []ProviderConfig {
	order := splitList(envOr("PROVIDER_ORDER", "openai,anthropic"))

	var providers []ProviderConfig
	for _, typ := range order {
		key := GetProviderAPIKey(typ)
		if key == "" {
			continue
		}
		p := ProviderConfig{
			Type:        typ,
			APIKey:      key,
			Temperature: envFloat("MODEL_TEMPERATURE", 0.2),
			MaxTokens:   envInt("MODEL_MAX_TOKENS", 4096),
			Timeout:     envDuration("MODEL_TIMEOUT", 120*time.Second),
			MaxRetries:  envInt("MODEL_MAX_RETRIES", 1),
			RetryDelay:  envDuration("MODEL_RETRY_DELAY", time.Second),
		}
		switch typ {
		case "openai":
			p.Model = envOr("OPENAI_MODEL", "gpt-4o")
			p.Host = envOr("OPENAI_HOST", "https://api.openai.com/v1")
		case "anthropic":
			p.Model = envOr("ANTHROPIC_MODEL", "claude-sonnet-4-20250514")
			p.Host = envOr("ANTHROPIC_HOST", "https://api.anthropic.com")
		default:
			continue
		}
		providers = append(providers, p)
	}
	return providers
}

// GetProviderAPIKey returns the API key for a provider type.
func GetProviderAPIKey(providerType string) string {
	switch providerType {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	default:
		return ""
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
