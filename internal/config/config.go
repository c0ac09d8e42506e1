package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	BackendOpenAI = "openai"
	BackendArk    = "ark"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultAPIKeyEnv = "OPENAI_API_KEY"
)

// Config holds application configuration
type Config struct {
	DatabasePath string   `toml:"database_path"`
	LogDir       string   `toml:"log_dir"`
	Debug        bool     `toml:"debug"`
	AdminIDs     []string `toml:"admin_ids"` // operator IDs holding the admin role

	Console     ConsoleConfig     `toml:"console"`
	Server      ServerConfig      `toml:"server"`
	Marketplace MarketplaceConfig `toml:"marketplace"`
	Scraper     ScraperConfig     `toml:"scraper"`
	Completion  CompletionConfig  `toml:"completion"`
	Workflow    WorkflowConfig    `toml:"workflow"`

	// Pricing extends or overrides the built-in price table, keyed by model.
	Pricing map[string]Price `toml:"pricing"`
}

// ConsoleConfig identifies the operator driving the terminal front end.
type ConsoleConfig struct {
	Enabled    bool   `toml:"enabled"`
	OperatorID string `toml:"operator_id"`
	Username   string `toml:"username"`
}

type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	// TokenEnv names the variable holding the bearer token; empty disables auth.
	TokenEnv string `toml:"token_env"`
}

type MarketplaceConfig struct {
	APIBaseURL      string `toml:"api_base_url"`
	ItemBaseURL     string `toml:"item_base_url"`
	ConversationURL string `toml:"conversation_url"` // printf pattern, %s is the conversation id
	TimeoutSeconds  int    `toml:"timeout_seconds"`
}

type ScraperConfig struct {
	CacheDir        string `toml:"cache_dir"`
	KeepPages       bool   `toml:"keep_pages"` // store fetched pages zstd-compressed under cache_dir
	CacheTTLSeconds int    `toml:"cache_ttl_seconds"`
}

type CompletionConfig struct {
	Backend        string `toml:"backend"`
	Model          string `toml:"model"`
	BaseURL        string `toml:"base_url"`
	APIKeyEnv      string `toml:"api_key_env"`
	OrgIDEnv       string `toml:"org_id_env"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	ArkRegion      string `toml:"ark_region"`
}

type WorkflowConfig struct {
	// ContinueOverride offers a suggestion even when the operator spoke last.
	ContinueOverride bool   `toml:"continue_override"`
	ContextDir       string `toml:"context_dir"`
	DefaultLimit     int    `toml:"default_limit"`
}

// Price is the cost in USD per 1000 tokens.
type Price struct {
	PromptPer1K     float64 `toml:"prompt_per_1k"`
	CompletionPer1K float64 `toml:"completion_per_1k"`
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DatabasePath: "salesrep.db",
		LogDir:       "logs",
		Console: ConsoleConfig{
			Enabled:    true,
			OperatorID: "console",
			Username:   "console",
		},
		Server: ServerConfig{
			Enabled:  false,
			Addr:     ":8080",
			TokenEnv: "SALESREP_SERVER_TOKEN",
		},
		Marketplace: MarketplaceConfig{
			APIBaseURL:      "https://www.marktplaats.nl/messages/api",
			ItemBaseURL:     "https://www.marktplaats.nl",
			ConversationURL: "https://www.marktplaats.nl/link/messages/%s",
			TimeoutSeconds:  30,
		},
		Scraper: ScraperConfig{
			CacheDir:        "cache",
			KeepPages:       true,
			CacheTTLSeconds: 600,
		},
		Completion: CompletionConfig{
			Backend:        BackendOpenAI,
			Model:          "gpt-4-0613",
			BaseURL:        defaultBaseURL,
			APIKeyEnv:      defaultAPIKeyEnv,
			OrgIDEnv:       "OPENAI_ORG_ID",
			TimeoutSeconds: 120,
			ArkRegion:      "cn-beijing",
		},
		Workflow: WorkflowConfig{
			ContinueOverride: false,
			ContextDir:       "contexts",
			DefaultLimit:     5,
		},
	}
}

// Load reads config from path, or from the standard locations when path is
// empty, falling back to defaults. Environment overrides are applied last.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	paths := configPaths()
	if path != "" {
		paths = []string{path}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			if _, err := toml.DecodeFile(p, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", p, err)
			}
			break
		} else if path != "" {
			return cfg, fmt.Errorf("config %s: %w", p, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func configPaths() []string {
	var paths []string

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "salesrep", "config.toml"))
	}

	home, _ := os.UserHomeDir()
	if home != "" {
		paths = append(paths, filepath.Join(home, ".config", "salesrep", "config.toml"))
	}

	return paths
}

func applyEnv(cfg *Config) {
	if model := strings.TrimSpace(os.Getenv("OPENAI_MODEL")); model != "" {
		cfg.Completion.Model = model
	}
	if db := strings.TrimSpace(os.Getenv("SALESREP_DB")); db != "" {
		cfg.DatabasePath = db
	}
	if admin := strings.TrimSpace(os.Getenv("SALESREP_ADMIN_ID")); admin != "" {
		cfg.AdminIDs = append(cfg.AdminIDs, admin)
	}
	if cfg.Completion.Backend == BackendArk {
		if cfg.Completion.APIKeyEnv == defaultAPIKeyEnv {
			cfg.Completion.APIKeyEnv = "ARK_API_KEY"
		}
		if cfg.Completion.BaseURL == defaultBaseURL {
			cfg.Completion.BaseURL = "" // the Ark SDK default
		}
	}
}

// Validate rejects configurations the application cannot run with.
func (c Config) Validate() error {
	switch c.Completion.Backend {
	case BackendOpenAI, BackendArk:
	default:
		return fmt.Errorf("unknown completion backend: %s", c.Completion.Backend)
	}
	if c.Completion.Model == "" {
		return fmt.Errorf("completion.model is required")
	}
	if c.Workflow.DefaultLimit < 0 {
		return fmt.Errorf("workflow.default_limit must not be negative")
	}
	if c.Server.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required when the server is enabled")
	}
	for model, p := range c.Pricing {
		if p.PromptPer1K < 0 || p.CompletionPer1K < 0 {
			return fmt.Errorf("pricing for %s must not be negative", model)
		}
	}
	return nil
}

// APIKey returns the completion API key from the configured environment variable.
func (c CompletionConfig) APIKey() string {
	return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
}

// OrgID returns the optional completion organization id.
func (c CompletionConfig) OrgID() string {
	if c.OrgIDEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.OrgIDEnv))
}

// RequireToken fails when the server is enabled without a bearer token.
func (c ServerConfig) RequireToken() error {
	if c.Enabled && c.Token() == "" {
		return fmt.Errorf("server is enabled but %s is not set", c.TokenEnv)
	}
	return nil
}

// Token returns the bearer token the HTTP API requires, or "" for none.
func (c ServerConfig) Token() string {
	if c.TokenEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.TokenEnv))
}

func (c CompletionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c MarketplaceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c ScraperConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}
