package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config is the persistent application configuration
type Config struct {
	// Record store (Kintone-style) connection
	Kintone KintoneConfig `json:"kintone"`

	// AI Models
	Models ModelConfig `json:"models"`

	// OCR backend
	OCR OCRConfig `json:"ocr"`

	// Web search backend
	Search SearchConfig `json:"search"`

	// Matching rules are stored separately but referenced here
	RulesFile string `json:"rules_file"`

	// CachePath is the SQLite cache database location
	CachePath string `json:"cache_path"`
}

// KintoneConfig holds record store connection settings
type KintoneConfig struct {
	BaseURL  string `json:"base_url"`
	APIToken string `json:"api_token,omitempty"`
	AppID    string `json:"app_id"`
}

// ModelConfig holds AI model settings
type ModelConfig struct {
	Claude ModelSettings `json:"claude"`
	OpenAI ModelSettings `json:"openai"`
}

// ModelSettings for a single AI provider
type ModelSettings struct {
	Enabled  bool   `json:"enabled"`
	APIKey   string `json:"api_key,omitempty"`
	Endpoint string `json:"endpoint,omitempty"` // For custom endpoints
	Model    string `json:"model,omitempty"`    // Specific model to use
	Priority int    `json:"priority"`           // Lower = higher priority for fallback
}

// OCRConfig holds OCR backend settings
type OCRConfig struct {
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key,omitempty"`
	// PageWindow is the number of pages requested per OCR call for
	// multi-page documents. The backend rejects out-of-range windows,
	// which is how document length gets probed.
	PageWindow int `json:"page_window"`
}

// SearchConfig holds web search backend settings
type SearchConfig struct {
	Endpoint   string `json:"endpoint"`
	APIKey     string `json:"api_key,omitempty"`
	MaxResults int    `json:"max_results"` // Per-query result cap
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Models: ModelConfig{
			Claude: ModelSettings{
				Enabled:  true,
				Priority: 1,
				Model:    "claude-sonnet-4-5-20250929",
			},
			OpenAI: ModelSettings{
				Enabled:  false,
				Priority: 2,
				Model:    "gpt-5.2",
			},
		},
		OCR: OCRConfig{
			PageWindow: 5,
		},
		Search: SearchConfig{
			MaxResults: 10,
		},
		RulesFile: filepath.Join(home, ".shinsa", "rules.yaml"),
		CachePath: filepath.Join(home, ".shinsa", "cache.db"),
	}
}

// ConfigPath returns the path to the config file
func ConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".shinsa", "config.json")
}

// Load reads config from disk, or returns defaults
func Load() (*Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom reads config from an explicit path, or returns defaults
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults and try to auto-populate from environment
			cfg := DefaultConfig()
			cfg.AutoPopulateFromEnv()
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.AutoPopulateFromEnv()

	return cfg, nil
}

// Save writes config to disk
func (c *Config) Save() error {
	path := ConfigPath()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600) // Restrictive permissions for API keys
}

// AutoPopulateFromEnv fills in API keys and endpoints from environment
// variables. Values already set in the config file win.
func (c *Config) AutoPopulateFromEnv() {
	setIfEmpty := func(dst *string, keys ...string) {
		if *dst != "" {
			return
		}
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}

	setIfEmpty(&c.Kintone.BaseURL, "KINTONE_BASE_URL")
	setIfEmpty(&c.Kintone.APIToken, "KINTONE_API_TOKEN")
	setIfEmpty(&c.Kintone.AppID, "KINTONE_APP_ID")
	setIfEmpty(&c.Models.Claude.APIKey, "ANTHROPIC_API_KEY", "CLAUDE_API_KEY")
	setIfEmpty(&c.Models.OpenAI.APIKey, "OPENAI_API_KEY")
	setIfEmpty(&c.OCR.Endpoint, "SHINSA_OCR_ENDPOINT")
	setIfEmpty(&c.OCR.APIKey, "SHINSA_OCR_API_KEY")
	setIfEmpty(&c.Search.Endpoint, "SHINSA_SEARCH_ENDPOINT")
	setIfEmpty(&c.Search.APIKey, "SHINSA_SEARCH_API_KEY")

	if c.Models.Claude.APIKey != "" {
		c.Models.Claude.Enabled = true
	}
	if c.Models.OpenAI.APIKey != "" {
		c.Models.OpenAI.Enabled = true
	}
}

// Redacted returns a copy safe for printing: API keys and tokens are masked.
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	out.Kintone.APIToken = mask(c.Kintone.APIToken)
	out.Models.Claude.APIKey = mask(c.Models.Claude.APIKey)
	out.Models.OpenAI.APIKey = mask(c.Models.OpenAI.APIKey)
	out.OCR.APIKey = mask(c.OCR.APIKey)
	out.Search.APIKey = mask(c.Search.APIKey)
	return &out
}
