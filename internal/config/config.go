package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig       BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Databases         map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	ConversationStore ConversationStoreConfig   `json:"conversation_store" yaml:"conversation_store"`
	Redis             RedisConfig               `json:"redis" yaml:"redis"`
	Ollama            OllamaConfig              `json:"ollama" yaml:"ollama"`
	Providers         map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Quota             QuotaConfig               `json:"quota" yaml:"quota"`
	SystemPrompt      string                    `json:"system_prompt" yaml:"system_prompt"`
	Admin             AdminConfig               `json:"admin" yaml:"admin"`
}

type BasicConfig struct {
	ServerAddress      string  `json:"server_address" yaml:"server_address"`
	StaticDir          string  `json:"static_dir" yaml:"static_dir"`
	TokenTTL           int     `json:"token_ttl" yaml:"token_ttl"` // hours
	MessageRate        float64 `json:"message_rate" yaml:"message_rate"`
	MessageBurst       int     `json:"message_burst" yaml:"message_burst"`
	TokenCleanInterval int     `json:"token_clean_interval" yaml:"token_clean_interval"` // minutes
	ProviderTimeout    int     `json:"provider_timeout" yaml:"provider_timeout"`         // seconds
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"db_name" yaml:"db_name"`
	Params   string `json:"params" yaml:"params"`
}

type ConversationStoreConfig struct {
	// Driver is "sql" (default) or "bolt".
	Driver   string `json:"driver" yaml:"driver"`
	BoltPath string `json:"bolt_path" yaml:"bolt_path"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type OllamaConfig struct {
	Host         string `json:"host" yaml:"host"`
	DefaultModel string `json:"default_model" yaml:"default_model"`
	Timeout      int    `json:"timeout" yaml:"timeout"` // seconds
}

type ProviderConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

type QuotaConfig struct {
	DefaultMaxTokens int64  `json:"default_max_tokens" yaml:"default_max_tokens"`
	ResetCron        string `json:"reset_cron" yaml:"reset_cron"`
	Timezone         string `json:"timezone" yaml:"timezone"`
}

type AdminConfig struct {
	Password string `json:"password" yaml:"password"`
}

const (
	DefaultServerAddress = ":3000"
	DefaultOllamaHost    = "http://127.0.0.1:11434"
	DefaultResetCron     = "0 0 * * *"
	DefaultMaxTokens     = 10000
)

// Load reads configuration from the provided path (defaults to config.yml).
// Files ending in .json are decoded as JSON, everything else as YAML.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.yml"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	expanded := []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if strings.EqualFold(filepath.Ext(absPath), ".json") {
		if err := json.Unmarshal(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.applyDefaults()
	if _, err := cfg.Location(); err != nil {
		return nil, err
	}
	if err := cfg.resolvePaths(filepath.Dir(absPath)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = DefaultServerAddress
	}
	if c.BasicConfig.TokenTTL <= 0 {
		c.BasicConfig.TokenTTL = 24
	}
	if c.BasicConfig.MessageRate <= 0 {
		c.BasicConfig.MessageRate = 1
	}
	if c.BasicConfig.MessageBurst <= 0 {
		c.BasicConfig.MessageBurst = 5
	}
	if c.BasicConfig.ProviderTimeout <= 0 {
		c.BasicConfig.ProviderTimeout = 120
	}
	if c.Ollama.Host == "" {
		c.Ollama.Host = DefaultOllamaHost
	}
	if c.Ollama.Timeout <= 0 {
		c.Ollama.Timeout = 120
	}
	if c.Quota.ResetCron == "" {
		c.Quota.ResetCron = DefaultResetCron
	}
	if c.Quota.DefaultMaxTokens <= 0 {
		c.Quota.DefaultMaxTokens = DefaultMaxTokens
	}
	if c.ConversationStore.Driver == "" {
		c.ConversationStore.Driver = "sql"
	}
	if c.Databases == nil {
		c.Databases = map[string]DatabaseConfig{}
	}
}

// resolvePaths makes file-backed stores relative to the config directory.
func (c *Config) resolvePaths(dir string) error {
	if sq, ok := c.Databases["sqlite3"]; ok {
		if sq.DSN == "" {
			return fmt.Errorf("databases.sqlite3.dsn must be configured")
		}
		if !strings.HasPrefix(sq.DSN, ":memory:") && !strings.HasPrefix(sq.DSN, "file:") && !filepath.IsAbs(sq.DSN) {
			sq.DSN = filepath.Join(dir, sq.DSN)
			c.Databases["sqlite3"] = sq
		}
	}
	if c.ConversationStore.Driver == "bolt" {
		if c.ConversationStore.BoltPath == "" {
			c.ConversationStore.BoltPath = "data/conversations.bolt"
		}
		if !filepath.IsAbs(c.ConversationStore.BoltPath) {
			c.ConversationStore.BoltPath = filepath.Join(dir, c.ConversationStore.BoltPath)
		}
	}
	return nil
}

// OllamaTimeout reports the total generation budget.
func (c *Config) OllamaTimeout() time.Duration {
	return time.Duration(c.Ollama.Timeout) * time.Second
}

// ProviderTimeout reports the generation budget for hosted providers.
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.BasicConfig.ProviderTimeout) * time.Second
}

// TokenTTL reports the auth token lifetime.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.BasicConfig.TokenTTL) * time.Hour
}

// Location resolves the quota reset timezone. An empty timezone means local
// time.
func (c *Config) Location() (*time.Location, error) {
	if c.Quota.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Quota.Timezone)
	if err != nil {
		return nil, fmt.Errorf("quota.timezone: %w", err)
	}
	return loc, nil
}
