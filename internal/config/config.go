package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	EnvConfigPath   = "NEUROPULSE_CONFIG"
	EnvAPIKey       = "NEUROPULSE_API_KEY"
	EnvAddr         = "NEUROPULSE_ADDR"
	EnvStorage      = "NEUROPULSE_STORAGE"
	EnvLogLevel     = "NEUROPULSE_LOG_LEVEL"
	EnvCacheVersion = "NEUROPULSE_CACHE_VERSION"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig    `json:"basic_config" toml:"basic_config"`
	Provider    ProviderConfig `json:"provider" toml:"provider"`
	Models      []ModelConfig  `json:"models" toml:"models"`
	Storage     StorageConfig  `json:"storage" toml:"storage"`
	Redis       RedisConfig    `json:"redis" toml:"redis"`
	Cache       CacheConfig    `json:"cache" toml:"cache"`
	Push        PushConfig     `json:"push" toml:"push"`
	Logging     LoggingConfig  `json:"logging" toml:"logging"`
	RenderHTML  bool           `json:"render_html" toml:"render_html"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address" toml:"server_address"`
	DataDir       string `json:"data_dir" toml:"data_dir"`
}

type ProviderConfig struct {
	Endpoint                string  `json:"endpoint" toml:"endpoint"`
	APIKey                  string  `json:"api_key" toml:"api_key"`
	DefaultModel            string  `json:"default_model" toml:"default_model"`
	AutocompleteModel       string  `json:"autocomplete_model" toml:"autocomplete_model"`
	Temperature             float64 `json:"temperature" toml:"temperature"`
	AutocompleteTemperature float64 `json:"autocomplete_temperature" toml:"autocomplete_temperature"`
	MaxTokens               int     `json:"max_tokens" toml:"max_tokens"`
	SystemPrompt            string  `json:"system_prompt" toml:"system_prompt"`
	TimeoutSeconds          int     `json:"timeout_seconds" toml:"timeout_seconds"`
}

type ModelConfig struct {
	ID        string `json:"id" toml:"id"`
	Name      string `json:"name" toml:"name"`
	MaxTokens int    `json:"max_tokens" toml:"max_tokens"`
}

// StorageConfig selects the key-value backend. Driver is one of sqlite3, mysql, redis or memory.
type StorageConfig struct {
	Driver   string `json:"driver" toml:"driver"`
	DSN      string `json:"dsn" toml:"dsn"`
	Host     string `json:"host" toml:"host"`
	Port     int    `json:"port" toml:"port"`
	Username string `json:"username" toml:"username"`
	Password string `json:"password" toml:"password"`
	DBName   string `json:"db_name" toml:"db_name"`
	Params   string `json:"params" toml:"params"`
}

type RedisConfig struct {
	Host     string `json:"host" toml:"host"`
	Port     int    `json:"port" toml:"port"`
	Username string `json:"username" toml:"username"`
	Password string `json:"password" toml:"password"`
	DB       int    `json:"db" toml:"db"`
}

// CacheConfig drives the offline asset cache.
type CacheConfig struct {
	Version            string   `json:"version" toml:"version"`
	Assets             []string `json:"assets" toml:"assets"`
	Origin             string   `json:"origin" toml:"origin"`
	AssetDir           string   `json:"asset_dir" toml:"asset_dir"`
	NetworkFirstPrefix string   `json:"network_first_prefix" toml:"network_first_prefix"`
	OfflinePage        string   `json:"offline_page" toml:"offline_page"`
	ManifestPath       string   `json:"manifest_path" toml:"manifest_path"`
	UpdateSchedule     string   `json:"update_schedule" toml:"update_schedule"`
	SkipWaiting        bool     `json:"skip_waiting" toml:"skip_waiting"`
	Backend            string   `json:"backend" toml:"backend"`
}

type PushConfig struct {
	DefaultTitle string `json:"default_title" toml:"default_title"`
	DefaultBody  string `json:"default_body" toml:"default_body"`
	DefaultURL   string `json:"default_url" toml:"default_url"`
	DefaultTag   string `json:"default_tag" toml:"default_tag"`
	Icon         string `json:"icon" toml:"icon"`
	Badge        string `json:"badge" toml:"badge"`
}

type LoggingConfig struct {
	File  string `json:"file" toml:"file"`
	Level string `json:"level" toml:"level"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		BasicConfig: BasicConfig{
			ServerAddress: ":8090",
			DataDir:       "./data",
		},
		Provider: ProviderConfig{
			Endpoint:                "https://api.groq.com/openai/v1/chat/completions",
			DefaultModel:            "llama-3.3-70b-versatile",
			AutocompleteModel:       "llama-3.3-8b-versatile",
			Temperature:             0.7,
			AutocompleteTemperature: 1.0,
			MaxTokens:               4096,
			TimeoutSeconds:          120,
		},
		Models: []ModelConfig{
			{ID: "llama-3.3-70b-versatile", Name: "Llama 3.3 70B (Recommended)", MaxTokens: 32768},
			{ID: "llama-3.3-8b-versatile", Name: "Llama 3.3 8B (Faster)", MaxTokens: 8192},
			{ID: "gemma-7b-it", Name: "Gemma 7B", MaxTokens: 8192},
			{ID: "mixtral-8x7b-32768", Name: "Mixtral 8x7B", MaxTokens: 32768},
			{ID: "llama4-vision-1", Name: "Llama 4 Vision 1", MaxTokens: 8192},
			{ID: "llama4-vision-2", Name: "Llama 4 Vision 2", MaxTokens: 8192},
		},
		Storage: StorageConfig{
			Driver: "sqlite3",
			DSN:    "neuropulse.db",
		},
		Cache: CacheConfig{
			Version: "neuropulse-v1",
			Assets: []string{
				"/",
				"/style.css",
				"/app.js",
				"/manifest.json",
				"/icons/icon-192x192.png",
				"/icons/icon-512x512.png",
			},
			AssetDir:           "./web",
			NetworkFirstPrefix: "/api/",
			OfflinePage:        "/",
			UpdateSchedule:     "@every 1h",
			Backend:            "memory",
		},
		Push: PushConfig{
			DefaultTitle: "NeuroPulse",
			DefaultBody:  "New message",
			DefaultURL:   "/",
			DefaultTag:   "neuropulse",
			Icon:         "/icons/icon-192x192.png",
			Badge:        "/icons/icon-192x192.png",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the provided path (defaults to config.json).
// The file is decoded as TOML when it ends in .toml and as JSON otherwise.
// A missing default file yields Default().
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := Default()
	data, err := os.ReadFile(absPath)
	switch {
	case err == nil:
		if err := decode(absPath, data, cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		absPath = ""
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if absPath != "" {
		cfg.resolvePaths(filepath.Dir(absPath))
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvAPIKey)); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAddr)); v != "" {
		cfg.BasicConfig.ServerAddress = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvStorage)); v != "" {
		cfg.Storage.Driver = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvCacheVersion)); v != "" {
		cfg.Cache.Version = v
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Provider.Endpoint == "" {
		return fmt.Errorf("provider.endpoint must be configured")
	}
	if c.Provider.DefaultModel == "" {
		return fmt.Errorf("provider.default_model must be configured")
	}
	if c.Provider.Temperature < 0 || c.Provider.Temperature > 2 {
		return fmt.Errorf("provider.temperature %v out of range [0,2]", c.Provider.Temperature)
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "sqlite", "sqlite3":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be configured for sqlite")
		}
	case "mysql":
		if c.Storage.DSN == "" && c.Storage.Host == "" {
			return fmt.Errorf("storage.host or storage.dsn must be configured for mysql")
		}
	case "redis", "memory":
	default:
		return fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver)
	}
	if c.Cache.Version == "" {
		return fmt.Errorf("cache.version must be configured")
	}
	switch strings.ToLower(c.Cache.Backend) {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("unsupported cache backend: %s", c.Cache.Backend)
	}
	return nil
}

// resolvePaths makes relative file paths relative to the config file's directory.
func (c *Config) resolvePaths(base string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) || p == ":memory:" || strings.HasPrefix(p, "file:") {
			return p
		}
		return filepath.Join(base, p)
	}
	c.BasicConfig.DataDir = resolve(c.BasicConfig.DataDir)
	c.Cache.AssetDir = resolve(c.Cache.AssetDir)
	c.Cache.ManifestPath = resolve(c.Cache.ManifestPath)
	c.Logging.File = resolve(c.Logging.File)
	if strings.HasPrefix(strings.ToLower(c.Storage.Driver), "sqlite") {
		c.Storage.DSN = resolve(c.Storage.DSN)
	}
}

// RedisAddr returns host:port with defaults applied.
func (r RedisConfig) RedisAddr() string {
	host := r.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := r.Port
	if port == 0 {
		port = 6379
	}
	return host + ":" + strconv.Itoa(port)
}
