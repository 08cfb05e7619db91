// Package config loads and persists plexmix configuration.
//
// Configuration lives at ~/.plexmix/config.yaml and every key can be
// overridden with a PLEXMIX_* environment variable (dots become
// underscores, e.g. PLEXMIX_PLEX_URL).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Embedding dimensions by provider name. These are fixed by the
// provider APIs, not tunable.
var providerDimensions = map[string]int{
	"gemini": 3072,
	"openai": 1536,
	"cohere": 1024,
	"local":  384,
}

// Config is the full plexmix configuration tree.
type Config struct {
	Plex struct {
		URL      string `mapstructure:"url"`
		TokenEnv string `mapstructure:"token_env"`
	} `mapstructure:"plex"`

	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`

	Index struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"index"`

	AI struct {
		CompletionProvider string `mapstructure:"completion_provider"`
		EmbeddingProvider  string `mapstructure:"embedding_provider"`
		AnthropicKeyEnv    string `mapstructure:"anthropic_key_env"`
		EmbeddingKeyEnv    string `mapstructure:"embedding_key_env"`
		EmbeddingURL       string `mapstructure:"embedding_url"`
		EmbeddingModel     string `mapstructure:"embedding_model"`
	} `mapstructure:"ai"`

	Playlist struct {
		DefaultLength int `mapstructure:"default_length"`
		CandidatePool int `mapstructure:"candidate_pool"`
	} `mapstructure:"playlist"`

	Sync struct {
		BatchSize     int    `mapstructure:"batch_size"`
		WatchInterval string `mapstructure:"watch_interval"`
	} `mapstructure:"sync"`

	Logging struct {
		Level string `mapstructure:"level"`
		File  string `mapstructure:"file"`
	} `mapstructure:"logging"`
}

// Dir returns the plexmix configuration directory, creating it if needed.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	dir := filepath.Join(home, ".plexmix")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}
	return dir, nil
}

// Path returns the default config file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func newViper(dir string) *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.SetEnvPrefix("PLEXMIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, dir)
	return v
}

func setDefaults(v *viper.Viper, dir string) {
	v.SetDefault("plex.token_env", "PLEX_TOKEN")
	v.SetDefault("database.path", filepath.Join(dir, "library.db"))
	v.SetDefault("index.path", filepath.Join(dir, "embeddings.idx"))
	v.SetDefault("ai.completion_provider", "anthropic")
	v.SetDefault("ai.embedding_provider", "local")
	v.SetDefault("ai.anthropic_key_env", "ANTHROPIC_API_KEY")
	v.SetDefault("ai.embedding_key_env", "OPENAI_API_KEY")
	v.SetDefault("ai.embedding_url", "https://api.openai.com")
	v.SetDefault("ai.embedding_model", "text-embedding-3-small")
	v.SetDefault("playlist.default_length", 25)
	v.SetDefault("playlist.candidate_pool", 100)
	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.watch_interval", "15m")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", filepath.Join(dir, "plexmix.log"))
}

// Load reads the config file from dir, applying defaults and
// environment overrides. A missing file is not an error; defaults and
// environment variables still apply.
func Load(dir string) (*Config, error) {
	v := newViper(dir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

// LoadDefault loads from the standard ~/.plexmix directory.
func LoadDefault() (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	return Load(dir)
}

// Save writes cfg to config.yaml in dir.
func Save(dir string, cfg *Config) error {
	v := newViper(dir)
	v.Set("plex.url", cfg.Plex.URL)
	v.Set("plex.token_env", cfg.Plex.TokenEnv)
	v.Set("database.path", cfg.Database.Path)
	v.Set("index.path", cfg.Index.Path)
	v.Set("ai.completion_provider", cfg.AI.CompletionProvider)
	v.Set("ai.embedding_provider", cfg.AI.EmbeddingProvider)
	v.Set("ai.anthropic_key_env", cfg.AI.AnthropicKeyEnv)
	v.Set("ai.embedding_key_env", cfg.AI.EmbeddingKeyEnv)
	v.Set("ai.embedding_url", cfg.AI.EmbeddingURL)
	v.Set("ai.embedding_model", cfg.AI.EmbeddingModel)
	v.Set("playlist.default_length", cfg.Playlist.DefaultLength)
	v.Set("playlist.candidate_pool", cfg.Playlist.CandidatePool)
	v.Set("sync.batch_size", cfg.Sync.BatchSize)
	v.Set("sync.watch_interval", cfg.Sync.WatchInterval)
	v.Set("logging.level", cfg.Logging.Level)
	v.Set("logging.file", cfg.Logging.File)
	if err := v.WriteConfigAs(filepath.Join(dir, "config.yaml")); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// EmbeddingDimension returns the vector dimension for a provider name.
func EmbeddingDimension(provider string) (int, error) {
	dim, ok := providerDimensions[provider]
	if !ok {
		return 0, fmt.Errorf("unknown embedding provider %q", provider)
	}
	return dim, nil
}

// PlexToken resolves the Plex auth token from the configured
// environment variable.
func (c *Config) PlexToken() (string, error) {
	name := c.Plex.TokenEnv
	if name == "" {
		name = "PLEX_TOKEN"
	}
	token := os.Getenv(name)
	if token == "" {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return token, nil
}
