package config

import (
	"os"
	"path/filepath"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Storage   StorageConfig
	Sync      SyncConfig
	Google    OAuthAppConfig
	Microsoft OAuthAppConfig
	Inference InferenceConfig
	Retrieval RetrievalConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
}

type OllamaConfig struct {
	BaseURL    string
	Model      string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type SyncConfig struct {
	// LocalRoot is the directory tree indexed by the local-files connection.
	LocalRoot string
	// CalendarLookbackDays / CalendarLookaheadDays bound the calendar sync window.
	CalendarLookbackDays  int
	CalendarLookaheadDays int
}

// OAuthAppConfig holds the registered OAuth client for a provider family.
// The client secret lives in the secrets file, never in the config backend.
type OAuthAppConfig struct {
	ClientID     string
	ClientSecret string
}

type InferenceConfig struct {
	// MaxTokens is the per-response token budget applied when a request
	// does not set its own.
	MaxTokens int
	// SessionCap bounds the number of idle sessions kept for prefix reuse.
	SessionCap int
}

type RetrievalConfig struct {
	TopK int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			Model:      "llama3.1",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Sync: SyncConfig{
			LocalRoot:             filepath.Join(home, "Documents"),
			CalendarLookbackDays:  16,
			CalendarLookaheadDays: 31,
		},
		Inference: InferenceConfig{
			MaxTokens:  1024,
			SessionCap: 8,
		},
		Retrieval: RetrievalConfig{
			TopK: 5,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file, then applies
// SATCHEL_* environment variable overrides, then fills OAuth client
// secrets from the secrets file.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), secretsReader{})
}

// secrets abstracts the secret store for testing.
type secrets interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, sec secrets) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Google.ClientSecret == "" {
		if v, err := sec.Get("satchel", "google_client_secret"); err == nil {
			cfg.Google.ClientSecret = v
		}
	}
	if cfg.Microsoft.ClientSecret == "" {
		if v, err := sec.Get("satchel", "microsoft_client_secret"); err == nil {
			cfg.Microsoft.ClientSecret = v
		}
	}

	return cfg, nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "satchel-data"
		}
	}
	return filepath.Join(dir, "satchel")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "satchel", "config.json")
}
