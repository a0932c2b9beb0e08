package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SATCHEL_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "ollama.base_url", typ: kString, env: "SATCHEL_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", typ: kString, env: "SATCHEL_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "SATCHEL_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SATCHEL_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "sync.local_root", typ: kString, env: "SATCHEL_SYNC_LOCAL_ROOT",
		apply:   func(cfg *Config, v any) { cfg.Sync.LocalRoot = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.LocalRoot },
	},
	{
		key: "sync.calendar_lookback_days", typ: kInt, env: "SATCHEL_SYNC_CALENDAR_LOOKBACK_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Sync.CalendarLookbackDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.CalendarLookbackDays },
	},
	{
		key: "sync.calendar_lookahead_days", typ: kInt, env: "SATCHEL_SYNC_CALENDAR_LOOKAHEAD_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Sync.CalendarLookaheadDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.CalendarLookaheadDays },
	},
	{
		key: "google.client_id", typ: kString, env: "SATCHEL_GOOGLE_CLIENT_ID",
		apply:   func(cfg *Config, v any) { cfg.Google.ClientID = v.(string) },
		extract: func(cfg Config) any { return cfg.Google.ClientID },
	},
	{
		key: "google.client_secret", typ: kString, env: "SATCHEL_GOOGLE_CLIENT_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Google.ClientSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Google.ClientSecret },
	},
	{
		key: "microsoft.client_id", typ: kString, env: "SATCHEL_MICROSOFT_CLIENT_ID",
		apply:   func(cfg *Config, v any) { cfg.Microsoft.ClientID = v.(string) },
		extract: func(cfg Config) any { return cfg.Microsoft.ClientID },
	},
	{
		key: "microsoft.client_secret", typ: kString, env: "SATCHEL_MICROSOFT_CLIENT_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Microsoft.ClientSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Microsoft.ClientSecret },
	},
	{
		key: "inference.max_tokens", typ: kInt, env: "SATCHEL_INFERENCE_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Inference.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Inference.MaxTokens },
	},
	{
		key: "inference.session_cap", typ: kInt, env: "SATCHEL_INFERENCE_SESSION_CAP",
		apply:   func(cfg *Config, v any) { cfg.Inference.SessionCap = v.(int) },
		extract: func(cfg Config) any { return cfg.Inference.SessionCap },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "SATCHEL_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "log.level", typ: kString, env: "SATCHEL_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		v := os.Getenv(s.env)
		if v == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, v)
		case kInt:
			i, err := strconv.Atoi(v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse int from %s=%q: %v. Using default value.\n", s.env, v, err)
				continue
			}
			s.apply(cfg, i)
		}
	}
}

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all non-secret config key/value pairs from the current config.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
		})
	}
	return result
}

// SetKey writes a config key to the config file backend.
func SetKey(key, value string) error {
	b := newFileBackend(configFilePath())

	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return fmt.Errorf("cannot set secret %q via config; use environment variable %s or the secrets file", key, s.env)
		}
		switch s.typ {
		case kString:
			return b.SetString(key, value)
		case kInt:
			i, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid integer value for %s: %w", key, err)
			}
			return b.SetInt(key, i)
		}
	}

	return fmt.Errorf("unknown config key: %q", key)
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
