package config

import (
	"fmt"
	"testing"
)

// mapBackend is an in-memory ConfigBackend for tests.
type mapBackend struct {
	strings map[string]string
	ints    map[string]int
}

func (m *mapBackend) GetString(key string) (string, bool, error) {
	v, ok := m.strings[key]
	return v, ok, nil
}

func (m *mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.ints[key]
	return v, ok, nil
}

func (m *mapBackend) SetString(key, val string) error {
	m.strings[key] = val
	return nil
}

func (m *mapBackend) SetInt(key string, val int) error {
	m.ints[key] = val
	return nil
}

func (m *mapBackend) Delete(key string) error {
	delete(m.strings, key)
	delete(m.ints, key)
	return nil
}

type fakeSecrets map[string]string

func (f fakeSecrets) Get(service, account string) (string, error) {
	if v, ok := f[account]; ok {
		return v, nil
	}
	return "", fmt.Errorf("not found")
}

func TestLoadDefaults(t *testing.T) {
	b := &mapBackend{strings: map[string]string{}, ints: map[string]int{}}
	cfg, err := loadWith(b, fakeSecrets{})
	if err != nil {
		t.Fatalf("loadWith failed: %v", err)
	}

	if cfg.Server.Port != 4600 {
		t.Errorf("Server.Port = %d, want 4600", cfg.Server.Port)
	}
	if cfg.Sync.CalendarLookbackDays != 16 {
		t.Errorf("CalendarLookbackDays = %d, want 16", cfg.Sync.CalendarLookbackDays)
	}
	if cfg.Sync.CalendarLookaheadDays != 31 {
		t.Errorf("CalendarLookaheadDays = %d, want 31", cfg.Sync.CalendarLookaheadDays)
	}
	if cfg.Inference.MaxTokens != 1024 {
		t.Errorf("Inference.MaxTokens = %d, want 1024", cfg.Inference.MaxTokens)
	}
}

func TestLoadBackendOverrides(t *testing.T) {
	b := &mapBackend{
		strings: map[string]string{
			"ollama.model":    "mistral-nemo",
			"sync.local_root": "/srv/notes",
		},
		ints: map[string]int{
			"server.port":      5100,
			"retrieval.top_k":  7,
			"inference.max_tokens": 256,
		},
	}
	cfg, err := loadWith(b, fakeSecrets{})
	if err != nil {
		t.Fatalf("loadWith failed: %v", err)
	}

	if cfg.Ollama.Model != "mistral-nemo" {
		t.Errorf("Ollama.Model = %q, want %q", cfg.Ollama.Model, "mistral-nemo")
	}
	if cfg.Sync.LocalRoot != "/srv/notes" {
		t.Errorf("Sync.LocalRoot = %q, want %q", cfg.Sync.LocalRoot, "/srv/notes")
	}
	if cfg.Server.Port != 5100 {
		t.Errorf("Server.Port = %d, want 5100", cfg.Server.Port)
	}
	if cfg.Retrieval.TopK != 7 {
		t.Errorf("Retrieval.TopK = %d, want 7", cfg.Retrieval.TopK)
	}
	if cfg.Inference.MaxTokens != 256 {
		t.Errorf("Inference.MaxTokens = %d, want 256", cfg.Inference.MaxTokens)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SATCHEL_OLLAMA_MODEL", "phi3.5")
	t.Setenv("SATCHEL_SERVER_PORT", "4750")

	b := &mapBackend{
		strings: map[string]string{"ollama.model": "from-backend"},
		ints:    map[string]int{"server.port": 5100},
	}
	cfg, err := loadWith(b, fakeSecrets{})
	if err != nil {
		t.Fatalf("loadWith failed: %v", err)
	}

	if cfg.Ollama.Model != "phi3.5" {
		t.Errorf("env should win over backend: Ollama.Model = %q", cfg.Ollama.Model)
	}
	if cfg.Server.Port != 4750 {
		t.Errorf("env should win over backend: Server.Port = %d", cfg.Server.Port)
	}
}

func TestLoadSecretsFallback(t *testing.T) {
	b := &mapBackend{strings: map[string]string{}, ints: map[string]int{}}
	cfg, err := loadWith(b, fakeSecrets{
		"google_client_secret":    "g-secret",
		"microsoft_client_secret": "ms-secret",
	})
	if err != nil {
		t.Fatalf("loadWith failed: %v", err)
	}

	if cfg.Google.ClientSecret != "g-secret" {
		t.Errorf("Google.ClientSecret = %q, want %q", cfg.Google.ClientSecret, "g-secret")
	}
	if cfg.Microsoft.ClientSecret != "ms-secret" {
		t.Errorf("Microsoft.ClientSecret = %q, want %q", cfg.Microsoft.ClientSecret, "ms-secret")
	}
}

func TestSetKeyRejectsSecrets(t *testing.T) {
	err := SetKey("google.client_secret", "nope")
	if err == nil {
		t.Fatal("SetKey on a secret key should fail")
	}
}

func TestValidKeysExcludesSecrets(t *testing.T) {
	for _, k := range ValidKeys() {
		if k == "google.client_secret" || k == "microsoft.client_secret" {
			t.Errorf("ValidKeys should not list secret key %q", k)
		}
	}
}
