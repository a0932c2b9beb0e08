package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func secretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "satchel", "secrets.json")
}

func secretsGet(service, account string) (string, error) {
	data, err := os.ReadFile(secretsFilePath())
	if err != nil {
		return "", fmt.Errorf("secret store not available: %w", err)
	}
	var store map[string]map[string]string
	if err := json.Unmarshal(data, &store); err != nil {
		return "", fmt.Errorf("parsing secrets file: %w", err)
	}
	svc, ok := store[service]
	if !ok {
		return "", fmt.Errorf("service %q not found", service)
	}
	val, ok := svc[account]
	if !ok {
		return "", fmt.Errorf("account %q not found in service %q", account, service)
	}
	return strings.TrimSpace(val), nil
}

func secretsSet(service, account, value string) error {
	p := secretsFilePath()

	var store map[string]map[string]string
	if data, err := os.ReadFile(p); err == nil {
		_ = json.Unmarshal(data, &store)
	}
	if store == nil {
		store = make(map[string]map[string]string)
	}
	if store[service] == nil {
		store[service] = make(map[string]string)
	}
	store[service][account] = value

	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, out, 0o600)
}

// secretsReader is the production secrets implementation.
type secretsReader struct{}

func (secretsReader) Get(service, account string) (string, error) {
	return secretsGet(service, account)
}

// GetAPIToken returns the bearer token guarding the management API,
// generating and persisting a fresh one on first use.
func GetAPIToken() (string, error) {
	if tok, err := secretsGet("satchel", "api_token"); err == nil && tok != "" {
		return tok, nil
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := secretsSet("satchel", "api_token", tok); err != nil {
		return "", fmt.Errorf("persisting API token: %w", err)
	}
	return tok, nil
}
