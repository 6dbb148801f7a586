package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// Secret accounts under the taskcheck service.
const (
	apiKeyAccount = "service_api_key"
	tokenAccount  = "api_token"
)

// SecretStore reads and writes secrets in the platform store.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// Keychain is the platform secret store: macOS Keychain, or a 0600 JSON
// file under the XDG data dir elsewhere.
type Keychain struct{}

// NewKeychain returns the platform secret store.
func NewKeychain() Keychain { return Keychain{} }

func (Keychain) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (Keychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// GetAPIToken returns the bearer token guarding the local API, generating
// and storing one on first use.
func GetAPIToken(store SecretStore) (string, error) {
	if tok, err := store.Get(secretService, tokenAccount); err == nil && tok != "" {
		return tok, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := store.Set(secretService, tokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
