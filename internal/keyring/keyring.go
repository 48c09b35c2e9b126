// Package keyring stores the control plane API key in the OS keyring.
package keyring

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/99designs/keyring"
)

const (
	serviceName = "inspectd"
	apiKeyItem  = "api-key"
)

var ErrNoAPIKey = errors.New("no API key configured, run `inspectd apikey set` or set INSPECTD_API_KEY")

var (
	ring     keyring.Keyring
	ringOnce sync.Once
	ringErr  error
)

func initKeyring() (keyring.Keyring, error) {
	ringOnce.Do(func() {
		ring, ringErr = keyring.Open(keyring.Config{
			ServiceName: serviceName,
			AllowedBackends: []keyring.BackendType{
				keyring.KeychainBackend,      // macOS Keychain
				keyring.SecretServiceBackend, // Linux Secret Service (GNOME Keyring, KWallet)
				keyring.WinCredBackend,       // Windows Credential Manager
				keyring.PassBackend,          // Pass (password-store.org)
			},
		})
	})
	return ring, ringErr
}

// SetAPIKey stores the API key
func SetAPIKey(key string) error {
	kr, err := initKeyring()
	if err != nil {
		return fmt.Errorf("failed to open keyring: %w", err)
	}
	return kr.Set(keyring.Item{
		Key:   apiKeyItem,
		Data:  []byte(key),
		Label: "inspectd API key",
	})
}

// GetAPIKey returns the stored API key, or "" when none is stored
func GetAPIKey() (string, error) {
	kr, err := initKeyring()
	if err != nil {
		return "", fmt.Errorf("failed to open keyring: %w", err)
	}

	item, err := kr.Get(apiKeyItem)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to retrieve API key: %w", err)
	}
	return string(item.Data), nil
}

// DeleteAPIKey removes the stored API key
func DeleteAPIKey() error {
	kr, err := initKeyring()
	if err != nil {
		return fmt.Errorf("failed to open keyring: %w", err)
	}

	err = kr.Remove(apiKeyItem)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return ErrNoAPIKey
	}
	return err
}

// ResolveAPIKey returns configured when set, otherwise the keyring value
func ResolveAPIKey(configured string) (string, error) {
	return resolveAPIKey(configured, GetAPIKey)
}

func resolveAPIKey(configured string, lookup func() (string, error)) (string, error) {
	if key := strings.TrimSpace(configured); key != "" {
		return key, nil
	}
	key, err := lookup()
	if err != nil {
		return "", err
	}
	if key = strings.TrimSpace(key); key == "" {
		return "", ErrNoAPIKey
	}
	return key, nil
}
