package credential

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "mailbrief"

// Keys under which process secrets are kept.
const (
	KeyTelegramToken = "telegram-token"
	KeyLLMAPIKey     = "llm-api-key"
	KeyStorage       = "storage-key"
)

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailbrief/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailbrief-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Get retrieves a credential value by key from the system keyring.
func Get(key string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores a credential value by key in the system keyring.
func Set(key string, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: "mailbrief " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// Delete removes a credential by key from the system keyring.
func Delete(key string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	if err := ring.Remove(key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}

// Resolve returns value when it is set, otherwise the keyring entry for key.
// A missing keyring entry yields "" without error.
func Resolve(value, key string) (string, error) {
	if value != "" {
		return value, nil
	}
	v, err := Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	return v, err
}

// StorageKey returns the 32-byte key used to seal mailbox secrets. An
// explicit base64 value wins; otherwise the keyring entry is used, and a
// new random key is generated and saved on first run.
func StorageKey(explicit string) ([]byte, error) {
	encoded, err := Resolve(explicit, KeyStorage)
	if err != nil {
		return nil, err
	}

	if encoded == "" {
		key := make([]byte, KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating storage key: %w", err)
		}
		if err := Set(KeyStorage, base64.StdEncoding.EncodeToString(key)); err != nil {
			return nil, err
		}
		return key, nil
	}

	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding storage key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("storage key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}
