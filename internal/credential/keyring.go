// Package credential reads mailbox and API secrets from the OS keyring so
// they do not have to live in the config file.
package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"

	"github.com/nhle/mailagent/internal/model"
)

const serviceName = "mailagent"

// Keyring keys.
const (
	KeyMailPassword = "mail.password"
	KeyAIAPIKey     = "ai.api_key"
)

// ErrNotFound is returned when no secret is stored under a key.
var ErrNotFound = errors.New("credential not found")

// Store wraps a keyring.
type Store struct {
	ring keyring.Keyring
}

// Open opens the system keyring, falling back to an encrypted file under
// ~/.config/mailagent/credentials.
func Open() (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailagent/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailagent-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewStore(ring), nil
}

// NewStore wraps an already opened keyring.
func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Get retrieves a secret by key.
func (s *Store) Get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("getting credential %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores a secret under key.
func (s *Store) Set(key, value string) error {
	err := s.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: serviceName + " " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// Delete removes the secret stored under key.
func (s *Store) Delete(key string) error {
	if err := s.ring.Remove(key); err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return fmt.Errorf("deleting credential %q: %w", key, ErrNotFound)
		}
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}

// Resolve fills secrets missing from cfg from the keyring. Secrets already
// set in cfg (from the file or the environment) win. The API key is only
// looked up for backends that need one.
func (s *Store) Resolve(cfg *model.Config) error {
	if cfg.Mail.Password == "" {
		password, err := s.Get(KeyMailPassword)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		cfg.Mail.Password = password
	}

	if cfg.AI.APIKey == "" && cfg.AI.Backend == "anthropic" {
		key, err := s.Get(KeyAIAPIKey)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		cfg.AI.APIKey = key
	}
	return nil
}
