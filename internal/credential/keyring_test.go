package credential

import (
	"errors"
	"testing"

	"github.com/99designs/keyring"

	"github.com/nhle/mailagent/internal/model"
)

func TestStoreRoundTrip(t *testing.T) {
	s := NewStore(keyring.NewArrayKeyring(nil))

	if _, err := s.Get(KeyMailPassword); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() on empty keyring error = %v, want ErrNotFound", err)
	}

	if err := s.Set(KeyMailPassword, "hunter2"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	got, err := s.Get(KeyMailPassword)
	if err != nil || got != "hunter2" {
		t.Errorf("Get() = %q, %v", got, err)
	}

	if err := s.Delete(KeyMailPassword); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := s.Get(KeyMailPassword); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete() error = %v, want ErrNotFound", err)
	}
}

func TestResolve(t *testing.T) {
	ring := keyring.NewArrayKeyring([]keyring.Item{
		{Key: KeyMailPassword, Data: []byte("from-keyring")},
		{Key: KeyAIAPIKey, Data: []byte("sk-test")},
	})
	s := NewStore(ring)

	tests := []struct {
		name         string
		password     string
		backend      string
		wantPassword string
		wantKey      string
	}{
		{"fills password", "", "ollama", "from-keyring", ""},
		{"config wins", "from-config", "ollama", "from-config", ""},
		{"fills api key for anthropic", "", "anthropic", "from-keyring", "sk-test"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := model.DefaultConfig()
			cfg.Mail.Password = tt.password
			cfg.AI.Backend = tt.backend
			cfg.AI.APIKey = ""

			if err := s.Resolve(cfg); err != nil {
				t.Fatalf("Resolve() error: %v", err)
			}
			if cfg.Mail.Password != tt.wantPassword {
				t.Errorf("Password = %q, want %q", cfg.Mail.Password, tt.wantPassword)
			}
			if cfg.AI.APIKey != tt.wantKey {
				t.Errorf("APIKey = %q, want %q", cfg.AI.APIKey, tt.wantKey)
			}
		})
	}
}

func TestResolveMissingSecrets(t *testing.T) {
	s := NewStore(keyring.NewArrayKeyring(nil))
	cfg := model.DefaultConfig()
	cfg.AI.Backend = "anthropic"

	if err := s.Resolve(cfg); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if cfg.Mail.Password != "" || cfg.AI.APIKey != "" {
		t.Errorf("secrets = %q, %q, want empty", cfg.Mail.Password, cfg.AI.APIKey)
	}
}
