package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"

	"github.com/nhle/provisioner/internal/model"
)

const serviceName = "provisioner"

// Store reads and writes secrets by key.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// Keyring is a Store backed by the operating system keyring.
type Keyring struct {
	ring keyring.Keyring
}

// Open returns a Keyring using the first available backend.
func Open() (*Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/provisioner/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("provisioner-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Keyring{ring: ring}, nil
}

// NewKeyring wraps an already opened keyring, e.g. keyring.NewArrayKeyring in tests.
func NewKeyring(ring keyring.Keyring) *Keyring {
	return &Keyring{ring: ring}
}

// Get retrieves a credential value by key.
func (k *Keyring) Get(key string) (string, error) {
	item, err := k.ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores a credential value by key.
func (k *Keyring) Set(key string, value string) error {
	err := k.ring.Set(keyring.Item{
		Key:  key,
		Data: []byte(value),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// Delete removes a credential by key.
func (k *Keyring) Delete(key string) error {
	if err := k.ring.Remove(key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}

// IsNotFound reports whether err means the key is absent from the keyring.
func IsNotFound(err error) bool {
	return errors.Is(err, keyring.ErrKeyNotFound)
}

type secretField struct {
	key string
	dst *string
}

func secretFields(cfg *model.AppConfig) []secretField {
	return []secretField{
		{"mail.inbox.epin", &cfg.Mail.Inbox.Epin},
		{"mail.imap.password", &cfg.Mail.IMAP.Password},
		{"mail.imap.client_secret", &cfg.Mail.IMAP.ClientSecret},
		{"mail.imap.refresh_token", &cfg.Mail.IMAP.RefreshToken},
		{"mail.pop3.password", &cfg.Mail.POP3.Password},
		{"identity.hide_my_email.cookies", &cfg.Identity.HideMyEmail.Cookies},
	}
}

// IsSecretKey reports whether key names a config value that FillSecrets
// reads from the keyring.
func IsSecretKey(key string) bool {
	for _, f := range secretFields(&model.AppConfig{}) {
		if f.key == key {
			return true
		}
	}
	return false
}

// SecretKeys lists the keys FillSecrets looks up, in lookup order.
func SecretKeys() []string {
	fields := secretFields(&model.AppConfig{})
	keys := make([]string, len(fields))
	for i, f := range fields {
		keys[i] = f.key
	}
	return keys
}

// FillSecrets replaces empty secret fields in cfg with values stored under
// the matching config key (e.g. "mail.imap.password"). Missing keys are
// left empty; any other keyring failure is returned.
func FillSecrets(s Store, cfg *model.AppConfig) error {
	for _, f := range secretFields(cfg) {
		if *f.dst != "" {
			continue
		}
		v, err := s.Get(f.key)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return err
		}
		*f.dst = v
	}
	return nil
}
