package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/nhle/provisioner/internal/credential"
	"github.com/nhle/provisioner/internal/logging"
	"github.com/nhle/provisioner/internal/model"
)

// FillSecrets completes secrets left empty in cfg from secrets. A nil
// store leaves cfg untouched. Keyring failures are logged, not returned,
// so that file and environment values still apply.
func FillSecrets(ctx context.Context, cfg *model.AppConfig, secrets credential.Store, log logging.Logger) {
	if secrets == nil {
		return
	}
	if err := credential.FillSecrets(secrets, cfg); err != nil {
		log.Warn(ctx, "reading secrets from keyring failed", "error", err)
	}
}

// OpenKeyring opens the system keyring, or returns nil when none is
// available.
func OpenKeyring(ctx context.Context, log logging.Logger) credential.Store {
	ring, err := credential.Open()
	if err != nil {
		log.Warn(ctx, "system keyring unavailable", "error", err)
		return nil
	}
	return ring
}

// SetSecret stores value in the keyring under key, which must be one of
// the secret config keys.
func SetSecret(secrets credential.Store, key, value string) error {
	if err := checkSecretKey(key); err != nil {
		return err
	}
	if value == "" {
		return &model.ConfigError{Key: key, Message: "secret value must not be empty"}
	}
	return secrets.Set(key, value)
}

// DeleteSecret removes key from the keyring.
func DeleteSecret(secrets credential.Store, key string) error {
	if err := checkSecretKey(key); err != nil {
		return err
	}
	return secrets.Delete(key)
}

func checkSecretKey(key string) error {
	if credential.IsSecretKey(key) {
		return nil
	}
	return &model.ConfigError{
		Key:     key,
		Message: "not a secret key; expected one of " + strings.Join(credential.SecretKeys(), ", "),
	}
}

// InitConfig writes the built-in defaults to path. An existing file is
// never overwritten.
func InitConfig(path string) error {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return fmt.Errorf("config file %s already exists", path)
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("checking config file %s: %w", path, err)
	}
	return model.SaveConfig(path, model.DefaultConfig())
}
