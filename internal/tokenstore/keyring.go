package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeyringStore persists credentials in the OS-native credential vault. The
// vault's own access control is the only protection layer; no additional
// encryption is applied.
type KeyringStore struct {
	service string
}

// Compile-time check to ensure KeyringStore implements Store
var _ Store = (*KeyringStore)(nil)

// NewKeyringStore creates a KeyringStore namespaced by the given service.
func NewKeyringStore(service string) (*KeyringStore, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}
	return &KeyringStore{service: service}, nil
}

// Save overwrites the record for identifier with the serialized credential.
func (k *KeyringStore) Save(ctx context.Context, identifier string, cred *Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}
	if err := keyring.Set(k.service, identifier, string(data)); err != nil {
		return fmt.Errorf("writing %s to keyring: %w", identifier, err)
	}
	return nil
}

// Load returns the credential for identifier, or (nil, nil) if absent.
func (k *KeyringStore) Load(ctx context.Context, identifier string) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := keyring.Get(k.service, identifier)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s from keyring: %w", identifier, err)
	}

	var cred Credential
	if err := json.Unmarshal([]byte(data), &cred); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", identifier, err)
	}
	return &cred, nil
}

// Clear removes the record for identifier. Absence is not an error.
func (k *KeyringStore) Clear(ctx context.Context, identifier string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := keyring.Delete(k.service, identifier); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("deleting %s from keyring: %w", identifier, err)
	}
	return nil
}
