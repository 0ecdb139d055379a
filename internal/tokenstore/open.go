package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/zalando/go-keyring"
)

// Backend names accepted in configuration.
const (
	BackendAuto    = "auto"
	BackendKeyring = "keyring"
	BackendFile    = "file"
)

// Options configure Open. Backend selection is resolved exactly once; the
// returned Store never switches backends mid-session.
type Options struct {
	// Backend forces a specific backend; BackendAuto probes the keyring and
	// falls back to encrypted files when it is unreachable.
	Backend string
	// Service is the keyring namespace. Defaults to DefaultService.
	Service string
	// DataDir is the root for encrypted credential files.
	DataDir string
	// LegacyAuthPath points at the pre-secure-storage plaintext credential
	// file. Empty disables migration.
	LegacyAuthPath string
	// KeyProvider overrides the encrypted-file backend's key source. Nil
	// selects the keyring-held key.
	KeyProvider KeyProvider
}

// Open resolves a storage backend and wraps it with legacy migration.
func Open(ctx context.Context, opts Options) (Store, error) {
	if opts.Service == "" {
		opts.Service = DefaultService
	}

	backend, err := openBackend(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &migratingStore{backend: backend, legacyPath: opts.LegacyAuthPath}, nil
}

func openBackend(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case BackendKeyring:
		return NewKeyringStore(opts.Service)
	case BackendFile:
		return newFileBackend(ctx, opts)
	case BackendAuto, "":
		if keyringAvailable(opts.Service) {
			return NewKeyringStore(opts.Service)
		}
		slog.DebugContext(ctx, "OS keyring unavailable, falling back to encrypted file storage")
		store, err := newFileBackend(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", opts.Backend)
	}
}

func newFileBackend(ctx context.Context, opts Options) (Store, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("data directory required for encrypted file storage")
	}
	provider := opts.KeyProvider
	if provider == nil {
		provider = NewKeyringKeyProvider(opts.Service)
	}
	return NewEncryptedFileStore(ctx, filepath.Join(opts.DataDir, "secrets"), provider)
}

// keyringAvailable probes the vault with a read of a known entry. ErrNotFound
// means the vault answered, so it is healthy; anything else (no service
// reachable, permission denied, unsupported platform) selects the fallback.
func keyringAvailable(service string) bool {
	_, err := keyring.Get(service, IdentifierUserToken)
	return err == nil || errors.Is(err, keyring.ErrNotFound)
}

// migratingStore wraps a backend with one-time migration of the legacy
// plaintext credential file.
type migratingStore struct {
	backend    Store
	legacyPath string
}

func (m *migratingStore) Save(ctx context.Context, identifier string, cred *Credential) error {
	if err := m.backend.Save(ctx, identifier, cred); err != nil {
		return err
	}
	// A fresh secure record supersedes any plaintext leftover.
	if identifier == IdentifierUserToken {
		m.removeLegacy(ctx)
	}
	return nil
}

func (m *migratingStore) Load(ctx context.Context, identifier string) (*Credential, error) {
	cred, err := m.backend.Load(ctx, identifier)
	if err != nil || cred != nil {
		return cred, err
	}
	if identifier != IdentifierUserToken || m.legacyPath == "" {
		return nil, nil
	}

	legacy, err := m.readLegacy()
	if err != nil || legacy == nil {
		return nil, err
	}

	if err := m.backend.Save(ctx, identifier, legacy); err != nil {
		// The user is never locked out by a failed migration: keep the
		// plaintext file and serve its token for this call.
		slog.WarnContext(ctx, "failed to migrate legacy credential to secure storage, keeping plaintext file",
			"path", m.legacyPath, "error", err)
		return legacy, nil
	}

	if err := os.Remove(m.legacyPath); err != nil && !os.IsNotExist(err) {
		slog.WarnContext(ctx, "failed to remove legacy credential file", "path", m.legacyPath, "error", err)
	} else {
		slog.InfoContext(ctx, "migrated legacy plaintext credential to secure storage")
	}
	return legacy, nil
}

func (m *migratingStore) Clear(ctx context.Context, identifier string) error {
	if err := m.backend.Clear(ctx, identifier); err != nil {
		return err
	}
	if identifier == IdentifierUserToken {
		m.removeLegacy(ctx)
	}
	return nil
}

func (m *migratingStore) readLegacy() (*Credential, error) {
	data, err := os.ReadFile(m.legacyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("parsing legacy credential file %s: %w", m.legacyPath, err)
	}
	return &cred, nil
}

func (m *migratingStore) removeLegacy(ctx context.Context) {
	if m.legacyPath == "" {
		return
	}
	if err := os.Remove(m.legacyPath); err != nil && !os.IsNotExist(err) {
		slog.WarnContext(ctx, "failed to remove legacy credential file", "path", m.legacyPath, "error", err)
	}
}
