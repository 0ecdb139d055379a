package tokenstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zalando/go-keyring"
)

// fileKeyEntry is the fixed keyring entry holding the file-encryption key.
const fileKeyEntry = "file-encryption-key"

const keySize = 32 // AES-256

// KeyProvider supplies the symmetric key for the encrypted-file backend.
type KeyProvider interface {
	Key(ctx context.Context) ([]byte, error)
}

// KeyringKeyProvider holds the file-encryption key in the OS keyring,
// generating it on first use. The key is never written to a plain file.
type KeyringKeyProvider struct {
	service string
}

// NewKeyringKeyProvider creates a KeyringKeyProvider under the given service.
func NewKeyringKeyProvider(service string) *KeyringKeyProvider {
	return &KeyringKeyProvider{service: service}
}

// Key returns the installation's file-encryption key, creating and storing a
// fresh one if none exists yet.
func (p *KeyringKeyProvider) Key(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	encoded, err := keyring.Get(p.service, fileKeyEntry)
	if err == nil {
		key, decErr := base64.StdEncoding.DecodeString(encoded)
		if decErr != nil || len(key) != keySize {
			return nil, fmt.Errorf("stored file-encryption key is corrupt")
		}
		return key, nil
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("reading file-encryption key: %w", err)
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating file-encryption key: %w", err)
	}
	// Storing an unprotected key on disk is not an acceptable fallback, so a
	// keyring failure here is fatal for this backend.
	if err := keyring.Set(p.service, fileKeyEntry, base64.StdEncoding.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("storing file-encryption key: %w", err)
	}
	return key, nil
}

// sealedEnvelope is the on-disk format of an encrypted credential.
type sealedEnvelope struct {
	Version int    `json:"v"`
	Nonce   []byte `json:"nonce"`
	Data    []byte `json:"data"`
}

const envelopeVersion = 1

// EncryptedFileStore persists credentials as AES-256-GCM sealed files. The
// identifier is bound into the ciphertext as associated data, so an envelope
// copied between credential kinds fails to open.
type EncryptedFileStore struct {
	dir  string
	aead cipher.AEAD
}

// Compile-time check to ensure EncryptedFileStore implements Store
var _ Store = (*EncryptedFileStore)(nil)

// NewEncryptedFileStore creates an EncryptedFileStore rooted at dir. The
// encryption key is obtained from the provider up front: if no key can be
// obtained the backend is unusable and construction fails.
func NewEncryptedFileStore(ctx context.Context, dir string, provider KeyProvider) (*EncryptedFileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	key, err := provider.Key(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining encryption key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &EncryptedFileStore{dir: dir, aead: aead}, nil
}

func (e *EncryptedFileStore) credentialPath(identifier string) string {
	return filepath.Join(e.dir, identifier+".cred")
}

// Save seals the credential and atomically replaces the prior record.
func (e *EncryptedFileStore) Save(ctx context.Context, identifier string, cred *Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	plaintext, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	envelope := sealedEnvelope{
		Version: envelopeVersion,
		Nonce:   nonce,
		Data:    e.aead.Seal(nil, nonce, plaintext, []byte(identifier)),
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return e.writeAtomic(e.credentialPath(identifier), data)
}

// Load opens the sealed record for identifier, or returns (nil, nil) if none
// exists.
func (e *EncryptedFileStore) Load(ctx context.Context, identifier string) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(e.credentialPath(identifier))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var envelope sealedEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", identifier, err)
	}
	if envelope.Version != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version %d for %s", envelope.Version, identifier)
	}

	plaintext, err := e.aead.Open(nil, envelope.Nonce, envelope.Data, []byte(identifier))
	if err != nil {
		return nil, fmt.Errorf("unsealing %s: %w", identifier, err)
	}

	var cred Credential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", identifier, err)
	}
	return &cred, nil
}

// Clear removes the sealed record. Absence is not an error.
func (e *EncryptedFileStore) Clear(ctx context.Context, identifier string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Remove(e.credentialPath(identifier)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// writeAtomic writes via temp file + rename so a concurrent load never
// observes a half-written record.
func (e *EncryptedFileStore) writeAtomic(path string, data []byte) error {
	tempFile, err := os.CreateTemp(e.dir, "*.tmp")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	defer func() { _ = os.Remove(tempName) }()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tempName, path); err != nil {
		return err
	}
	return os.Chmod(path, 0600)
}
