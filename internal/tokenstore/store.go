package tokenstore

import (
	"context"
	"errors"
)

// Credential identifiers. Each identifier maps to exactly one record in
// exactly one backend at a time.
const (
	IdentifierUserToken    = "user_token"
	IdentifierMachineToken = "machine_token"
)

// DefaultService is the keyring service namespace for all CLI entries.
const DefaultService = "crosswind-cli"

// ErrUnavailable indicates that neither the OS keyring nor the encrypted-file
// backend can be used on this machine.
var ErrUnavailable = errors.New("no usable credential storage backend")

// UserInfo mirrors the user attributes stored alongside a token.
type UserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// TeamInfo mirrors the team attributes stored alongside a token.
type TeamInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Credential is the persisted form of an issued token. The raw token string
// is authoritative; the remaining fields are convenience metadata.
type Credential struct {
	Token     string    `json:"token"`
	ExpiresAt *int64    `json:"expires_at,omitempty"`
	User      *UserInfo `json:"user,omitempty"`
	Team      *TeamInfo `json:"team,omitempty"`
}

// Store reads and writes credentials keyed by identifier.
//
// Save fully replaces any prior record. Load returns (nil, nil) when no
// record exists. Clear is idempotent; clearing an absent record is not an
// error.
type Store interface {
	Save(ctx context.Context, identifier string, cred *Credential) error
	Load(ctx context.Context, identifier string) (*Credential, error)
	Clear(ctx context.Context, identifier string) error
}
