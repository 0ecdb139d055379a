// Package tokenstore provides durable, secure storage for Crosswind Cloud
// credentials.
//
// Two interchangeable backends exist, selected once per process:
//   - Keyring: OS-native credential storage (macOS Keychain, Windows
//     Credential Manager, Linux Secret Service)
//   - EncryptedFile: AES-256-GCM sealed files, with the symmetric key held in
//     the OS keyring
//
// Loads transparently migrate a legacy plaintext credential file into the
// active backend, deleting the plaintext copy only after the secure write has
// been confirmed.
package tokenstore
