// Package registry keeps the local record of relay instances the user can
// authorize. It is plain (non-secret) data stored as JSON in the data dir.
package registry

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const defaultPathPrefix = "admin"

// Relay is one registered relay instance.
type Relay struct {
	// ID is a stable short identifier derived from address and label.
	ID         string `json:"id"`
	IP         string `json:"ip"`
	Port       uint16 `json:"port"`
	Label      string `json:"label"`
	PathPrefix string `json:"path_prefix,omitempty"`
}

// URL returns the base URL of the relay's management endpoint.
func (r Relay) URL() string {
	return fmt.Sprintf("http://%s:%d/%s", r.IP, r.Port, r.PathPrefix)
}

// Registry is a JSON-file backed list of relays.
type Registry struct {
	path string
}

// New creates a Registry persisted at path.
func New(path string) *Registry {
	return &Registry{path: path}
}

// List returns all registered relays, backfilling derived IDs and default
// path prefixes for records written by older versions.
func (r *Registry) List() ([]Relay, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var relays []Relay
	if err := json.Unmarshal(data, &relays); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", r.path, err)
	}

	changed := false
	for i := range relays {
		if relays[i].PathPrefix == "" {
			relays[i].PathPrefix = defaultPathPrefix
		}
		if relays[i].ID == "" {
			relays[i].ID = deriveID(relays[i].IP, relays[i].Port, relays[i].Label)
			changed = true
		}
	}
	if changed {
		if err := r.save(relays); err != nil {
			return nil, err
		}
	}
	return relays, nil
}

// Add registers a relay, deduplicating by label first, then by address.
func (r *Registry) Add(relay Relay) (Relay, error) {
	relays, err := r.List()
	if err != nil {
		return Relay{}, err
	}
	if relay.PathPrefix == "" {
		relay.PathPrefix = defaultPathPrefix
	}

	if i := indexOf(relays, func(existing Relay) bool { return existing.Label == relay.Label }); i >= 0 {
		// Update in place, preserving the existing ID.
		relay.ID = relays[i].ID
		relays[i] = relay
	} else if i := indexOf(relays, func(existing Relay) bool {
		return existing.IP == relay.IP && existing.Port == relay.Port
	}); i >= 0 {
		relay.ID = relays[i].ID
		relays[i] = relay
	} else {
		if relay.ID == "" {
			relay.ID = deriveID(relay.IP, relay.Port, relay.Label)
		}
		relays = append(relays, relay)
	}

	if err := r.save(relays); err != nil {
		return Relay{}, err
	}
	return relay, nil
}

// RemoveByLabel removes the relay with the given label. Returns whether a
// record was removed.
func (r *Registry) RemoveByLabel(label string) (bool, error) {
	return r.removeIf(func(relay Relay) bool { return relay.Label == label })
}

// RemoveByID removes the relay with the given ID.
func (r *Registry) RemoveByID(id string) (bool, error) {
	return r.removeIf(func(relay Relay) bool { return relay.ID == id })
}

// RemoveByAddr removes the relay with the given address.
func (r *Registry) RemoveByAddr(ip string, port uint16) (bool, error) {
	return r.removeIf(func(relay Relay) bool { return relay.IP == ip && relay.Port == port })
}

// FindByID returns the relay with the given ID, or nil.
func (r *Registry) FindByID(id string) (*Relay, error) {
	return r.find(func(relay Relay) bool { return relay.ID == id })
}

// FindByLabel returns the relay with the given label, or nil.
func (r *Registry) FindByLabel(label string) (*Relay, error) {
	return r.find(func(relay Relay) bool { return relay.Label == label })
}

func (r *Registry) find(match func(Relay) bool) (*Relay, error) {
	relays, err := r.List()
	if err != nil {
		return nil, err
	}
	if i := indexOf(relays, match); i >= 0 {
		return &relays[i], nil
	}
	return nil, nil
}

func (r *Registry) removeIf(match func(Relay) bool) (bool, error) {
	relays, err := r.List()
	if err != nil {
		return false, err
	}
	kept := relays[:0]
	for _, relay := range relays {
		if !match(relay) {
			kept = append(kept, relay)
		}
	}
	if len(kept) == len(relays) {
		return false, nil
	}
	return true, r.save(kept)
}

func (r *Registry) save(relays []Relay) error {
	if relays == nil {
		relays = []Relay{}
	}
	data, err := json.MarshalIndent(relays, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tempFile, err := os.CreateTemp(dir, "*.tmp")
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
	return os.Rename(tempName, r.path)
}

func indexOf(relays []Relay, match func(Relay) bool) int {
	for i, relay := range relays {
		if match(relay) {
			return i
		}
	}
	return -1
}

// deriveID produces a stable short identifier from address and label.
func deriveID(ip string, port uint16, label string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%d:%s", ip, port, label))
	return fmt.Sprintf("%x", sum[:4])
}
