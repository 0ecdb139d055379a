package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "relays.json"))
}

func TestDeriveIDDeterministic(t *testing.T) {
	require.Equal(t, deriveID("192.168.1.1", 8081, "lab"), deriveID("192.168.1.1", 8081, "lab"))
	require.Len(t, deriveID("192.168.1.1", 8081, "lab"), 8)

	require.NotEqual(t, deriveID("192.168.1.1", 8081, "a"), deriveID("192.168.1.1", 8081, "b"))
	require.NotEqual(t, deriveID("192.168.1.1", 8081, "a"), deriveID("192.168.1.2", 8081, "a"))
	require.NotEqual(t, deriveID("192.168.1.1", 8081, "a"), deriveID("192.168.1.1", 8082, "a"))
}

func TestAddAndList(t *testing.T) {
	reg := newTestRegistry(t)

	added, err := reg.Add(Relay{IP: "127.0.0.1", Port: 8081, Label: "lab"})
	require.NoError(t, err)
	require.NotEmpty(t, added.ID)
	require.Equal(t, "admin", added.PathPrefix)

	relays, err := reg.List()
	require.NoError(t, err)
	require.Len(t, relays, 1)
	require.Equal(t, added, relays[0])
}

func TestAddDeduplicatesByLabel(t *testing.T) {
	reg := newTestRegistry(t)

	first, err := reg.Add(Relay{IP: "127.0.0.1", Port: 8081, Label: "lab"})
	require.NoError(t, err)

	updated, err := reg.Add(Relay{IP: "10.0.0.5", Port: 9000, Label: "lab"})
	require.NoError(t, err)
	require.Equal(t, first.ID, updated.ID, "ID is preserved on update")

	relays, err := reg.List()
	require.NoError(t, err)
	require.Len(t, relays, 1)
	require.Equal(t, "10.0.0.5", relays[0].IP)
}

func TestAddDeduplicatesByAddress(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.Add(Relay{IP: "127.0.0.1", Port: 8081, Label: "old"})
	require.NoError(t, err)
	_, err = reg.Add(Relay{IP: "127.0.0.1", Port: 8081, Label: "new"})
	require.NoError(t, err)

	relays, err := reg.List()
	require.NoError(t, err)
	require.Len(t, relays, 1)
	require.Equal(t, "new", relays[0].Label)
}

func TestRemove(t *testing.T) {
	reg := newTestRegistry(t)

	added, err := reg.Add(Relay{IP: "127.0.0.1", Port: 8081, Label: "lab"})
	require.NoError(t, err)

	removed, err := reg.RemoveByID(added.ID)
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = reg.RemoveByID(added.ID)
	require.NoError(t, err)
	require.False(t, removed, "removing twice is not an error")

	relays, err := reg.List()
	require.NoError(t, err)
	require.Empty(t, relays)
}

func TestFind(t *testing.T) {
	reg := newTestRegistry(t)

	added, err := reg.Add(Relay{IP: "127.0.0.1", Port: 8081, Label: "lab"})
	require.NoError(t, err)

	byID, err := reg.FindByID(added.ID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	require.Equal(t, "lab", byID.Label)

	byLabel, err := reg.FindByLabel("lab")
	require.NoError(t, err)
	require.NotNil(t, byLabel)

	missing, err := reg.FindByLabel("nope")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestListBackfillsLegacyRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relays.json")
	legacy := `[{"ip": "127.0.0.1", "port": 8081, "label": "lab"}]`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0600))

	relays, err := New(path).List()
	require.NoError(t, err)
	require.Len(t, relays, 1)
	require.NotEmpty(t, relays[0].ID)
	require.Equal(t, "admin", relays[0].PathPrefix)
}

func TestRelayURL(t *testing.T) {
	relay := Relay{IP: "127.0.0.1", Port: 8081, PathPrefix: "admin"}
	require.Equal(t, "http://127.0.0.1:8081/admin", relay.URL())
}
