package credstore

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "credentials.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBrokerCredentials_RoundTrip(t *testing.T) {
	store := newTestStore(t)

	got, err := store.GetBrokerCredentials()
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.StoreBrokerCredentials(BrokerCredentials{Username: "trader", APIKey: "key-123"}))

	got, err = store.GetBrokerCredentials()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "trader", got.Username)
	assert.Equal(t, "key-123", got.APIKey)
}

func TestBrokerCredentials_Replace(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.StoreBrokerCredentials(BrokerCredentials{Username: "old", APIKey: "old-key"}))
	require.NoError(t, store.StoreBrokerCredentials(BrokerCredentials{Username: "new", APIKey: "new-key"}))

	got, err := store.GetBrokerCredentials()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "new", got.Username)
	assert.Equal(t, "new-key", got.APIKey)
}

func TestBrokerCredentials_Delete(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.StoreBrokerCredentials(BrokerCredentials{Username: "trader", APIKey: "key-123"}))
	require.NoError(t, store.DeleteBrokerCredentials())

	got, err := store.GetBrokerCredentials()
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting an empty store is a no-op
	assert.NoError(t, store.DeleteBrokerCredentials())
}

func TestCloudTokens_RoundTrip(t *testing.T) {
	store := newTestStore(t)

	stored := CloudTokens{
		BotID:             "bot-42",
		AccessToken:       "at-1",
		RefreshToken:      "rt-1",
		DeviceFingerprint: "fp-test-device",
	}
	require.NoError(t, store.StoreCloudTokens(stored))

	got, err := store.GetCloudTokens()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, stored, *got)
}

func TestCloudTokens_Delete(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.StoreCloudTokens(CloudTokens{BotID: "bot-42", AccessToken: "a", RefreshToken: "r", DeviceFingerprint: "f"}))
	require.NoError(t, store.DeleteCloudTokens())

	got, err := store.GetCloudTokens()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.db")

	store, err := New(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, store.StoreCloudTokens(CloudTokens{BotID: "bot-42", AccessToken: "a", RefreshToken: "r", DeviceFingerprint: "f"}))
	require.NoError(t, store.Close())

	reopened, err := New(path, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetCloudTokens()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "bot-42", got.BotID)
}
