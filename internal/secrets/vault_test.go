package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postforge/postforge/pkg/schema"
)

type memStore struct {
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) StoreSecret(_ context.Context, key string, value []byte) error {
	m.data[key] = value
	return nil
}

func (m *memStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	v, ok := m.data[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return v, nil
}

func (m *memStore) DeleteSecret(_ context.Context, key string) error {
	delete(m.data, key)
	return nil
}

func (m *memStore) ListSecrets(_ context.Context) ([]string, error) {
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

const testMasterKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

func newTestVault(t *testing.T) (*Vault, *memStore) {
	t.Helper()
	st := newMemStore()
	v, err := Open(st, Config{MasterKeyHex: testMasterKey})
	require.NoError(t, err)
	return v, st
}

func TestVault_RoundTrip(t *testing.T) {
	v, st := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, KeySearchAPI, "sk-12345"))

	// At rest the value is ciphertext, not the plaintext.
	assert.NotContains(t, string(st.data[KeySearchAPI]), "sk-12345")

	got, err := v.Get(ctx, KeySearchAPI)
	require.NoError(t, err)
	assert.Equal(t, "sk-12345", got)
}

func TestVault_GetUnknownKey(t *testing.T) {
	v, _ := newTestVault(t)
	_, err := v.Get(context.Background(), "missing")
	require.Error(t, err)
	perr, ok := err.(*schema.PipelineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, perr.Code)
}

func TestVault_WrongMasterKeyFailsDecrypt(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()

	v1, err := Open(st, Config{MasterKeyHex: testMasterKey})
	require.NoError(t, err)
	require.NoError(t, v1.Set(ctx, "k", "value"))

	other := "00000000000000000000000000000000ffffffffffffffffffffffffffffffff"
	v2, err := Open(st, Config{MasterKeyHex: other})
	require.NoError(t, err)
	_, err = v2.Get(ctx, "k")
	require.Error(t, err)
	perr, ok := err.(*schema.PipelineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeExecution, perr.Code)
}

func TestVault_PassphraseDerivation(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()

	cfg := Config{Passphrase: "correct horse battery staple", Salt: "postforge-salt"}
	v1, err := Open(st, cfg)
	require.NoError(t, err)
	require.NoError(t, v1.Set(ctx, "k", "value"))

	// Same passphrase and salt derive the same key.
	v2, err := Open(st, cfg)
	require.NoError(t, err)
	got, err := v2.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "value", got)
}

func TestVault_ConfigErrors(t *testing.T) {
	st := newMemStore()

	_, err := Open(st, Config{MasterKeyHex: "not-hex"})
	require.Error(t, err)
	_, err = Open(st, Config{MasterKeyHex: "abcd"}) // 2 bytes, not 32
	require.Error(t, err)
	_, err = Open(st, Config{})
	require.Error(t, err)
	_, err = Open(st, Config{Passphrase: "p"}) // missing salt
	require.Error(t, err)
}

func TestVault_DeleteAndKeys(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "a", "1"))
	require.NoError(t, v.Set(ctx, "b", "2"))

	keys, err := v.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	require.NoError(t, v.Delete(ctx, "a"))
	keys, err = v.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keys)
}

func TestVault_Credentials(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	// Only the search key is stored; the publish key stays empty.
	require.NoError(t, v.Set(ctx, KeySearchAPI, "sk-search"))

	creds, err := v.Credentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sk-search", creds.SearchAPIKey)
	assert.Empty(t, creds.PublishAPIKey)
}

func TestVault_CredentialsSurfacesDecryptFailure(t *testing.T) {
	v, st := newTestVault(t)
	ctx := context.Background()

	st.data[KeyPublishAPI] = []byte("garbage that is long enough to carry a nonce")
	_, err := v.Credentials(ctx)
	require.Error(t, err)
	perr, ok := err.(*schema.PipelineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeExecution, perr.Code)
}
