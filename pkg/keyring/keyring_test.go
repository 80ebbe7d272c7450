package keyring_test

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thepwagner/appcenter/pkg/keyring"
)

func testKey(tb testing.TB) (*openpgp.Entity, []byte) {
	tb.Helper()
	ent, err := openpgp.NewEntity("Example Repo", "", "repo@example.test", nil)
	require.NoError(tb, err)
	var buf bytes.Buffer
	require.NoError(tb, ent.Serialize(&buf))
	return ent, buf.Bytes()
}

func TestDecodeGPGKey(t *testing.T) {
	t.Parallel()
	ent, raw := testKey(t)
	keyID := ent.PrimaryKey.KeyIdString()

	t.Run("base64", func(t *testing.T) {
		t.Parallel()
		b, entities, err := keyring.DecodeGPGKey(base64.StdEncoding.EncodeToString(raw))
		require.NoError(t, err)
		assert.Equal(t, raw, b)
		assert.Equal(t, []string{keyID}, keyring.KeyIDs(entities))
	})

	t.Run("wrapped lines", func(t *testing.T) {
		t.Parallel()
		enc := base64.StdEncoding.EncodeToString(raw)
		_, entities, err := keyring.DecodeGPGKey(enc[:10] + "\n " + enc[10:])
		require.NoError(t, err)
		assert.Len(t, entities, 1)
	})

	t.Run("not base64", func(t *testing.T) {
		t.Parallel()
		_, _, err := keyring.DecodeGPGKey("https://example.test/key.gpg")
		assert.Error(t, err)
	})

	t.Run("not a key", func(t *testing.T) {
		t.Parallel()
		_, _, err := keyring.DecodeGPGKey(base64.StdEncoding.EncodeToString([]byte("meow")))
		assert.Error(t, err)
	})
}

func TestFromReader_Armored(t *testing.T) {
	t.Parallel()
	ent, raw := testKey(t)

	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	_, err = w.Write(raw)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	entities, err := keyring.FromReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, []string{ent.PrimaryKey.KeyIdString()}, keyring.KeyIDs(entities))
}
