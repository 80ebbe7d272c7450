package compression_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thepwagner/appcenter/pkg/compression"
)

func TestCompress(t *testing.T) {
	t.Parallel()

	payload := []byte(`<?xml version="1.0"?><components origin="flathub"/>`)
	for _, c := range []compression.Compression{compression.GZIP, compression.XZ, compression.ZSTD} {
		t.Run(c.String(), func(t *testing.T) {
			t.Parallel()
			b, err := c.Compress(payload)
			require.NoError(t, err)
			assert.Equal(t, c, compression.Detect(b))

			out, err := compression.Decompress(b)
			require.NoError(t, err)
			assert.Equal(t, payload, out)
		})
	}
}

func TestDecompress_Plain(t *testing.T) {
	t.Parallel()

	out, err := compression.Decompress([]byte("<a/>"))
	require.NoError(t, err)
	assert.Equal(t, []byte("<a/>"), out)

	out, err = compression.Decompress(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestParse(t *testing.T) {
	t.Parallel()
	assert.Equal(t, compression.GZIP, compression.Parse(".gz"))
	assert.Equal(t, compression.ZSTD, compression.Parse("zst"))
	assert.Equal(t, compression.None, compression.Parse("bz2"))
	assert.Equal(t, ".xz", compression.XZ.Extension())
	assert.Equal(t, "", compression.None.Extension())
}
