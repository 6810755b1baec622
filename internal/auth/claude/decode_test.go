package claude

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBody(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"data":[{"id":"claude-sonnet-4-20250514"}]}`)

	encode := map[string]func(t *testing.T) []byte{
		"": func(t *testing.T) []byte { return payload },
		"gzip": func(t *testing.T) []byte {
			var buf bytes.Buffer
			w := gzip.NewWriter(&buf)
			_, err := w.Write(payload)
			require.NoError(t, err)
			require.NoError(t, w.Close())
			return buf.Bytes()
		},
		"deflate": func(t *testing.T) []byte {
			var buf bytes.Buffer
			w, err := flate.NewWriter(&buf, flate.DefaultCompression)
			require.NoError(t, err)
			_, err = w.Write(payload)
			require.NoError(t, err)
			require.NoError(t, w.Close())
			return buf.Bytes()
		},
		"br": func(t *testing.T) []byte {
			var buf bytes.Buffer
			w := brotli.NewWriter(&buf)
			_, err := w.Write(payload)
			require.NoError(t, err)
			require.NoError(t, w.Close())
			return buf.Bytes()
		},
		"zstd": func(t *testing.T) []byte {
			enc, err := zstd.NewWriter(nil)
			require.NoError(t, err)
			defer enc.Close()
			return enc.EncodeAll(payload, nil)
		},
	}

	for name, fn := range encode {
		name, fn := name, fn
		t.Run("encoding="+name, func(t *testing.T) {
			t.Parallel()
			out, err := decodeBody(name, fn(t))
			require.NoError(t, err)
			assert.Equal(t, payload, out)
		})
	}
}

func TestDecodeBodyRejectsCorruptInput(t *testing.T) {
	t.Parallel()

	_, err := decodeBody("gzip", []byte("definitely not gzip"))
	assert.Error(t, err)

	out, err := decodeBody("compress", []byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), out)
}
