package convert

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediacache/mediacache"
)

func gzipBytes(t *testing.T, content []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	_, err := writer.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	return buf.Bytes()
}

func TestConvertAnimation(t *testing.T) {
	animation := []byte(`{"v":"5.5.2","fr":60,"layers":[]}`)

	format, content, err := Convert(gzipBytes(t, animation), mediacache.FormatAnim)
	require.NoError(t, err)
	assert.Equal(t, mediacache.FormatAnimJSON, format)
	assert.Equal(t, animation, content)
}

func TestConvertPassthrough(t *testing.T) {
	for _, format := range []mediacache.Format{
		mediacache.FormatWebP,
		mediacache.FormatPNG,
		mediacache.FormatJPG,
		mediacache.FormatWebM,
		mediacache.FormatAnimJSON,
	} {
		t.Run(format.String(), func(t *testing.T) {
			raw := []byte("raw content")

			got, content, err := Convert(raw, format)
			require.NoError(t, err)
			assert.Equal(t, format, got)
			assert.Equal(t, raw, content)
		})
	}
}

func TestConvertAnimationNotGzip(t *testing.T) {
	_, _, err := Convert([]byte("plain text"), mediacache.FormatAnim)
	require.Error(t, err)
}

func TestConvertAnimationNotJSON(t *testing.T) {
	_, _, err := Convert(gzipBytes(t, []byte("<svg/>")), mediacache.FormatAnim)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")
}
