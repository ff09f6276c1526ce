package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", HashString(""))
	assert.Equal(t, HashString("abc"), HashBytes([]byte("abc")))
}

func TestDigestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	d, err := DigestFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), d.Size)
	assert.Equal(t, HashString(""), d.SHA256)
	assert.Equal(t, "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262", d.BLAKE3)

	sum, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, d.SHA256, sum)
}

func TestDigestFile_Missing(t *testing.T) {
	_, err := DigestFile(filepath.Join(t.TempDir(), "absent"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
