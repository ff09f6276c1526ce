package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureKeyPair(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")

	first, err := EnsureKeyPair(dir)
	require.NoError(t, err)
	second, err := EnsureKeyPair(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second, "an existing pair is reused")

	pubPath, privPath := KeyPaths(dir)
	pub, err := LoadPublicKey(pubPath)
	require.NoError(t, err)
	assert.Equal(t, first.Public(), pub)

	info, err := os.Stat(privPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestWriteKeyPair_RefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	_, err := WriteKeyPair(dir, false)
	require.NoError(t, err)

	_, err = WriteKeyPair(dir, false)
	assert.ErrorIs(t, err, ErrKeyExists)

	_, err = WriteKeyPair(dir, true)
	assert.NoError(t, err)
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	sig := SignData(priv, []byte("stage passed"))
	ok, err := VerifySignatureFromHex(EncodePublicKey(pub), []byte("stage passed"), sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifySignature(pub, []byte("stage failed"), sig)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifySignatureFromHex("abcd", nil, sig)
	assert.Error(t, err)
}

func TestLoad_InvalidKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.key")
	require.NoError(t, os.WriteFile(path, []byte("abcd\n"), 0o600))

	_, err := LoadPrivateKey(path)
	assert.EqualError(t, err, "invalid private key size")
	_, err = LoadPublicKey(path)
	assert.EqualError(t, err, "invalid public key size")

	_, err = LoadPrivateKey(filepath.Join(t.TempDir(), "absent"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
