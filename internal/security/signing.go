// Package security manages the ed25519 key pair that signs the run ledger.
package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	PublicKeyFile  = "ledger.pub"
	PrivateKeyFile = "ledger.key"
)

// ErrKeyExists is returned when generating over an existing key pair.
var ErrKeyExists = errors.New("key pair already exists")

// GenerateKeyPair creates a new ed25519 key pair (public+private)
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// SaveKeyPair saves both keys as hex files
func SaveKeyPair(pub ed25519.PublicKey, priv ed25519.PrivateKey, pubpath, privpath string) error {
	if err := os.WriteFile(pubpath, []byte(EncodePublicKey(pub)), 0o644); err != nil {
		return err
	}
	return os.WriteFile(privpath, []byte(hex.EncodeToString(priv)), 0o600)
}

// KeyPaths returns the public and private key files of a keys directory.
func KeyPaths(dir string) (pub, priv string) {
	return filepath.Join(dir, PublicKeyFile), filepath.Join(dir, PrivateKeyFile)
}

// WriteKeyPair generates a key pair into dir. It refuses to replace keys
// unless force is set.
func WriteKeyPair(dir string, force bool) (ed25519.PublicKey, error) {
	pubPath, privPath := KeyPaths(dir)
	if !force {
		if _, err := os.Stat(privPath); err == nil {
			return nil, fmt.Errorf("%s: %w", privPath, ErrKeyExists)
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := SaveKeyPair(pub, priv, pubPath, privPath); err != nil {
		return nil, err
	}
	return pub, nil
}

// EnsureKeyPair loads the key pair from dir, generating it on first use.
func EnsureKeyPair(dir string) (ed25519.PrivateKey, error) {
	_, privPath := KeyPaths(dir)
	priv, err := LoadPrivateKey(privPath)
	if errors.Is(err, os.ErrNotExist) {
		if _, err := WriteKeyPair(dir, false); err != nil {
			return nil, err
		}
		return LoadPrivateKey(privPath)
	}
	return priv, err
}

// LoadPrivateKey loads an Ed25519 private key from a hex-encoded file
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	keyBytes, err := readHex(path)
	if err != nil {
		return nil, err
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid private key size")
	}
	return ed25519.PrivateKey(keyBytes), nil
}

// LoadPublicKey loads an Ed25519 public key from a hex-encoded file
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	keyBytes, err := readHex(path)
	if err != nil {
		return nil, err
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, errors.New("invalid public key size")
	}
	return ed25519.PublicKey(keyBytes), nil
}

func readHex(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(strings.TrimSpace(string(data)))
}

func EncodePublicKey(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

// SignData signs arbitrary data using a private key
func SignData(priv ed25519.PrivateKey, data []byte) string {
	return hex.EncodeToString(ed25519.Sign(priv, data))
}

// VerifySignature verifies signature of data using a public key
func VerifySignature(pub ed25519.PublicKey, data []byte, sigHex string) (bool, error) {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, data, sig), nil
}

// VerifySignatureFromHex verifies when the public key is hex encoded
func VerifySignatureFromHex(pubHex string, data []byte, sigHex string) (bool, error) {
	pubBytes, err := hex.DecodeString(pubHex)
	if err != nil {
		return false, err
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return false, errors.New("invalid public key size")
	}
	return VerifySignature(ed25519.PublicKey(pubBytes), data, sigHex)
}
