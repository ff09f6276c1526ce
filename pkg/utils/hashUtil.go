// Package utils holds the hashing helpers shared by the artifact
// assembler, the publisher and the run ledger.
package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Digest is the size and content hashes of a file.
type Digest struct {
	Size   int64
	SHA256 string
	BLAKE3 string
}

// DigestFile hashes a file with SHA-256 and BLAKE3 in a single read.
func DigestFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer f.Close()

	sha := sha256.New()
	b3 := blake3.New()
	n, err := io.Copy(io.MultiWriter(sha, b3), f)
	if err != nil {
		return Digest{}, err
	}
	return Digest{
		Size:   n,
		SHA256: hex.EncodeToString(sha.Sum(nil)),
		BLAKE3: hex.EncodeToString(b3.Sum(nil)),
	}, nil
}

// HashFile returns the hex SHA-256 of a file.
func HashFile(path string) (string, error) {
	d, err := DigestFile(path)
	if err != nil {
		return "", err
	}
	return d.SHA256, nil
}

func HashString(data string) string {
	return HashBytes([]byte(data))
}

func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
