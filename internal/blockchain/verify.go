package blockchain

import (
	"crypto/ed25519"
	"fmt"

	"gateci/internal/security"
)

// VerifyChain re-computes each block hash, link and signature to detect
// tampering. When trusted is set every block must be signed by that key.
func (l *Ledger) VerifyChain(trusted ed25519.PublicKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, b := range l.blocks {
		// index sanity
		if b.Index != i {
			return fmt.Errorf("index mismatch: expected %d got %d", i, b.Index)
		}

		h, err := b.ComputeHash()
		if err != nil {
			return fmt.Errorf("compute hash for index %d: %w", b.Index, err)
		}
		if h != b.Hash {
			return fmt.Errorf("hash mismatch at index %d", b.Index)
		}

		// Check link
		prev := ""
		if i > 0 {
			prev = l.blocks[i-1].Hash
		}
		if b.PrevHash != prev {
			return fmt.Errorf("prev hash mismatch at index %d", b.Index)
		}

		ok, err := security.VerifySignatureFromHex(b.PubKey, []byte(b.Hash), b.Signature)
		if err != nil {
			return fmt.Errorf("signature at index %d: %w", b.Index, err)
		}
		if !ok {
			return fmt.Errorf("invalid signature at index %d", b.Index)
		}
		if trusted != nil && b.PubKey != security.EncodePublicKey(trusted) {
			return fmt.Errorf("block %d is signed by an untrusted key", b.Index)
		}
	}
	return nil
}
