package blockchain

import (
	"bufio"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNoSigningKey is returned when a block would be appended unsigned.
var ErrNoSigningKey = errors.New("private key is empty, cannot sign block")

type Ledger struct {
	mu     sync.Mutex
	blocks []*Block
	path   string
}

// OpenLedger loads an existing ledger file or starts an empty one.
// Ledger file format: JSON lines (one JSON block per line).
func OpenLedger(path string) (*Ledger, error) {
	l := &Ledger{path: path}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var blk Block
		if err := json.Unmarshal(sc.Bytes(), &blk); err != nil {
			return nil, fmt.Errorf("failed to decode ledger entry at line %d: %w", line, err)
		}
		l.blocks = append(l.blocks, &blk)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return l, nil
}

// Path is the backing JSONL file.
func (l *Ledger) Path() string {
	return l.path
}

// Append links a record to the chain, signs the block hash with the
// ledger key, persists it (JSONL) and keeps it in memory.
func (l *Ledger) Append(rec Record, priv ed25519.PrivateKey) (*Block, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrNoSigningKey
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prev := ""
	if n := len(l.blocks); n > 0 {
		prev = l.blocks[n-1].Hash
	}
	b, err := NewBlock(len(l.blocks), rec, prev)
	if err != nil {
		return nil, err
	}

	sig := ed25519.Sign(priv, []byte(b.Hash))
	b.Signature = hex.EncodeToString(sig)
	b.PubKey = hex.EncodeToString(priv.Public().(ed25519.PublicKey))

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(b); err != nil {
		return nil, fmt.Errorf("write ledger file: %w", err)
	}

	l.blocks = append(l.blocks, b)
	return b, nil
}

// Blocks returns copies of the blocks in chain order.
func (l *Ledger) Blocks() []Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Block, len(l.blocks))
	for i, b := range l.blocks {
		out[i] = *b
	}
	return out
}

// RunBlocks returns the blocks recorded for one run.
func (l *Ledger) RunBlocks(runID string) []Block {
	var out []Block
	for _, b := range l.Blocks() {
		if b.RunID == runID {
			out = append(out, b)
		}
	}
	return out
}

// NextIndex returns the next block index
func (l *Ledger) NextIndex() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.blocks)
}

// LastHash returns the last block hash (or empty if none)
func (l *Ledger) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.blocks) == 0 {
		return ""
	}
	return l.blocks[len(l.blocks)-1].Hash
}
