package blockchain

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateci/internal/security"
)

func newLedger(t *testing.T) (*Ledger, []byte) {
	t.Helper()
	_, priv, err := security.GenerateKeyPair()
	require.NoError(t, err)
	l, err := OpenLedger(filepath.Join(t.TempDir(), "build", "ledger.jsonl"))
	require.NoError(t, err)
	return l, priv
}

func TestAppendAndReopen(t *testing.T) {
	l, priv := newLedger(t)
	run := uuid.NewString()

	first, err := l.Append(Record{RunID: run, Target: "test", Stage: "compile", Status: "passed", ReportHash: "aa"}, priv)
	require.NoError(t, err)
	second, err := l.Append(Record{RunID: run, Target: "test", Stage: "test", Status: "failed", ReportHash: "bb"}, priv)
	require.NoError(t, err)

	assert.Equal(t, "", first.PrevHash)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.Equal(t, 2, l.NextIndex())
	assert.Equal(t, second.Hash, l.LastHash())

	reopened, err := OpenLedger(l.Path())
	require.NoError(t, err)
	assert.Equal(t, l.Blocks(), reopened.Blocks())
	assert.Len(t, reopened.RunBlocks(run), 2)
	assert.Empty(t, reopened.RunBlocks(uuid.NewString()))
	require.NoError(t, reopened.VerifyChain(nil))
}

func TestAppend_RequiresKey(t *testing.T) {
	l, _ := newLedger(t)
	_, err := l.Append(Record{Stage: "compile"}, nil)
	assert.ErrorIs(t, err, ErrNoSigningKey)
	assert.Equal(t, 0, l.NextIndex())
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(b *Block)
		want   string
	}{
		{name: "status rewritten", tamper: func(b *Block) { b.Status = "passed" }, want: "hash mismatch at index 1"},
		{name: "rehashed without the key", tamper: func(b *Block) {
			b.Status = "passed"
			b.Hash, _ = b.ComputeHash()
		}, want: "invalid signature at index 1"},
		{name: "signature swapped", tamper: func(b *Block) { b.Signature = strings.Repeat("00", 64) }, want: "invalid signature at index 1"},
		{name: "index shifted", tamper: func(b *Block) { b.Index = 7 }, want: "index mismatch: expected 1 got 7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, priv := newLedger(t)
			for _, stage := range []string{"compile", "test", "coverage"} {
				_, err := l.Append(Record{RunID: "r", Stage: stage, Status: "failed"}, priv)
				require.NoError(t, err)
			}

			blocks := l.Blocks()
			tt.tamper(&blocks[1])
			var sb strings.Builder
			for _, b := range blocks {
				data, err := json.Marshal(b)
				require.NoError(t, err)
				sb.Write(append(data, '\n'))
			}
			require.NoError(t, os.WriteFile(l.Path(), []byte(sb.String()), 0o644))

			tampered, err := OpenLedger(l.Path())
			require.NoError(t, err)
			assert.EqualError(t, tampered.VerifyChain(nil), tt.want)
		})
	}
}

func TestVerifyChain_UntrustedKey(t *testing.T) {
	l, priv := newLedger(t)
	_, err := l.Append(Record{Stage: "compile", Status: "passed"}, priv)
	require.NoError(t, err)

	other, _, err := security.GenerateKeyPair()
	require.NoError(t, err)
	assert.EqualError(t, l.VerifyChain(other), "block 0 is signed by an untrusted key")
}

func TestOpenLedger_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{not json}\n"), 0o644))
	_, err := OpenLedger(path)
	assert.ErrorContains(t, err, "line 1")
}
