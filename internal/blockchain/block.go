// Package blockchain keeps a tamper-evident record of stage results: one
// signed block per stage, each linked to the hash of the previous block.
package blockchain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Block is a tamper-evident record for one stage of a run
type Block struct {
	Index      int    `json:"index"`
	Timestamp  string `json:"timestamp"`
	RunID      string `json:"runId"`
	Target     string `json:"target"`
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	ReportPath string `json:"reportPath"`
	ReportHash string `json:"reportHash"`
	PrevHash   string `json:"prevHash"`
	Hash       string `json:"hash"`
	Signature  string `json:"signature"`
	PubKey     string `json:"pubKey"`
}

// canonicalData returns the JSON bytes used to compute the block hash.
// It excludes Hash, Signature and PubKey.
func (b *Block) canonicalData() ([]byte, error) {
	view := struct {
		Index      int    `json:"index"`
		Timestamp  string `json:"timestamp"`
		RunID      string `json:"runId"`
		Target     string `json:"target"`
		Stage      string `json:"stage"`
		Status     string `json:"status"`
		ReportPath string `json:"reportPath"`
		ReportHash string `json:"reportHash"`
		PrevHash   string `json:"prevHash"`
	}{
		Index:      b.Index,
		Timestamp:  b.Timestamp,
		RunID:      b.RunID,
		Target:     b.Target,
		Stage:      b.Stage,
		Status:     b.Status,
		ReportPath: b.ReportPath,
		ReportHash: b.ReportHash,
		PrevHash:   b.PrevHash,
	}
	return json.Marshal(view)
}

// ComputeHash calculates SHA256 over canonicalData
func (b *Block) ComputeHash() (string, error) {
	data, err := b.canonicalData()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Record is what the ledger is told about a finished stage.
type Record struct {
	RunID      string
	Target     string
	Stage      string
	Status     string
	ReportPath string
	ReportHash string
}

// NewBlock constructs a block and computes its hash (no signature yet)
func NewBlock(index int, rec Record, prevHash string) (*Block, error) {
	blk := &Block{
		Index:      index,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		RunID:      rec.RunID,
		Target:     rec.Target,
		Stage:      rec.Stage,
		Status:     rec.Status,
		ReportPath: rec.ReportPath,
		ReportHash: rec.ReportHash,
		PrevHash:   prevHash,
	}

	h, err := blk.ComputeHash()
	if err != nil {
		return nil, fmt.Errorf("compute block hash: %w", err)
	}
	blk.Hash = h
	return blk, nil
}
