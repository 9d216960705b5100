package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/quorum/pkg/contracts"
)

// ChainEntry is an immutable, hash-chained ledger entry.
type ChainEntry struct {
	Sequence    uint64    `json:"sequence"`
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	Args        []string  `json:"args"`
	ContentHash string    `json:"content_hash"`
	PrevHash    string    `json:"prev_hash"`
	Timestamp   time.Time `json:"timestamp"`
}

// Chain is an in-process append-only ledger used in lite mode and tests.
// Submitting an operation whose key was already committed returns the
// original receipt without appending.
type Chain struct {
	mu         sync.RWMutex
	entries    []ChainEntry
	byKey      map[string]uint64
	sanctioned map[string]bool
	headHash   string
	clock      func() time.Time
}

// NewChain creates an empty chain.
func NewChain() *Chain {
	return &Chain{
		entries:    make([]ChainEntry, 0),
		byKey:      make(map[string]uint64),
		sanctioned: make(map[string]bool),
		headHash:   "genesis",
		clock:      time.Now,
	}
}

// WithClock overrides clock for testing.
func (c *Chain) WithClock(clock func() time.Time) *Chain {
	c.clock = clock
	return c
}

func contentHash(seq uint64, key, name string, args []string, prev string) (string, error) {
	hashInput := struct {
		Seq      uint64   `json:"seq"`
		Key      string   `json:"key"`
		Name     string   `json:"name"`
		Args     []string `json:"args"`
		PrevHash string   `json:"prev"`
	}{seq, key, name, args, prev}

	raw, err := json.Marshal(hashInput)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry: %w", err)
	}
	if raw, err = jcs.Transform(raw); err != nil {
		return "", fmt.Errorf("failed to canonicalize entry: %w", err)
	}
	h := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// Submit appends op and applies its effect on the sanctioned set.
func (c *Chain) Submit(ctx context.Context, op contracts.LedgerOperation) (contracts.LedgerReceipt, error) {
	if err := ctx.Err(); err != nil {
		return contracts.LedgerReceipt{}, Transient(op.Name, err)
	}
	if err := Validate(op); err != nil {
		return contracts.LedgerReceipt{}, Permanent(op.Name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if seq, ok := c.byKey[op.Key]; ok {
		return c.receipt(c.entries[seq-1]), nil
	}

	seq := uint64(len(c.entries)) + 1
	hash, err := contentHash(seq, op.Key, op.Name, op.Args, c.headHash)
	if err != nil {
		return contracts.LedgerReceipt{}, Permanent(op.Name, err)
	}

	entry := ChainEntry{
		Sequence:    seq,
		Key:         op.Key,
		Name:        op.Name,
		Args:        append([]string(nil), op.Args...),
		ContentHash: hash,
		PrevHash:    c.headHash,
		Timestamp:   c.clock(),
	}
	c.entries = append(c.entries, entry)
	c.byKey[op.Key] = seq
	c.headHash = hash

	switch op.Name {
	case contracts.OpBlacklistStudent:
		c.sanctioned[op.Args[0]] = true
	case contracts.OpWhitelistStudent:
		delete(c.sanctioned, op.Args[0])
	}

	return c.receipt(entry), nil
}

func (c *Chain) receipt(e ChainEntry) contracts.LedgerReceipt {
	return contracts.LedgerReceipt{
		Key:       e.Key,
		TxHash:    e.ContentHash,
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp,
	}
}

// Sanctioned reports whether identity is currently blacklisted.
func (c *Chain) Sanctioned(identity string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sanctioned[identity]
}

// Entries returns a copy of the chain.
func (c *Chain) Entries() []ChainEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ChainEntry(nil), c.entries...)
}

// Head returns the current head hash.
func (c *Chain) Head() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.headHash
}

// Length returns the number of entries.
func (c *Chain) Length() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Verify checks the integrity of the entire chain.
func (c *Chain) Verify() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	prevHash := "genesis"
	for i, entry := range c.entries {
		if entry.PrevHash != prevHash {
			return fmt.Errorf("chain broken at entry %d: expected prev %s, got %s", i+1, prevHash, entry.PrevHash)
		}
		computed, err := contentHash(entry.Sequence, entry.Key, entry.Name, entry.Args, entry.PrevHash)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i+1, err)
		}
		if computed != entry.ContentHash {
			return fmt.Errorf("hash mismatch at entry %d", i+1)
		}
		prevHash = entry.ContentHash
	}
	return nil
}
