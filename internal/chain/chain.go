// Package chain implements the per-node, append-only hash-linked Chain
// Log. Writes are serialized behind a single mutex; the tip is read
// under the same mutex so (read-tip, append) is linearizable from the
// Replication Engine's perspective.
package chain

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/lattice-mesh/meshnet/pkg/wire"
)

// Log is one node's chain log.
type Log struct {
	mu     sync.Mutex
	path   string
	tip    string
	blocks []wire.Block
}

// Open loads an existing chain.jsonl under dir, or starts an empty
// chain if none exists yet.
func Open(dir string) (*Log, error) {
	path := filepath.Join(dir, "chain.jsonl")
	l := &Log{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, err
	}
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var b wire.Block
		if err := json.Unmarshal(line, &b); err != nil {
			continue
		}
		l.blocks = append(l.blocks, b)
		l.tip = b.Hash
	}
	return l, nil
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, c := range data {
		if c == '\n' {
			out = append(out, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, data[start:])
	}
	return out
}

// Tip returns the hash of the most recently appended block, or "" if
// the chain is empty.
func (l *Log) Tip() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tip
}

// List returns a value-copy snapshot of every block, oldest first.
func (l *Log) List() []wire.Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]wire.Block, len(l.blocks))
	copy(out, l.blocks)
	return out
}

// Append atomically checks that the current tip equals b.PrevHash and,
// if so, appends b and advances the tip. It returns false without
// mutating anything if the tip has moved. This is the single
// chain-link check-and-append call, done under one lock so a
// concurrent origination and an inbound admission cannot race.
func (l *Log) Append(b wire.Block) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tip != b.PrevHash {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return false, err
	}
	line, err := json.Marshal(b)
	if err != nil {
		return false, err
	}
	line = append(line, '\n')

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return false, err
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return false, err
	}

	l.blocks = append(l.blocks, b)
	l.tip = b.Hash
	return true, nil
}
