package replication

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/lattice-mesh/meshnet/pkg/wire"
)

// chunkStore persists ciphertext blobs under chunks/<hash-hex>.bin and
// caches the envelope that produced each one under a deterministic key
// (blob-<hash-hex>-<name>), mirroring the original server's in-memory
// kv map.
type chunkStore struct {
	dir string

	mu   sync.RWMutex
	envs map[string]wire.ReplicationEnvelope
}

func newChunkStore(baseDir string) *chunkStore {
	return &chunkStore{dir: filepath.Join(baseDir, "chunks"), envs: make(map[string]wire.ReplicationEnvelope)}
}

func (c *chunkStore) writeCiphertext(hashHex string, ciphertext []byte) error {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.dir, hashHex+".bin"), ciphertext, 0o600)
}

func (c *chunkStore) readCiphertext(hashHex string) ([]byte, error) {
	return os.ReadFile(filepath.Join(c.dir, hashHex+".bin"))
}

func storeKey(hashHex, name string) string {
	return "blob-" + hashHex + "-" + name
}

func (c *chunkStore) cacheEnvelope(env wire.ReplicationEnvelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs[storeKey(env.HashHex, env.Name)] = env
}

func (c *chunkStore) lookupEnvelope(key string) (wire.ReplicationEnvelope, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	env, ok := c.envs[key]
	return env, ok
}
