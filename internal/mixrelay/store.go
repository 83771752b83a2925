package mixrelay

import (
	"os"
	"path/filepath"
)

// FileStore writes delivered final-hop payloads to a flat directory,
// named the way the original relay handler names its in-memory kv
// entries: text-<msgid>, file-<msgid>-<name>, and for raw payloads the
// key passed to StoreRaw unchanged (the relay passes mixmsg-<timestamp>).
type FileStore struct {
	dir string
}

// NewFileStore returns a Store rooted at dir, creating it on first
// write.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) write(name string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, name), data, 0o600)
}

func (s *FileStore) StoreText(msgID string, plaintext []byte) error {
	return s.write("text-"+msgID, plaintext)
}

func (s *FileStore) StoreFile(msgID, name string, data []byte) error {
	return s.write("file-"+msgID+"-"+name, data)
}

func (s *FileStore) StoreRaw(key string, data []byte) error {
	return s.write(key, data)
}
