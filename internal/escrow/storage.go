// Package escrow implements the Key Escrow Service named in spec
// §4.8: a centralized, bearer-token-guarded custodian of per-artifact
// symmetric keys, sealed at rest under a master key and persisted in a
// transactional SQL store. Grounded directly on the original
// keysaver-server package, adapted to the mesh's node-id and AEAD
// conventions.
package escrow

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"
)

// ErrNoMasterKey is returned by Open when the caller supplies an empty
// master key string or one made only of '0' characters or NUL bytes.
var ErrNoMasterKey = errors.New("escrow: master key is empty")

// KeyRecord is a single escrowed artifact key, per spec §4 Key Escrow
// Record: {file-hash (unique), origin-node-id, key-encrypted, file-name,
// created-at}.
type KeyRecord struct {
	ID           int64     `json:"id"`
	FileHash     string    `json:"file_hash"`
	OriginNodeID string    `json:"origin_node_id"`
	KeyB64       string    `json:"key_b64,omitempty"`
	FileName     string    `json:"file_name"`
	CreatedAt    time.Time `json:"created_at"`
}

// Storage persists escrowed keys in a single-node relational store,
// sealing each key's plaintext bytes under masterKey before it ever
// reaches disk.
type Storage struct {
	db        *sql.DB
	masterKey [32]byte
}

// Open derives a 32-byte master key from masterKeyStr via SHA-256 and
// opens (creating if necessary) the SQLite database at dbPath. An
// empty masterKeyStr is rejected outright: the caller must fail fast
// rather than silently seal keys under an all-zero secret.
func Open(dbPath string, masterKeyStr string) (*Storage, error) {
	allZero := true
	for _, c := range masterKeyStr {
		if c != '0' && c != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return nil, ErrNoMasterKey
	}
	masterKey := sha256.Sum256([]byte(masterKeyStr))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("escrow: open db: %w", err)
	}

	s := &Storage{db: db, masterKey: masterKey}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("escrow: init schema: %w", err)
	}
	return s, nil
}

func (s *Storage) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS escrow_keys (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_hash TEXT UNIQUE NOT NULL,
		origin_node_id TEXT NOT NULL,
		key_encrypted BLOB NOT NULL,
		file_name TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_escrow_keys_node ON escrow_keys(origin_node_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) sealKey(rawKey []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.masterKey[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, rawKey, nil), nil
}

func (s *Storage) openKey(sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("escrow: sealed key too short")
	}
	aead, err := chacha20poly1305.NewX(s.masterKey[:])
	if err != nil {
		return nil, err
	}
	nonce, ciphertext := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ciphertext, nil)
}

// SaveKey seals and upserts an artifact key by file hash, per spec's
// "(hash, key, node) written via save" invariant: a later write with
// the same hash replaces the stored key and name.
func (s *Storage) SaveKey(fileHash, nodeID, keyB64, fileName string) error {
	rawKey, err := base64.RawURLEncoding.DecodeString(keyB64)
	if err != nil {
		rawKey, err = base64.StdEncoding.DecodeString(keyB64)
		if err != nil {
			return fmt.Errorf("escrow: decode key: %w", err)
		}
	}

	sealed, err := s.sealKey(rawKey)
	if err != nil {
		return fmt.Errorf("escrow: seal key: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO escrow_keys (file_hash, origin_node_id, key_encrypted, file_name, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(file_hash) DO UPDATE SET
			key_encrypted = excluded.key_encrypted,
			file_name = excluded.file_name
	`, fileHash, nodeID, sealed, fileName, time.Now().Unix())
	return err
}

// GetKey retrieves and unseals a key by file hash. A nil record with a
// nil error means the hash is not present.
func (s *Storage) GetKey(fileHash string) (*KeyRecord, error) {
	var rec KeyRecord
	var sealed []byte
	var createdUnix int64

	err := s.db.QueryRow(`
		SELECT id, file_hash, origin_node_id, key_encrypted, file_name, created_at
		FROM escrow_keys WHERE file_hash = ?
	`, fileHash).Scan(&rec.ID, &rec.FileHash, &rec.OriginNodeID, &sealed, &rec.FileName, &createdUnix)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rawKey, err := s.openKey(sealed)
	if err != nil {
		return nil, fmt.Errorf("escrow: open key: %w", err)
	}
	rec.KeyB64 = base64.StdEncoding.EncodeToString(rawKey)
	rec.CreatedAt = time.Unix(createdUnix, 0)
	return &rec, nil
}

// ListKeys returns every record originated by nodeID, newest first.
func (s *Storage) ListKeys(nodeID string) ([]KeyRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, file_hash, origin_node_id, file_name, created_at
		FROM escrow_keys WHERE origin_node_id = ? ORDER BY created_at DESC
	`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []KeyRecord
	for rows.Next() {
		var rec KeyRecord
		var createdUnix int64
		if err := rows.Scan(&rec.ID, &rec.FileHash, &rec.OriginNodeID, &rec.FileName, &createdUnix); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.Unix(createdUnix, 0)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteKey removes a record only when nodeID matches the record's
// origin, per spec: "delete(hash, node') with node' != origin has no
// effect". It reports whether a row was actually removed.
func (s *Storage) DeleteKey(fileHash, nodeID string) (bool, error) {
	result, err := s.db.Exec(
		"DELETE FROM escrow_keys WHERE file_hash = ? AND origin_node_id = ?",
		fileHash, nodeID,
	)
	if err != nil {
		return false, err
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}
