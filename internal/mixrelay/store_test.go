package mixrelay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lattice-mesh/meshnet/internal/testutil/fsperm"
)

func TestFileStoreWritesUnderPrivateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "mix")
	s := NewFileStore(dir)

	if err := s.StoreText("m1", []byte("hello")); err != nil {
		t.Fatalf("StoreText: %v", err)
	}
	fsperm.AssertPrivateDirPerm(t, dir)

	info, err := os.Stat(filepath.Join(dir, "text-m1"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected file perm 0600, got %04o", perm)
	}
}

func TestFileStoreFileAndRaw(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "mix")
	s := NewFileStore(dir)

	if err := s.StoreFile("m1", "report.txt", []byte("body")); err != nil {
		t.Fatalf("StoreFile: %v", err)
	}
	if err := s.StoreRaw("mixmsg-k1", []byte("raw")); err != nil {
		t.Fatalf("StoreRaw: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "file-m1-report.txt")); err != nil {
		t.Fatalf("expected file-m1-report.txt to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "mixmsg-k1")); err != nil {
		t.Fatalf("expected mixmsg-k1 to exist: %v", err)
	}
}
