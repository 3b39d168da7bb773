package atomicfs

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"cachedir/cache"
)

func TestWriteAtomicRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entry")

	if err := WriteAtomic(path, []byte("payload"), FileMode); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	b, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(b) != "payload" {
		t.Errorf("content = %q", b)
	}

	if runtime.GOOS != "windows" {
		fi, err := os.Stat(path)
		if err != nil {
			t.Fatalf("Stat: %v", err)
		}
		if fi.Mode().Perm() != FileMode {
			t.Errorf("mode = %o, want %o", fi.Mode().Perm(), FileMode)
		}
	}
}

func TestWriteAtomicCreatesMissingParents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "https", "example.com", "abcd1234")

	if err := WriteAtomic(path, []byte("x"), FileMode); err != nil {
		t.Fatalf("WriteAtomic into missing parents: %v", err)
	}
	if !ExistsFile(path) {
		t.Fatal("file not created through recursive mkdir")
	}
}

func TestWriteAtomicLeavesNoTempResidue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entry")

	if err := WriteAtomic(path, []byte("one"), FileMode); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	if err := WriteAtomic(path, []byte("two"), FileMode); err != nil {
		t.Fatalf("WriteAtomic overwrite: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "entry.") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}

	b, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(b) != "two" {
		t.Errorf("overwrite not visible: %q", b)
	}
}

func TestReadMissingIsNotFound(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "nope"))
	var nf *cache.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %T %v, want *cache.NotFoundError", err, err)
	}
}

func TestExistsFile(t *testing.T) {
	dir := t.TempDir()
	if ExistsFile(dir) {
		t.Error("ExistsFile should be false for a directory")
	}
	path := filepath.Join(dir, "f")
	if err := WriteAtomic(path, nil, FileMode); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	if !ExistsFile(path) {
		t.Error("ExistsFile should be true for a regular file")
	}
}

func TestStatModTimeSeconds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := WriteAtomic(path, []byte("x"), FileMode); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	sec, err := StatModTimeSeconds(path)
	if err != nil {
		t.Fatalf("StatModTimeSeconds: %v", err)
	}
	if sec <= 0 {
		t.Errorf("mtime = %d", sec)
	}
	if _, err := StatModTimeSeconds(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestTempNameIsSiblingWithHexSuffix(t *testing.T) {
	tmp, err := tempName("/a/b/entry")
	if err != nil {
		t.Fatalf("tempName: %v", err)
	}
	if !strings.HasPrefix(tmp, "/a/b/entry.") {
		t.Errorf("temp name %q is not a sibling of the target", tmp)
	}
	suffix := strings.TrimPrefix(tmp, "/a/b/entry.")
	if len(suffix) != 4 {
		t.Errorf("suffix %q, want two random bytes as four hex chars", suffix)
	}
}
