// Package atomicfs provides the read/write/stat primitives every cache
// backend funnels its filesystem access through. The only write path is
// temp-file-then-rename: write to a sibling temp file, fsync it, rename
// over the target, then best-effort fsync the parent directory. A
// reader never observes a half-written entry, regardless of where the
// process is killed.
package atomicfs

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cachedir/cache"
)

// DirMode and FileMode are the permission bits cache directories,
// content, and sidecar files are created with, on hosts that support
// POSIX modes.
const (
	DirMode  = 0o755
	FileMode = 0o644
)

// Read returns the full contents of path, or a *cache.NotFoundError if
// the path does not exist. Any other I/O error is wrapped in
// *cache.IOError.
func Read(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &cache.NotFoundError{URL: path}
		}
		return nil, &cache.IOError{Kind: "read", Path: path, Err: err}
	}
	return b, nil
}

// ExistsFile reports whether path exists and is a regular file.
func ExistsFile(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.Mode().IsRegular()
}

// StatModTimeSeconds returns the Unix modification time of path.
func StatModTimeSeconds(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, &cache.IOError{Kind: "stat", Path: path, Err: err}
	}
	return fi.ModTime().Unix(), nil
}

// WriteAtomic writes data to path via a sibling temp file plus rename.
// If path's parent directory doesn't exist yet, it is created
// recursively and the write is retried exactly once.
func WriteAtomic(path string, data []byte, mode os.FileMode) error {
	err := writeOnce(path, data, mode)
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if mkErr := os.MkdirAll(filepath.Dir(path), DirMode); mkErr != nil {
		return &cache.IOError{Kind: "mkdir", Path: filepath.Dir(path), Err: mkErr}
	}
	return writeOnce(path, data, mode)
}

func writeOnce(path string, data []byte, mode os.FileMode) error {
	tmp, err := tempName(path)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, werr := f.Write(data); werr != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return &cache.IOError{Kind: "write", Path: tmp, Err: werr}
	}
	if serr := f.Sync(); serr != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return &cache.IOError{Kind: "sync", Path: tmp, Err: serr}
	}
	if cerr := f.Close(); cerr != nil {
		_ = os.Remove(tmp)
		return &cache.IOError{Kind: "close", Path: tmp, Err: cerr}
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return &cache.IOError{Kind: "rename", Path: path, Err: err}
	}

	// Best-effort: fsync the parent directory so the rename itself
	// survives a crash on filesystems that need it (ext4, xfs).
	if dir, derr := os.Open(filepath.Dir(path)); derr == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

// tempName returns path with a two-random-byte hex suffix appended.
func tempName(path string) (string, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("atomicfs: generate temp suffix: %w", err)
	}
	return fmt.Sprintf("%s.%s", path, hex.EncodeToString(b[:])), nil
}

// EnsureDir recursively creates dir if it does not already exist.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return &cache.IOError{Kind: "mkdir", Path: dir, Err: err}
	}
	return nil
}
