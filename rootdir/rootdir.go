// Package rootdir resolves the cache root directory and exposes its
// fixed subdirectories. Precedence is explicit root, then the
// environment override, then the platform cache directory, then a
// home-relative fallback.
package rootdir

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

const envDir = "DENO_DIR"

// Root is a resolved, absolute cache root.
type Root struct {
	path string
}

// Resolve picks the cache root, in order of precedence:
//  1. an explicit root, if non-empty
//  2. $DENO_DIR
//  3. the platform cache directory + "/deno"
//  4. $HOME/.deno (or %USERPROFILE%\.deno) as a final fallback
func Resolve(explicit string) (*Root, error) {
	if explicit != "" {
		abs, err := filepath.Abs(explicit)
		if err != nil {
			return nil, err
		}
		return &Root{path: abs}, nil
	}

	if dir := os.Getenv(envDir); dir != "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, err
		}
		return &Root{path: abs}, nil
	}

	if dir, err := platformCacheDir(); err == nil {
		return &Root{path: filepath.Join(dir, "deno")}, nil
	}

	home, err := homeDir()
	if err != nil {
		return nil, errors.New("rootdir: could not determine a cache root: no explicit root, no DENO_DIR, no platform cache dir, and no home directory")
	}
	return &Root{path: filepath.Join(home, ".deno")}, nil
}

func platformCacheDir() (string, error) {
	switch runtime.GOOS {
	case "darwin":
		home, err := homeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Caches"), nil
	case "windows":
		if dir := os.Getenv("LOCALAPPDATA"); dir != "" {
			return dir, nil
		}
		return "", errors.New("rootdir: LOCALAPPDATA not set")
	default:
		if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
			return dir, nil
		}
		home, err := homeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".cache"), nil
	}
}

func homeDir() (string, error) {
	if runtime.GOOS == "windows" {
		if up := os.Getenv("USERPROFILE"); up != "" {
			return up, nil
		}
	}
	if home := os.Getenv("HOME"); home != "" {
		return home, nil
	}
	return os.UserHomeDir()
}

// Path returns the absolute cache root.
func (r *Root) Path() string { return r.path }

// RemoteDir is the HTTP cache subdirectory (content + sidecar).
func (r *Root) RemoteDir() string { return filepath.Join(r.path, "remote") }

// GenDir is reserved for downstream emitted artifacts; nothing in this
// module writes there.
func (r *Root) GenDir() string { return filepath.Join(r.path, "gen") }
