// Package metadata implements the sidecar store every cache backend
// pairs with its content files: one JSON document per content file,
// carrying the original request URL and the response headers observed
// when it was written. Sidecars are persisted through atomicfs so they
// share the temp-file-then-rename guarantee content writes get.
package metadata

import (
	"encoding/json"
	"strings"

	"cachedir/atomicfs"
	"cachedir/cache"
)

// Sidecar is the on-disk shape of a .metadata.json file.
type Sidecar struct {
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers"`
	Destination *int              `json:"destination,omitempty"`
}

// PathFor derives the sidecar path for a content file by replacing its
// final extension (if any) with ".metadata.json", or appending the
// suffix when the content path has none.
func PathFor(contentPath string) string {
	dir, base := splitDirBase(contentPath)
	if idx := strings.LastIndex(base, "."); idx > 0 {
		base = base[:idx]
	}
	return joinDirBase(dir, base+".metadata.json")
}

func splitDirBase(p string) (string, string) {
	idx := strings.LastIndex(p, "/")
	if idx < 0 {
		return "", p
	}
	return p[:idx], p[idx+1:]
}

func joinDirBase(dir, base string) string {
	if dir == "" {
		return base
	}
	return dir + "/" + base
}

// Write persists headers and the original URL as the sidecar for
// contentPath, atomically.
func Write(contentPath string, url string, headers map[string]string, dest *cache.Destination) error {
	sc := Sidecar{URL: url, Headers: headers}
	if dest != nil {
		v := int(*dest)
		sc.Destination = &v
	}
	b, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return &cache.ParseError{Path: PathFor(contentPath), Err: err}
	}
	return atomicfs.WriteAtomic(PathFor(contentPath), b, atomicfs.FileMode)
}

// Read loads the sidecar for contentPath. Absence of the sidecar is
// reported as *cache.NotFoundError: without its sidecar, the content
// file is considered absent too.
func Read(contentPath string) (*Sidecar, error) {
	path := PathFor(contentPath)
	b, err := atomicfs.Read(path)
	if err != nil {
		return nil, err
	}
	var sc Sidecar
	if err := json.Unmarshal(b, &sc); err != nil {
		return nil, &cache.ParseError{Path: path, Err: err}
	}
	return &sc, nil
}

// Exists reports whether a sidecar is present for contentPath.
func Exists(contentPath string) bool {
	return atomicfs.ExistsFile(PathFor(contentPath))
}
