// Package localcache implements the path-decoded vendor overlay atop
// the global cache: a human-inspectable directory tree under a
// project's vendor root, plus a manifest recording the original URL
// and headers for every vendored entry (path decoding is lossy, so the
// manifest is the source of truth for round-tripping a URL exactly).
//
// The manifest is a single JSON document at a fixed path inside the
// vendor root, read permissively (corrupt files degrade to empty
// rather than erroring) and written atomically.
package localcache

import (
	"encoding/json"
	"net/url"
	"path"
	"strings"
	"time"

	"cachedir/atomicfs"
	"cachedir/cache"
	"cachedir/globalcache"
	"cachedir/pathenc"
)

const manifestVersion = 1

// manifestEntry is what the manifest persists per vendored URL: the
// exact request it was fetched under (query included) and the
// response headers observed, since the decoded directory path alone
// cannot reconstruct either.
type manifestEntry struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

type manifestFile struct {
	Version   int                      `json:"version"`
	UpdatedAt time.Time                `json:"updatedAt"`
	Entries   map[string]manifestEntry `json:"entries"`
}

func manifestPath(vendorRoot string) string {
	return joinRoot(vendorRoot, ".cachedir-manifest.json")
}

func loadManifest(vendorRoot string) (*manifestFile, error) {
	b, err := atomicfs.Read(manifestPath(vendorRoot))
	if err != nil {
		if _, ok := err.(*cache.NotFoundError); ok {
			return &manifestFile{Version: manifestVersion, Entries: map[string]manifestEntry{}}, nil
		}
		return nil, err
	}
	var mf manifestFile
	if err := json.Unmarshal(b, &mf); err != nil {
		// A corrupt manifest degrades to empty rather than blocking every
		// subsequent vendor read; the global cache remains authoritative.
		return &manifestFile{Version: manifestVersion, Entries: map[string]manifestEntry{}}, nil
	}
	if mf.Entries == nil {
		mf.Entries = map[string]manifestEntry{}
	}
	return &mf, nil
}

func saveManifest(vendorRoot string, mf *manifestFile) error {
	mf.Version = manifestVersion
	b, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return &cache.ParseError{Path: manifestPath(vendorRoot), Err: err}
	}
	return atomicfs.WriteAtomic(manifestPath(vendorRoot), b, atomicfs.FileMode)
}

// Cache is the vendor overlay: a path-decoded mirror of a GlobalCache,
// backed by a reference to it for copy-on-read.
type Cache struct {
	vendorRoot             string
	global                 *globalcache.Cache
	readOnly               bool
	allowGlobalToLocalCopy bool
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithAllowGlobalToLocalCopy overrides the default copy-on-read policy
// (true unless the cache is read-only).
func WithAllowGlobalToLocalCopy(allow bool) Option {
	return func(c *Cache) { c.allowGlobalToLocalCopy = allow }
}

// New returns a vendor overlay at vendorRoot, backed by global.
func New(vendorRoot string, global *globalcache.Cache, readOnly bool, opts ...Option) *Cache {
	c := &Cache{
		vendorRoot:             vendorRoot,
		global:                 global,
		readOnly:               readOnly,
		allowGlobalToLocalCopy: !readOnly,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// decodedPath reproduces host directory structure for human
// inspection, e.g. vendor/deno.land/x/oak@v10.5.1/mod.ts. It is a
// best-effort, lossy mapping: the manifest is what makes a vendor hit
// round-trip exactly.
func decodedPath(u *url.URL) string {
	host := u.Hostname()
	p := strings.TrimPrefix(u.EscapedPath(), "/")
	if p == "" {
		p = "index"
	}
	return path.Join(host, p)
}

func joinRoot(root, rel string) string {
	if strings.HasSuffix(root, "/") {
		return root + rel
	}
	return root + "/" + rel
}

// manifestKey is the map key an entry is stored under: destination
// folded in so Script and Json don't collide on a lossy decoded path.
func manifestKey(u *url.URL, dest cache.Destination) string {
	key := u.String()
	if dest != cache.Script {
		key += "#dest=" + dest.String()
	}
	return key
}

// GetHeaders is the read-only variant of Get: it returns only headers,
// never triggering a copy from the global store.
func (c *Cache) GetHeaders(u *url.URL, dest cache.Destination) (map[string]string, bool) {
	mf, err := loadManifest(c.vendorRoot)
	if err != nil {
		return nil, false
	}
	entry, ok := mf.Entries[manifestKey(u, dest)]
	if !ok {
		return nil, false
	}
	return entry.Headers, true
}

// Get looks up u in the vendor layout first. On a local hit, checksum
// is ignored (vendored files are considered trusted). On a local miss,
// when copy-on-read is enabled, bytes and headers are copied from the
// global store (with checksum verified against the global content) and
// persisted locally before being returned.
func (c *Cache) Get(u *url.URL, dest cache.Destination, checksum string) (*cache.Entry, error) {
	mf, err := loadManifest(c.vendorRoot)
	if err != nil {
		return nil, err
	}

	key := manifestKey(u, dest)
	if entry, ok := mf.Entries[key]; ok {
		content, rerr := atomicfs.Read(c.contentPath(u, dest))
		if rerr == nil {
			return &cache.Entry{Headers: entry.Headers, Content: content}, nil
		}
		// Manifest entry without a readable content file: fall through to
		// global as if this were a miss.
	}

	if !c.allowGlobalToLocalCopy {
		return nil, &cache.NotFoundError{URL: u.String()}
	}

	globalEntry, err := c.global.Get(u, dest, checksum)
	if err != nil {
		return nil, err
	}
	if globalEntry.IsRedirect() {
		return globalEntry, nil
	}

	if err := c.writeLocal(u, dest, globalEntry.Headers, globalEntry.Content); err != nil {
		return nil, err
	}
	return globalEntry, nil
}

// Set writes content directly into the vendor layout and records it in
// the manifest, bypassing the global store.
func (c *Cache) Set(u *url.URL, dest cache.Destination, headers map[string]string, content []byte) error {
	if c.readOnly {
		return nil
	}
	return c.writeLocal(u, dest, headers, content)
}

// SetRedirect writes a synthetic redirect record into the vendor
// layout, mirroring GlobalCache.SetRedirect.
func (c *Cache) SetRedirect(u *url.URL, dest cache.Destination, target string) error {
	return c.writeLocal(u, dest, map[string]string{"location": target}, []byte{})
}

func (c *Cache) writeLocal(u *url.URL, dest cache.Destination, headers map[string]string, content []byte) error {
	if c.readOnly {
		return nil
	}
	if err := atomicfs.WriteAtomic(c.contentPath(u, dest), content, atomicfs.FileMode); err != nil {
		return err
	}

	mf, err := loadManifest(c.vendorRoot)
	if err != nil {
		return err
	}
	mf.Entries[manifestKey(u, dest)] = manifestEntry{URL: u.String(), Headers: headers}
	return saveManifest(c.vendorRoot, mf)
}

func (c *Cache) contentPath(u *url.URL, dest cache.Destination) string {
	// Opaque URLs (data:, blob:) have no host/path structure to decode,
	// so they get the hash-keyed layout instead of colliding on one
	// decoded name.
	if u.Opaque != "" {
		if rel, err := pathenc.Encode(u, dest); err == nil {
			return joinRoot(c.vendorRoot, rel)
		}
	}
	rel := decodedPath(u)
	if dest != cache.Script {
		rel += "." + dest.String()
	}
	return joinRoot(c.vendorRoot, rel)
}
