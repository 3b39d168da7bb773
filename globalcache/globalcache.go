// Package globalcache implements the hash-keyed URL store: the shared
// cache under <root>/remote, addressed by pathenc and persisted
// through atomicfs and metadata.
package globalcache

import (
	"context"
	"net/url"
	"strings"

	"cachedir/atomicfs"
	"cachedir/cache"
	"cachedir/internal/digest"
	"cachedir/internal/obs"
	"cachedir/metadata"
	"cachedir/pathenc"
)

// Mirror is the warm-start secondary store a Cache may consult on a
// local miss before giving up and letting the Fetcher fall through to
// the network. globalcache/s3mirror.Mirror satisfies this interface;
// it is declared here rather than imported concretely so this package
// doesn't force an AWS SDK dependency on callers that never configure
// a mirror.
type Mirror interface {
	UploadContent(ctx context.Context, relPath string, content []byte) error
	DownloadContent(ctx context.Context, relPath string) ([]byte, bool, error)
	UploadHeaders(ctx context.Context, relPath string, headers map[string]string) error
	DownloadHeaders(ctx context.Context, relPath string) (map[string]string, bool, error)
}

// Cache is the canonical, hash-keyed store rooted at an absolute
// directory (<cacheRoot>/remote).
type Cache struct {
	root     string
	readOnly bool
	mirror   Mirror
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithMirror attaches a warm-start secondary store consulted on a
// local miss. A read-only Cache never consults or populates from the
// mirror, since a mirror hit has to be written through locally.
func WithMirror(m Mirror) Option {
	return func(c *Cache) { c.mirror = m }
}

// New returns a Cache rooted at root. root is typically
// "<cache root>/remote".
func New(root string, readOnly bool, opts ...Option) *Cache {
	c := &Cache{root: root, readOnly: readOnly}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) ReadOnly() bool { return c.readOnly }

func (c *Cache) contentPath(u *url.URL, dest cache.Destination) (string, error) {
	rel, err := pathenc.Encode(u, dest)
	if err != nil {
		return "", err
	}
	return joinRoot(c.root, rel), nil
}

func joinRoot(root, rel string) string {
	if strings.HasSuffix(root, "/") {
		return root + rel
	}
	return root + "/" + rel
}

// GetHeaders reads the sidecar only, without touching content bytes.
func (c *Cache) GetHeaders(u *url.URL, dest cache.Destination) (map[string]string, error) {
	content, err := c.contentPath(u, dest)
	if err != nil {
		return nil, err
	}
	sc, err := metadata.Read(content)
	if err != nil {
		return nil, err
	}
	return sc.Headers, nil
}

// Get reads the sidecar and content bytes. When checksum is non-empty
// it must equal the case-insensitive hex SHA-256 of the content, or
// *cache.ChecksumMismatchError is returned.
//
// On a local miss, with a mirror configured and the cache writable,
// the mirror is consulted before returning the miss to the caller: a
// hit there is written through Set exactly as if it had come from the
// network, so the resulting entry carries a sidecar like any other.
func (c *Cache) Get(u *url.URL, dest cache.Destination, checksum string) (*cache.Entry, error) {
	content, err := c.contentPath(u, dest)
	if err != nil {
		return nil, err
	}
	sc, err := metadata.Read(content)
	if err != nil {
		if _, ok := err.(*cache.NotFoundError); ok {
			if mirrored, merr := c.getFromMirror(u, dest, checksum); mirrored != nil || merr != nil {
				return mirrored, merr
			}
		}
		return nil, err
	}

	if loc, ok := sc.Headers["location"]; ok && loc != "" {
		return &cache.Entry{Headers: sc.Headers}, nil
	}

	b, err := atomicfs.Read(content)
	if err != nil {
		return nil, err
	}

	if checksum != "" {
		if err := verifyChecksum(u.String(), checksum, b); err != nil {
			return nil, err
		}
	}

	return &cache.Entry{Headers: sc.Headers, Content: b}, nil
}

// verifyChecksum compares checksum against the case-insensitive hex
// SHA-256 of content, wrapped in a span so digest time is observable
// from cache reads, not just the Fetcher's own remote-body
// verification.
func verifyChecksum(url, checksum string, content []byte) error {
	_, end := obs.Span(context.Background(), obs.PointDigest)
	defer end()
	actual := digest.Bytes(content)
	if !digest.Equal(checksum, actual) {
		return &cache.ChecksumMismatchError{URL: url, Expected: checksum, Actual: actual}
	}
	return nil
}

// getFromMirror attempts to populate a local miss from the configured
// mirror. A (nil, nil) return means the mirror didn't have the entry
// either, so the caller should report the original NotFoundError.
func (c *Cache) getFromMirror(u *url.URL, dest cache.Destination, checksum string) (*cache.Entry, error) {
	if c.mirror == nil || c.readOnly {
		return nil, nil
	}
	rel, err := pathenc.Encode(u, dest)
	if err != nil {
		return nil, nil
	}

	ctx := context.Background()
	headers, ok, err := c.mirror.DownloadHeaders(ctx, rel)
	if err != nil || !ok {
		return nil, nil
	}
	body, ok, err := c.mirror.DownloadContent(ctx, rel)
	if err != nil || !ok {
		return nil, nil
	}

	if checksum != "" {
		if err := verifyChecksum(u.String(), checksum, body); err != nil {
			return nil, err
		}
	}

	if err := c.Set(u, dest, headers, body); err != nil {
		return nil, err
	}
	return &cache.Entry{Headers: headers, Content: body}, nil
}

// Set writes content and sidecar atomically. In read-only mode it
// returns silently without writing. When a mirror is
// configured, the entry is also best-effort uploaded there so other
// machines sharing the mirror get a warm cache; upload failures never
// fail the local write.
func (c *Cache) Set(u *url.URL, dest cache.Destination, headers map[string]string, content []byte) error {
	if c.readOnly {
		return nil
	}
	path, err := c.contentPath(u, dest)
	if err != nil {
		return err
	}
	if err := atomicfs.WriteAtomic(path, content, atomicfs.FileMode); err != nil {
		return err
	}
	if err := metadata.Write(path, u.String(), headers, &dest); err != nil {
		return err
	}
	c.mirrorUpload(u, dest, headers, content)
	return nil
}

func (c *Cache) mirrorUpload(u *url.URL, dest cache.Destination, headers map[string]string, content []byte) {
	if c.mirror == nil {
		return
	}
	rel, err := pathenc.Encode(u, dest)
	if err != nil {
		return
	}
	ctx := context.Background()
	_ = c.mirror.UploadContent(ctx, rel, content)
	_ = c.mirror.UploadHeaders(ctx, rel, headers)
}

// SetRedirect writes a synthetic redirect record: a sidecar whose
// headers carry "location" and no content file body association
// beyond an empty byte slice.
func (c *Cache) SetRedirect(u *url.URL, dest cache.Destination, target string) error {
	if c.readOnly {
		return nil
	}
	path, err := c.contentPath(u, dest)
	if err != nil {
		return err
	}
	if err := atomicfs.WriteAtomic(path, []byte{}, atomicfs.FileMode); err != nil {
		return err
	}
	return metadata.Write(path, u.String(), map[string]string{"location": target}, &dest)
}

// ContentPath exposes the on-disk content path for a URL, for callers
// (such as the S3 mirror) that need to read the raw bytes independent
// of the sidecar/content pairing logic above.
func (c *Cache) ContentPath(u *url.URL, dest cache.Destination) (string, error) {
	return c.contentPath(u, dest)
}
