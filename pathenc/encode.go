// Package pathenc implements the deterministic URL → relative cache
// path mapping. It never touches the filesystem; it only computes
// strings.
package pathenc

import (
	"net/url"
	"path"
	"runtime"
	"strings"

	"cachedir/cache"
	"cachedir/internal/digest"
)

// Encode maps (u, dest) to the relative path a cache backend should
// store the entry under. The fragment is always ignored: URLs that
// differ only in fragment share one entry.
func Encode(u *url.URL, dest cache.Destination) (string, error) {
	switch u.Scheme {
	case "http", "https":
		return encodeHashed(u, dest)
	case "data", "blob":
		return encodeHashed(u, dest)
	case "file":
		return encodeFile(u)
	default:
		return "", &cache.UnsupportedURLError{URL: u.String()}
	}
}

func hostSegment(u *url.URL) string {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		return host
	}
	return host + "_PORT" + port
}

// hashInput is path + ("?" + query if present), with the destination's
// key suffix appended. Script's suffix is empty, so its hash stays a
// bare sha256(path[?query]); Json appends the literal word "json",
// giving the two destinations disjoint entries. data: and blob: URLs
// parse as opaque in net/url (no slash after the scheme), so the
// opaque part stands in for the path there, since otherwise every data
// URL would hash the empty string and collide on one entry.
func hashInput(u *url.URL) []byte {
	s := u.EscapedPath()
	if s == "" && u.Opaque != "" {
		s = u.Opaque
	}
	if u.RawQuery != "" {
		s += "?" + u.RawQuery
	}
	return []byte(s)
}

func encodeHashed(u *url.URL, dest cache.Destination) (string, error) {
	in := hashInput(u)
	in = append(in, dest.KeySuffix()...)
	hexSum := digest.Bytes(in)

	scheme := u.Scheme
	host := ""
	if scheme == "http" || scheme == "https" {
		host = hostSegment(u)
	}
	return path.Join(scheme, host, hexSum), nil
}

func encodeFile(u *url.URL) (string, error) {
	// file://host/path: a UNC-style file URL carries a non-empty,
	// non-localhost host.
	if host := u.Host; host != "" && !strings.EqualFold(host, "localhost") {
		uncHost := strings.ReplaceAll(host, ":", "_")
		comps := splitPath(u.Path)
		parts := append([]string{"file", "UNC", uncHost}, comps...)
		return path.Join(parts...), nil
	}

	p, err := decodeFilePath(u)
	if err != nil {
		return "", &cache.UnsupportedURLError{URL: u.String()}
	}
	comps := splitPath(p)
	if len(comps) == 0 {
		return "", &cache.UnsupportedURLError{URL: u.String()}
	}
	parts := append([]string{"file"}, comps...)
	return path.Join(parts...), nil
}

// decodeFilePath turns a file: URL's path component into an absolute
// filesystem path, stripping a Windows drive letter's trailing colon
// (file:///C:/foo -> C/foo) when running on Windows; other platforms
// keep the path as-given after the leading slash.
func decodeFilePath(u *url.URL) (string, error) {
	p := u.Path
	if p == "" {
		return "", &cache.UnsupportedURLError{URL: u.String()}
	}
	if runtime.GOOS == "windows" {
		p = strings.TrimPrefix(p, "/")
		if len(p) >= 2 && p[1] == ':' {
			p = p[:1] + p[2:]
		}
	}
	return p, nil
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// ParseURL is a thin convenience wrapper so callers outside this
// package don't need to import net/url directly just to build the
// *url.URL Encode expects.
func ParseURL(raw string) (*url.URL, error) {
	return url.Parse(raw)
}

// AbsoluteRedirect resolves a Location header value against the
// request URL it was observed on.
func AbsoluteRedirect(location string, requested *url.URL) (string, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return requested.ResolveReference(loc).String(), nil
}

// CacheKeyHash exposes the raw hex digest used for a hashed scheme,
// without the directory prefix, useful for tests and for the S3
// mirror's key scheme.
func CacheKeyHash(u *url.URL, dest cache.Destination) string {
	in := hashInput(u)
	in = append(in, dest.KeySuffix()...)
	return digest.Bytes(in)
}
