package fetch

import (
	"encoding/base64"
	"net/url"
	"strings"

	"cachedir/cache"
)

const defaultDataMediaType = "text/plain;charset=US-ASCII"

// decodeDataURL materializes a data: URL locally. Go's http.Client has
// no transport for the data scheme, so the Fetcher resolves these
// itself instead of round-tripping through the client; the result is
// persisted and checksummed exactly like a network response.
//
// Shape: data:[<mediatype>][;base64],<payload>. A missing mediatype
// defaults to text/plain;charset=US-ASCII.
func decodeDataURL(u *url.URL) (map[string]string, []byte, error) {
	raw := u.Opaque
	if u.RawQuery != "" {
		// net/url splits a "?" out of the opaque part, but for a data URL
		// the query is just more payload.
		raw += "?" + u.RawQuery
	}

	comma := strings.IndexByte(raw, ',')
	if comma < 0 {
		return nil, nil, &cache.UnsupportedURLError{URL: u.String()}
	}
	meta, payload := raw[:comma], raw[comma+1:]

	isBase64 := false
	if strings.HasSuffix(meta, ";base64") {
		isBase64 = true
		meta = strings.TrimSuffix(meta, ";base64")
	}
	if meta == "" {
		meta = defaultDataMediaType
	}

	var body []byte
	if isBase64 {
		b, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			// Tolerate unpadded payloads, which appear in the wild.
			b, err = base64.RawStdEncoding.DecodeString(payload)
			if err != nil {
				return nil, nil, &cache.UnsupportedURLError{URL: u.String()}
			}
		}
		body = b
	} else {
		s, err := url.PathUnescape(payload)
		if err != nil {
			return nil, nil, &cache.UnsupportedURLError{URL: u.String()}
		}
		body = []byte(s)
	}

	return map[string]string{"content-type": meta}, body, nil
}
