package fetch

import (
	"net/url"

	"cachedir/cache"
)

// HttpCache is the common surface globalcache.Cache and the vendor
// overlay (localcache.Cache) both satisfy. The Fetcher is written
// against this interface so it never knows which backend it's talking
// to.
type HttpCache interface {
	Get(u *url.URL, dest cache.Destination, checksum string) (*cache.Entry, error)
	Set(u *url.URL, dest cache.Destination, headers map[string]string, content []byte) error
	SetRedirect(u *url.URL, dest cache.Destination, target string) error
}
