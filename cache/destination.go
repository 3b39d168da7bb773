// Package cache holds the data model shared by the global and vendor
// cache backends: the destination tag, cache entries, and the error
// kinds produced while mapping a URL to on-disk state.
package cache

// Destination disambiguates cache entries for the same URL when two
// consumers interpret the same bytes differently. It is folded into the
// on-disk cache key (see pathenc.Encode) so that a Script view and a
// Json view of one URL occupy disjoint entries.
type Destination int

const (
	// Script is the default destination: the bytes are treated as
	// executable source.
	Script Destination = iota
	// Json marks the bytes as a JSON document (e.g. an import-map or
	// package manifest fetched from the same URL a script might use).
	Json
)

// KeySuffix is the stable string folded into the cache-key hash input.
// Script is the empty suffix, so its hash stays a bare
// sha256(path[?query]); every other destination appends its name. The
// suffix for an existing Destination must never change without
// invalidating every on-disk entry that used it.
func (d Destination) KeySuffix() string {
	switch d {
	case Json:
		return "json"
	default:
		return ""
	}
}

func (d Destination) String() string {
	switch d {
	case Json:
		return "json"
	default:
		return "script"
	}
}
