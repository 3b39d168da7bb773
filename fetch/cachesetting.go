package fetch

import "strings"

// CacheSettingKind enumerates the cache-mode policies a Fetcher can be
// configured with.
type CacheSettingKind int

const (
	Use CacheSettingKind = iota
	Only
	Reload
	ReloadMatching
)

// CacheSetting pairs a kind with the prefix list ReloadMatching needs.
type CacheSetting struct {
	Kind     CacheSettingKind
	Prefixes []string
}

// UseCache, OnlyCache, and ReloadAll are the three fixed-kind
// settings; NewReloadMatching builds the prefix-list variant.
var (
	UseCache  = CacheSetting{Kind: Use}
	OnlyCache = CacheSetting{Kind: Only}
	ReloadAll = CacheSetting{Kind: Reload}
)

func NewReloadMatching(prefixes []string) CacheSetting {
	return CacheSetting{Kind: ReloadMatching, Prefixes: prefixes}
}

// shouldUseCache reports whether a fetch of specifier may be satisfied
// from the cache: Only/Use always, Reload never, and ReloadMatching
// only when no configured prefix matches the specifier.
func (s CacheSetting) shouldUseCache(specifier string) bool {
	switch s.Kind {
	case Only, Use:
		return true
	case Reload:
		return false
	case ReloadMatching:
		for _, p := range s.Prefixes {
			if strings.HasPrefix(specifier, p) {
				return false
			}
		}
		return true
	default:
		return true
	}
}
