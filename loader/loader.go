// Package loader exposes the single load() entry point graph builders
// use, hiding the Fetcher, cache backends, and root discovery behind
// it.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"

	"cachedir/auth"
	"cachedir/cache"
	"cachedir/fetch"
	"cachedir/globalcache"
	"cachedir/globalcache/s3mirror"
	"cachedir/localcache"
	"cachedir/rootdir"
)

// Kind tags a LoadResponse's variant.
type Kind int

const (
	KindAbsent Kind = iota
	KindModule
	KindRedirect
	KindExternal
)

// LoadResponse is the tagged union load() returns: a resolved module;
// a redirect edge whose Specifier names the URL the request resolved
// to (callers re-issue Load against it, and the target's content is
// already cached by then, so the follow-up never hits the network); an
// external passthrough for schemes the HTTP cache doesn't manage
// (wasm); or an absent zero value with Kind == KindAbsent.
type LoadResponse struct {
	Kind      Kind
	Specifier string
	Headers   map[string]string
	Content   []byte
}

// Config wires up a Loader.
type Config struct {
	Root         string // explicit cache root; empty defers to rootdir.Resolve
	VendorRoot   string // empty disables the vendor overlay
	ReadOnly     bool
	AllowRemote  bool
	CacheSetting fetch.CacheSetting
	AuthTokens   string // raw DENO_AUTH_TOKENS-shaped value

	// Mirror, when non-nil, backs the global store with a warm-start
	// S3-compatible mirror. Nil disables it.
	Mirror *s3mirror.Config

	// Logger receives warnings from token parsing and fetch retries.
	// Nil falls back to slog.Default().
	Logger *slog.Logger
}

// Loader is the façade graph builders call into.
type Loader struct {
	fetcher *fetch.Fetcher
}

// New resolves the cache root, builds the lazy HttpCache (global, or
// vendor-over-global when VendorRoot is set), and returns a ready
// Loader.
func New(cfg Config) (*Loader, error) {
	root, err := rootdir.Resolve(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("loader: resolve cache root: %w", err)
	}

	tokens := auth.Parse(cfg.AuthTokens, cfg.Logger)

	factory := func() (fetch.HttpCache, error) {
		var globalOpts []globalcache.Option
		if cfg.Mirror != nil {
			mirror, err := s3mirror.New(context.Background(), *cfg.Mirror)
			if err != nil {
				return nil, fmt.Errorf("loader: build mirror: %w", err)
			}
			globalOpts = append(globalOpts, globalcache.WithMirror(mirror))
		}
		global := globalcache.New(root.RemoteDir(), cfg.ReadOnly, globalOpts...)
		if cfg.VendorRoot == "" {
			return global, nil
		}
		vendorRoot, err := filepath.Abs(cfg.VendorRoot)
		if err != nil {
			return nil, fmt.Errorf("loader: resolve vendor root: %w", err)
		}
		return localcache.New(vendorRoot, global, cfg.ReadOnly), nil
	}

	fetcher := fetch.New(fetch.Config{
		CacheSetting: cfg.CacheSetting,
		AllowRemote:  cfg.AllowRemote,
		AuthTokens:   tokens,
		Logger:       cfg.Logger,
	}, factory)

	return &Loader{fetcher: fetcher}, nil
}

// Load resolves specifier. A NotFound error from the underlying
// fetcher is swallowed into an absent LoadResponse; every other error
// is wrapped with a cause chain via %w. When the fetch resolved to a
// different URL than requested, the redirect edge is surfaced as
// KindRedirect so graph builders record it before loading the target.
func (l *Loader) Load(ctx context.Context, specifier string, isDynamic bool, cacheSetting *fetch.CacheSetting, checksum string, dest cache.Destination) (LoadResponse, error) {
	req, err := url.Parse(specifier)
	if err != nil {
		return LoadResponse{}, fmt.Errorf("loader: parse specifier %q: %w", specifier, err)
	}
	if req.Scheme == "wasm" {
		return LoadResponse{Kind: KindExternal, Specifier: specifier}, nil
	}

	mod, err := l.fetcher.Fetch(ctx, specifier, fetch.Options{
		IsDynamic:    isDynamic,
		CacheSetting: cacheSetting,
		Checksum:     checksum,
		Destination:  dest,
	})
	if err != nil {
		var nf *cache.NotFoundError
		if errors.As(err, &nf) {
			return LoadResponse{Kind: KindAbsent}, nil
		}
		return LoadResponse{}, fmt.Errorf("loader: load %q: %w", specifier, err)
	}
	if mod == nil {
		return LoadResponse{Kind: KindAbsent}, nil
	}

	if mod.Specifier != "" && mod.Specifier != req.String() {
		return LoadResponse{Kind: KindRedirect, Specifier: mod.Specifier}, nil
	}

	return LoadResponse{
		Kind:      KindModule,
		Specifier: mod.Specifier,
		Headers:   mod.Headers,
		Content:   mod.Content,
	}, nil
}
