// Package fetch implements the Fetcher orchestrator: scheme dispatch,
// cache-mode policy, conditional revalidation, redirect chasing,
// retry/backoff, integrity verification, and in-process memoization.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"cachedir/auth"
	"cachedir/cache"
	"cachedir/internal/digest"
	"cachedir/internal/obs"
	"cachedir/pathenc"
)

const maxRedirects = 10

const (
	retryMax       = 3
	retryBaseDelay = 250 * time.Millisecond
	retryCapDelay  = 10 * time.Second
)

// Module is the successful result of a fetch: the final bytes plus the
// headers observed when they were written, and the specifier they
// were ultimately served under.
type Module struct {
	Specifier string
	Headers   map[string]string
	Content   []byte
}

// Options configures a single Fetch call.
type Options struct {
	IsDynamic    bool
	CacheSetting *CacheSetting
	Checksum     string
	Destination  cache.Destination
}

// Config configures a Fetcher for its lifetime.
type Config struct {
	CacheSetting CacheSetting
	AllowRemote  bool
	AuthTokens   *auth.Tokens
	HTTPClient   *http.Client // defaults to obs.InstrumentedClient(nil)

	// RateLimiter, when set, is consulted once per remote host before
	// every outbound request, so a fan-out of fetches against one
	// origin doesn't hammer it.
	RateLimiter *PerHostLimiter

	// Coalesce enables golang.org/x/sync/singleflight de-duplication of
	// concurrent fetches for the same pre-redirect specifier. Disabled
	// by default. The memo is still populated after the shared fetch
	// succeeds, so later callers see the same result either way.
	Coalesce bool

	Logger *slog.Logger
}

// HttpCacheFactory lazily produces the backing HttpCache on first use.
// It is called at most once per Fetcher: concurrent first-callers block
// on the same in-flight construction and then share the result.
type HttpCacheFactory func() (HttpCache, error)

// Fetcher is the pipeline orchestrator.
type Fetcher struct {
	cfg      Config
	log      *slog.Logger
	factory  HttpCacheFactory
	cacheGet func() (HttpCache, error) // memoized via sync.OnceValue(s)

	memoMu sync.Mutex
	memo   map[string]memoEntry

	group singleflight.Group
}

type memoEntry struct {
	module *Module
	err    error
}

// New builds a Fetcher. factory is invoked lazily and at most once.
func New(cfg Config, factory HttpCacheFactory) *Fetcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = obs.InstrumentedClient(nil)
	}
	f := &Fetcher{
		cfg:     cfg,
		log:     cfg.Logger,
		factory: factory,
		memo:    make(map[string]memoEntry),
	}
	f.cacheGet = sync.OnceValues(func() (HttpCache, error) { return f.factory() })
	return f
}

func (f *Fetcher) httpCache() (HttpCache, error) {
	return f.cacheGet()
}

// Fetch resolves specifier to its final Module, chasing redirects and
// consulting the in-process memo. The memo keys on the specifier
// exactly as given (pre-redirect), so after a successful fetch every
// caller of the same string observes the same result, redirect edge
// included. Failed fetches are not memoized.
func (f *Fetcher) Fetch(ctx context.Context, specifier string, opts Options) (*Module, error) {
	f.memoMu.Lock()
	if e, ok := f.memo[specifier]; ok {
		f.memoMu.Unlock()
		return e.module, e.err
	}
	f.memoMu.Unlock()

	runOnce := func(ctx context.Context) (any, error) {
		mod, err := f.fetchUncached(ctx, specifier, opts)
		if err == nil {
			f.memoMu.Lock()
			f.memo[specifier] = memoEntry{module: mod}
			f.memoMu.Unlock()
		}
		return mod, err
	}

	if f.cfg.Coalesce {
		// The shared fetch is detached from any one caller's cancellation;
		// a caller whose ctx ends stops waiting without failing the others.
		ch := f.group.DoChan(specifier, func() (any, error) {
			return runOnce(context.WithoutCancel(ctx))
		})
		select {
		case res := <-ch:
			if res.Val == nil {
				return nil, res.Err
			}
			return res.Val.(*Module), res.Err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	v, err := runOnce(ctx)
	if v == nil {
		return nil, err
	}
	return v.(*Module), err
}

func (f *Fetcher) fetchUncached(ctx context.Context, specifier string, opts Options) (*Module, error) {
	u, err := url.Parse(specifier)
	if err != nil {
		return nil, &cache.UnsupportedSchemeError{Scheme: "", URL: specifier}
	}

	switch u.Scheme {
	case "file":
		return f.fetchFile(u)
	case "data", "blob":
		return f.fetchDataBlob(ctx, u, opts)
	case "http", "https":
		return f.fetchRemote(ctx, u, opts)
	default:
		return nil, &cache.UnsupportedSchemeError{Scheme: u.Scheme, URL: specifier}
	}
}

// fetchFile reads a file: URL straight off disk, stripping a hashbang
// line when present. A missing file degrades to absent (nil, nil)
// rather than an error; callers treat a file URL that doesn't resolve
// the same as a 404.
func (f *Fetcher) fetchFile(u *url.URL) (*Module, error) {
	b, err := os.ReadFile(u.Path)
	if err != nil {
		return nil, nil
	}
	return &Module{Specifier: u.String(), Content: stripHashbang(b)}, nil
}

// stripHashbang removes a leading "#!...\n" line, and is idempotent:
// calling it twice is the same as calling it once.
func stripHashbang(b []byte) []byte {
	if len(b) < 2 || b[0] != '#' || b[1] != '!' {
		return b
	}
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return b[i+1:]
	}
	return nil
}

func (f *Fetcher) fetchDataBlob(ctx context.Context, u *url.URL, opts Options) (*Module, error) {
	hc, err := f.httpCache()
	if err != nil {
		return nil, err
	}

	setting := f.settingFor(opts)
	if setting.shouldUseCache(u.String()) {
		entry, err := hc.Get(u, opts.Destination, opts.Checksum)
		if err == nil {
			obs.RecordHit(ctx)
			return &Module{Specifier: u.String(), Headers: entry.Headers, Content: entry.Content}, nil
		}
		if !isMiss(err) {
			return nil, err
		}
		obs.RecordMiss(ctx)
	}
	if setting.Kind == Only {
		return nil, &cache.NotFoundError{URL: u.String()}
	}

	var headers map[string]string
	var body []byte
	if u.Scheme == "data" {
		// Resolved in-process: no auth, no retries, no network, and no
		// data-scheme transport exists in net/http anyway.
		headers, body, err = decodeDataURL(u)
		if err != nil {
			return nil, err
		}
	} else {
		resp, err := f.httpGet(ctx, u, nil)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err = drainBody(ctx, resp.Body)
		if err != nil {
			return nil, err
		}
		headers = cache.LowercaseHeaders(resp.Header)
	}

	if err := f.persist(ctx, hc, u, opts.Destination, headers, body); err != nil {
		return nil, err
	}
	if err := verifyChecksum(ctx, u.String(), opts.Checksum, body); err != nil {
		return nil, err
	}
	return &Module{Specifier: u.String(), Headers: headers, Content: body}, nil
}

// fetchRemote runs the remote fetch protocol, chasing cache-level
// redirect records up to maxRedirects times before giving up.
func (f *Fetcher) fetchRemote(ctx context.Context, u *url.URL, opts Options) (*Module, error) {
	if !f.cfg.AllowRemote {
		hc, err := f.httpCache()
		if err == nil {
			if entry, gerr := hc.Get(u, opts.Destination, opts.Checksum); gerr == nil && !entry.IsRedirect() {
				return &Module{Specifier: u.String(), Headers: entry.Headers, Content: entry.Content}, nil
			}
		}
		return nil, &cache.PermissionDeniedError{URL: u.String()}
	}

	current := u
	for i := 0; i < maxRedirects; i++ {
		mod, redirect, err := f.fetchOnce(ctx, current, opts)
		if err != nil {
			return nil, err
		}
		if mod != nil {
			return mod, nil
		}
		if redirect == "" {
			return nil, &cache.NotFoundError{URL: current.String()}
		}
		next, err := url.Parse(redirect)
		if err != nil {
			return nil, fmt.Errorf("fetch: parse redirect target %q: %w", redirect, err)
		}
		current = next
	}
	return nil, &cache.TooManyRedirectsError{URL: u.String()}
}

// fetchOnce implements fetch_once: a single cache-probe-or-remote-call
// round, returning either a resolved Module, a redirect target to
// follow next, or (nil, "", nil) when cache_setting=Only and nothing
// is cached, or when the server answers 404.
func (f *Fetcher) fetchOnce(ctx context.Context, u *url.URL, opts Options) (*Module, string, error) {
	hc, err := f.httpCache()
	if err != nil {
		return nil, "", err
	}
	setting := f.settingFor(opts)

	var priorHeaders map[string]string
	if setting.shouldUseCache(u.String()) {
		entry, err := hc.Get(u, opts.Destination, opts.Checksum)
		switch {
		case err == nil && entry.IsRedirect():
			loc, _ := entry.Location()
			target, rerr := pathenc.AbsoluteRedirect(loc, u)
			if rerr != nil {
				return nil, "", fmt.Errorf("fetch: resolve redirect: %w", rerr)
			}
			return nil, target, nil
		case err == nil:
			obs.RecordHit(ctx)
			return &Module{Specifier: u.String(), Headers: entry.Headers, Content: entry.Content}, "", nil
		case isMiss(err):
			obs.RecordMiss(ctx)
			priorHeaders, _ = staleHeaders(hc, u, opts.Destination)
		default:
			return nil, "", err
		}
	} else {
		priorHeaders, _ = staleHeaders(hc, u, opts.Destination)
	}

	if setting.Kind == Only {
		return nil, "", nil
	}

	reqHeaders := map[string]string{}
	if etag, ok := priorHeaders["etag"]; ok && etag != "" {
		reqHeaders["If-None-Match"] = etag
	}
	if f.cfg.AuthTokens != nil {
		if h, ok := f.cfg.AuthTokens.HeaderFor(u.Hostname()); ok {
			reqHeaders["Authorization"] = h
		}
	}

	resp, err := f.httpGetWithRetries(ctx, u, reqHeaders)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && priorHeaders != nil {
		entry, err := hc.Get(u, opts.Destination, opts.Checksum)
		if err == nil {
			return &Module{Specifier: u.String(), Headers: entry.Headers, Content: entry.Content}, "", nil
		}
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", &cache.HTTPStatusError{Status: resp.StatusCode, StatusText: resp.Status, URL: u.String()}
	}

	body, err := drainBody(ctx, resp.Body)
	if err != nil {
		return nil, "", err
	}
	headers := cache.LowercaseHeaders(resp.Header)

	finalURL := u
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}
	if finalURL.String() != u.String() {
		if err := f.persistRedirect(ctx, hc, u, opts.Destination, finalURL.String()); err != nil {
			return nil, "", err
		}
	}

	if err := f.persist(ctx, hc, finalURL, opts.Destination, headers, body); err != nil {
		return nil, "", err
	}
	if err := verifyChecksum(ctx, u.String(), opts.Checksum, body); err != nil {
		return nil, "", err
	}

	return &Module{Specifier: finalURL.String(), Headers: headers, Content: body}, "", nil
}

func staleHeaders(hc HttpCache, u *url.URL, dest cache.Destination) (map[string]string, bool) {
	entry, err := hc.Get(u, dest, "")
	if err != nil || entry == nil {
		return nil, false
	}
	return entry.Headers, true
}

func (f *Fetcher) persist(ctx context.Context, hc HttpCache, u *url.URL, dest cache.Destination, headers map[string]string, body []byte) error {
	_, end := obs.Span(ctx, obs.PointAtomicWrite)
	defer end()
	if err := hc.Set(u, dest, headers, body); err != nil {
		return err
	}
	obs.RecordBytes(ctx, int64(len(body)))
	return nil
}

func (f *Fetcher) persistRedirect(ctx context.Context, hc HttpCache, u *url.URL, dest cache.Destination, target string) error {
	_, end := obs.Span(ctx, obs.PointSidecarWrite)
	defer end()
	return hc.SetRedirect(u, dest, target)
}

func (f *Fetcher) settingFor(opts Options) CacheSetting {
	if opts.CacheSetting != nil {
		return *opts.CacheSetting
	}
	return f.cfg.CacheSetting
}

func (f *Fetcher) httpGet(ctx context.Context, u *url.URL, headers map[string]string) (*http.Response, error) {
	if f.cfg.RateLimiter != nil {
		if err := f.cfg.RateLimiter.Wait(ctx, u.Hostname()); err != nil {
			return nil, err
		}
	}
	ctx, end := obs.Span(ctx, obs.PointHTTPRequest)
	defer end()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return f.cfg.HTTPClient.Do(req)
}

// httpGetWithRetries implements fetch_with_retries: up to retryMax
// retries on network errors and 5xx, never on 4xx, exponential
// backoff starting at retryBaseDelay and doubling each attempt up to
// retryCapDelay.
func (f *Fetcher) httpGetWithRetries(ctx context.Context, u *url.URL, headers map[string]string) (*http.Response, error) {
	delay := retryBaseDelay
	var lastErr error

	for attempt := 0; attempt <= retryMax; attempt++ {
		resp, err := f.httpGet(ctx, u, headers)
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}
		if err == nil {
			lastErr = &cache.HTTPStatusError{Status: resp.StatusCode, StatusText: resp.Status, URL: u.String()}
			resp.Body.Close()
		} else {
			lastErr = err
		}

		if attempt == retryMax {
			break
		}
		f.log.Warn("retrying fetch after error", "url", u.String(), "attempt", attempt+1, "error", lastErr)

		_, end := obs.Span(ctx, obs.PointBackoffSleep)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			end()
			return nil, ctx.Err()
		}
		end()

		delay *= 2
		if delay > retryCapDelay {
			delay = retryCapDelay
		}
	}
	return nil, lastErr
}

func drainBody(ctx context.Context, r io.Reader) ([]byte, error) {
	_, end := obs.Span(ctx, obs.PointBodyDrain)
	defer end()
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("fetch: read body: %w", err)
	}
	return b, nil
}

func verifyChecksum(ctx context.Context, url, checksum string, body []byte) error {
	if checksum == "" {
		return nil
	}
	_, end := obs.Span(ctx, obs.PointDigest)
	defer end()
	actual := digest.Bytes(body)
	if !digest.Equal(checksum, actual) {
		return &cache.ChecksumMismatchError{URL: url, Expected: checksum, Actual: actual}
	}
	return nil
}

func isMiss(err error) bool {
	var nf *cache.NotFoundError
	return errors.As(err, &nf)
}

// PerHostLimiter rate-limits outbound requests per hostname.
type PerHostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	newLim   func() *rate.Limiter
}

// NewPerHostLimiter builds a limiter allowing r requests/sec per host,
// with burst b.
func NewPerHostLimiter(r float64, b int) *PerHostLimiter {
	return &PerHostLimiter{
		limiters: make(map[string]*rate.Limiter),
		newLim:   func() *rate.Limiter { return rate.NewLimiter(rate.Limit(r), b) },
	}
}

func (p *PerHostLimiter) Wait(ctx context.Context, host string) error {
	p.mu.Lock()
	lim, ok := p.limiters[host]
	if !ok {
		lim = p.newLim()
		p.limiters[host] = lim
	}
	p.mu.Unlock()
	return lim.Wait(ctx)
}
