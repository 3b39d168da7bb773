// Command cachedirctl drives loader.Load end to end against a cache
// root: resolve specifiers from argv or stdin, report
// hit/miss/redirect/error per line, optionally through a vendor
// overlay or a warm-start mirror bucket.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"cachedir/cache"
	"cachedir/fetch"
	"cachedir/globalcache/s3mirror"
	"cachedir/loader"
	"cachedir/localcache"
)

func main() {
	_ = godotenv.Overload(".env")

	var (
		root         = flag.String("root", "", "cache root (defaults to DENO_DIR or the platform cache dir)")
		vendor       = flag.String("vendor", "", "vendor root; when set, reads/writes go through the local overlay")
		cacheFlag    = flag.String("cache", "use", "cache setting: only|use|reload|reload-prefix:<csv>")
		checksum     = flag.String("checksum", "", "expected sha256 of the fetched content")
		destination  = flag.String("dest", "script", "destination tag: script|json")
		allowRemote  = flag.Bool("allow-remote", true, "allow network fetches on cache miss")
		readOnly     = flag.Bool("readonly", false, "never write to the cache")
		mirrorBucket = flag.String("mirror-bucket", "", "S3-compatible bucket used as a warm-start mirror for the global cache; empty disables it")
		listVendor   = flag.Bool("list-vendor", false, "list files actually present under -vendor and exit, instead of loading specifiers")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("run_id", uuid.NewString())

	if *listVendor {
		if *vendor == "" {
			fmt.Fprintln(os.Stderr, "-list-vendor requires -vendor")
			os.Exit(2)
		}
		files, err := localcache.Walk(*vendor)
		if err != nil {
			log.Error("walk vendor root", "error", err)
			os.Exit(1)
		}
		for _, f := range files {
			fmt.Printf("%s\t%d\n", f.Rel, f.Size)
		}
		return
	}

	setting, err := parseCacheSetting(*cacheFlag)
	if err != nil {
		log.Error("invalid -cache flag", "error", err)
		os.Exit(2)
	}

	var mirrorCfg *s3mirror.Config
	if *mirrorBucket != "" {
		mirrorCfg = &s3mirror.Config{
			Endpoint:  os.Getenv("CACHEDIR_MIRROR_ENDPOINT"),
			Region:    os.Getenv("CACHEDIR_MIRROR_REGION"),
			AccessKey: os.Getenv("CACHEDIR_MIRROR_ACCESS_KEY"),
			SecretKey: os.Getenv("CACHEDIR_MIRROR_SECRET_KEY"),
			Bucket:    *mirrorBucket,
		}
	}

	l, err := loader.New(loader.Config{
		Root:         *root,
		VendorRoot:   *vendor,
		ReadOnly:     *readOnly,
		AllowRemote:  *allowRemote,
		CacheSetting: setting,
		AuthTokens:   os.Getenv("DENO_AUTH_TOKENS"),
		Mirror:       mirrorCfg,
		Logger:       log,
	})
	if err != nil {
		log.Error("build loader", "error", err)
		os.Exit(1)
	}

	specifiers := flag.Args()
	if len(specifiers) == 0 {
		specifiers = readStdinLines()
	}
	if len(specifiers) == 0 {
		fmt.Fprintln(os.Stderr, "usage: cachedirctl [flags] <specifier...>")
		os.Exit(2)
	}

	dest, err := parseDestination(*destination)
	if err != nil {
		log.Error("invalid -dest flag", "error", err)
		os.Exit(2)
	}

	ctx := context.Background()
	exitCode := 0
	for _, specifier := range specifiers {
		resp, err := l.Load(ctx, specifier, false, &setting, *checksum, dest)
		if err != nil {
			log.Error("load failed", "specifier", specifier, "error", err)
			exitCode = 1
			continue
		}
		switch resp.Kind {
		case loader.KindAbsent:
			fmt.Printf("%s: not found\n", specifier)
		case loader.KindModule:
			fmt.Printf("%s: %d bytes\n", resp.Specifier, len(resp.Content))
		case loader.KindRedirect:
			fmt.Printf("%s: redirect -> %s\n", specifier, resp.Specifier)
		case loader.KindExternal:
			fmt.Printf("%s: external\n", specifier)
		}
	}
	os.Exit(exitCode)
}

func parseCacheSetting(raw string) (fetch.CacheSetting, error) {
	switch {
	case raw == "only":
		return fetch.OnlyCache, nil
	case raw == "use":
		return fetch.UseCache, nil
	case raw == "reload":
		return fetch.ReloadAll, nil
	case strings.HasPrefix(raw, "reload-prefix:"):
		csv := strings.TrimPrefix(raw, "reload-prefix:")
		return fetch.NewReloadMatching(strings.Split(csv, ",")), nil
	default:
		return fetch.CacheSetting{}, fmt.Errorf("unknown cache setting %q", raw)
	}
}

func parseDestination(raw string) (cache.Destination, error) {
	switch raw {
	case "", "script":
		return cache.Script, nil
	case "json":
		return cache.Json, nil
	default:
		return cache.Script, fmt.Errorf("unknown destination %q", raw)
	}
}

func readStdinLines() []string {
	stat, err := os.Stdin.Stat()
	if err != nil || (stat.Mode()&os.ModeCharDevice) != 0 {
		return nil
	}
	var lines []string
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
