package localcache

import (
	"net/url"
	"path/filepath"
	"testing"

	"cachedir/cache"
	"cachedir/globalcache"
)

func TestReadonlyVendorMissesEvenWhenGlobalHasIt(t *testing.T) {
	globalRoot := t.TempDir()
	vendorRoot := t.TempDir()
	global := globalcache.New(globalRoot, false)

	u, _ := url.Parse("https://deno.land/x/oak/mod.ts")
	if err := global.Set(u, cache.Script, map[string]string{"content-type": "text/typescript"}, []byte("export {}")); err != nil {
		t.Fatalf("global.Set: %v", err)
	}

	vendor := New(vendorRoot, global, true)
	if _, err := vendor.Get(u, cache.Script, ""); err == nil {
		t.Fatal("expected miss in readonly vendor even though global cache holds the URL")
	}
}

func TestWritableVendorCopiesFromGlobal(t *testing.T) {
	globalRoot := t.TempDir()
	vendorRoot := t.TempDir()
	global := globalcache.New(globalRoot, false)

	u, _ := url.Parse("https://deno.land/x/oak/mod.ts")
	body := []byte("export {}")
	if err := global.Set(u, cache.Script, map[string]string{"content-type": "text/typescript"}, body); err != nil {
		t.Fatalf("global.Set: %v", err)
	}

	vendor := New(vendorRoot, global, false)
	entry, err := vendor.Get(u, cache.Script, "")
	if err != nil {
		t.Fatalf("vendor.Get: %v", err)
	}
	if string(entry.Content) != string(body) {
		t.Errorf("content = %q, want %q", entry.Content, body)
	}

	// A second Get must not need the global store at all; it should be
	// served straight from the vendor layout now.
	vendorOnly := New(vendorRoot, globalcache.New(t.TempDir(), false), false)
	entry2, err := vendorOnly.Get(u, cache.Script, "")
	if err != nil {
		t.Fatalf("vendor.Get after copy: %v", err)
	}
	if string(entry2.Content) != string(body) {
		t.Errorf("second read content = %q, want %q", entry2.Content, body)
	}
}

func TestVendorSetIgnoresChecksumOnLocalHit(t *testing.T) {
	globalRoot := t.TempDir()
	vendorRoot := t.TempDir()
	global := globalcache.New(globalRoot, false)
	vendor := New(vendorRoot, global, false)

	u, _ := url.Parse("https://deno.land/x/oak/mod.ts")
	if err := vendor.Set(u, cache.Script, nil, []byte("trusted bytes")); err != nil {
		t.Fatalf("vendor.Set: %v", err)
	}

	entry, err := vendor.Get(u, cache.Script, "not-a-real-checksum")
	if err != nil {
		t.Fatalf("Get with bogus checksum on local hit should not error: %v", err)
	}
	if string(entry.Content) != "trusted bytes" {
		t.Errorf("content = %q", entry.Content)
	}
}

func TestManifestPersistsAcrossReload(t *testing.T) {
	globalRoot := t.TempDir()
	vendorRoot := t.TempDir()
	global := globalcache.New(globalRoot, false)

	u, _ := url.Parse("https://deno.land/x/oak/mod.ts?v=1")
	vendor := New(vendorRoot, global, false)
	if err := vendor.Set(u, cache.Script, map[string]string{"etag": `"x"`}, []byte("body")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	reopened := New(vendorRoot, global, false)
	headers, ok := reopened.GetHeaders(u, cache.Script)
	if !ok {
		t.Fatal("expected manifest entry to persist across reload")
	}
	if headers["etag"] != `"x"` {
		t.Errorf("headers = %#v", headers)
	}
}

func TestVendorDataURLsAreDisjoint(t *testing.T) {
	global := globalcache.New(t.TempDir(), false)
	vendor := New(t.TempDir(), global, false)

	ua, _ := url.Parse("data:text/plain,aaa")
	ub, _ := url.Parse("data:text/plain,bbb")
	if err := vendor.Set(ua, cache.Script, nil, []byte("aaa")); err != nil {
		t.Fatalf("Set a: %v", err)
	}
	if err := vendor.Set(ub, cache.Script, nil, []byte("bbb")); err != nil {
		t.Fatalf("Set b: %v", err)
	}

	a, err := vendor.Get(ua, cache.Script, "")
	if err != nil {
		t.Fatalf("Get a: %v", err)
	}
	b, err := vendor.Get(ub, cache.Script, "")
	if err != nil {
		t.Fatalf("Get b: %v", err)
	}
	if string(a.Content) == string(b.Content) {
		t.Fatal("opaque URLs collided in the vendor layout")
	}
}

func TestDecodedPathReproducesHostStructure(t *testing.T) {
	u, _ := url.Parse("https://deno.land/x/oak@v10.5.1/mod.ts")
	got := decodedPath(u)
	want := filepath.ToSlash("deno.land/x/oak@v10.5.1/mod.ts")
	if got != want {
		t.Errorf("decodedPath = %q, want %q", got, want)
	}
}
