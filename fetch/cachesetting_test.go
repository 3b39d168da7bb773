package fetch

import "testing"

func TestShouldUseCache(t *testing.T) {
	const specifier = "https://deno.land/std/http/file_server.ts"

	if !UseCache.shouldUseCache(specifier) {
		t.Error("Use must consult the cache")
	}
	if !OnlyCache.shouldUseCache(specifier) {
		t.Error("Only must consult the cache")
	}
	if ReloadAll.shouldUseCache(specifier) {
		t.Error("Reload must bypass the cache")
	}
}

func TestShouldUseCacheReloadMatching(t *testing.T) {
	setting := NewReloadMatching([]string{"https://deno.land/std/", "https://esm.sh/"})

	if setting.shouldUseCache("https://deno.land/std/http/file_server.ts") {
		t.Error("matching prefix must bypass the cache")
	}
	if setting.shouldUseCache("https://esm.sh/svelte") {
		t.Error("second prefix must also bypass the cache")
	}
	if !setting.shouldUseCache("https://deno.land/x/oak/mod.ts") {
		t.Error("non-matching specifier must still consult the cache")
	}
}
