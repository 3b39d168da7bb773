package metadata

import (
	"path/filepath"
	"testing"

	"cachedir/cache"
)

func TestPathFor(t *testing.T) {
	cases := map[string]string{
		"/root/remote/https/example.com/abcd":    "/root/remote/https/example.com/abcd.metadata.json",
		"/root/remote/https/example.com/abcd.ts": "/root/remote/https/example.com/abcd.metadata.json",
		"abcd": "abcd.metadata.json",
	}
	for in, want := range cases {
		if got := PathFor(in); got != want {
			t.Errorf("PathFor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	content := filepath.Join(dir, "abcd")
	headers := map[string]string{"etag": `"v1"`, "content-type": "text/plain"}

	if err := Write(content, "https://example.com/mod.ts", headers, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !Exists(content) {
		t.Fatal("Exists reports false after Write")
	}

	sc, err := Read(content)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if sc.URL != "https://example.com/mod.ts" {
		t.Errorf("URL = %q", sc.URL)
	}
	if sc.Headers["etag"] != `"v1"` {
		t.Errorf("headers not round-tripped: %#v", sc.Headers)
	}
}

func TestReadMissingIsNotFound(t *testing.T) {
	dir := t.TempDir()
	_, err := Read(filepath.Join(dir, "nope"))
	if err == nil {
		t.Fatal("expected error for missing sidecar")
	}
	if _, ok := err.(*cache.NotFoundError); !ok {
		t.Errorf("expected *cache.NotFoundError, got %T: %v", err, err)
	}
}

func TestWriteWithDestination(t *testing.T) {
	dir := t.TempDir()
	content := filepath.Join(dir, "abcd")
	dest := cache.Json
	if err := Write(content, "https://example.com/mod.json", nil, &dest); err != nil {
		t.Fatalf("Write: %v", err)
	}
	sc, err := Read(content)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if sc.Destination == nil || *sc.Destination != int(cache.Json) {
		t.Errorf("Destination = %v, want %d", sc.Destination, cache.Json)
	}
}
