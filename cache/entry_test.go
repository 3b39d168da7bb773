package cache

import "testing"

func TestEntryIsRedirect(t *testing.T) {
	redirect := &Entry{Headers: map[string]string{"location": "https://example.com/new.ts"}}
	if !redirect.IsRedirect() {
		t.Error("location header with empty body should be a redirect record")
	}

	full := &Entry{
		Headers: map[string]string{"location": "https://example.com/new.ts"},
		Content: []byte("body"),
	}
	if full.IsRedirect() {
		t.Error("an entry with content is not a redirect record")
	}

	var nilEntry *Entry
	if nilEntry.IsRedirect() {
		t.Error("nil entry is not a redirect")
	}
}

func TestEntryLocation(t *testing.T) {
	e := &Entry{Headers: map[string]string{"location": "https://example.com/new.ts"}}
	loc, ok := e.Location()
	if !ok || loc != "https://example.com/new.ts" {
		t.Errorf("Location() = %q, %v", loc, ok)
	}
	if _, ok := (&Entry{}).Location(); ok {
		t.Error("entry without location header should report no location")
	}
}

func TestLowercaseHeaders(t *testing.T) {
	in := map[string][]string{
		"ETag":         {`"v1"`},
		"Content-Type": {"text/typescript"},
		"X-Empty":      {},
	}
	out := LowercaseHeaders(in)

	if out["etag"] != `"v1"` {
		t.Errorf(`out["etag"] = %q`, out["etag"])
	}
	if _, ok := out["ETag"]; ok {
		t.Error("original-case key survived lowercasing")
	}
	if out["content-type"] != "text/typescript" {
		t.Errorf(`out["content-type"] = %q`, out["content-type"])
	}
	if _, ok := out["x-empty"]; ok {
		t.Error("valueless header should be dropped")
	}
}

func TestLowercaseHeadersLastValueWins(t *testing.T) {
	out := LowercaseHeaders(map[string][]string{"Set-Cookie": {"a=1", "b=2"}})
	if out["set-cookie"] != "b=2" {
		t.Errorf(`out["set-cookie"] = %q, want last value`, out["set-cookie"])
	}
}

func TestDestinationKeySuffixes(t *testing.T) {
	if Script.KeySuffix() != "" || Json.KeySuffix() != "json" {
		t.Errorf("suffixes = %q, %q; the on-disk encoding must never change", Script.KeySuffix(), Json.KeySuffix())
	}
	if Script.String() != "script" || Json.String() != "json" {
		t.Errorf("String() = %q, %q", Script.String(), Json.String())
	}
}
