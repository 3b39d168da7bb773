package rootdir

import (
	"path/filepath"
	"testing"
)

func TestResolveExplicitRoot(t *testing.T) {
	r, err := Resolve("/tmp/explicit-root")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.Path() != "/tmp/explicit-root" {
		t.Errorf("Path() = %q", r.Path())
	}
}

func TestResolveDenoDirEnv(t *testing.T) {
	t.Setenv(envDir, "/tmp/from-env")
	r, err := Resolve("")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.Path() != "/tmp/from-env" {
		t.Errorf("Path() = %q", r.Path())
	}
}

func TestSubdirectories(t *testing.T) {
	r, err := Resolve("/tmp/root")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.RemoteDir() != filepath.Join("/tmp/root", "remote") {
		t.Errorf("RemoteDir() = %q", r.RemoteDir())
	}
	if r.GenDir() != filepath.Join("/tmp/root", "gen") {
		t.Errorf("GenDir() = %q", r.GenDir())
	}
}
