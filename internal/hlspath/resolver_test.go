package hlspath

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestContentHashPinned(t *testing.T) {
	// A different value here means existing stream directories are orphaned.
	if got := ContentHash("cam-42"); got != "c717908d59df347d7adff16a6d75c9f7" {
		t.Fatalf("ContentHash(cam-42) = %q", got)
	}
	if ContentHash("cam-42") == ContentHash("cam-43") {
		t.Fatal("distinct ids produced the same hash")
	}
}

func TestLocateIsPure(t *testing.T) {
	root := t.TempDir()
	r, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a := r.Locate("cam-7")
	b := r.Locate("cam-7")
	if a != b {
		t.Fatalf("Locate not pure: %+v != %+v", a, b)
	}

	if a.Dir != filepath.Join(r.Root(), a.ContentHash) {
		t.Errorf("Dir = %q, want root/hash", a.Dir)
	}
	if a.Playlist != filepath.Join(a.Dir, "index.m3u8") {
		t.Errorf("Playlist = %q, want dir/index.m3u8", a.Playlist)
	}
	if _, statErr := os.Stat(a.Dir); !os.IsNotExist(statErr) {
		t.Errorf("Locate must not create %s", a.Dir)
	}
}

func TestResolveCreatesDirectoryIdempotently(t *testing.T) {
	r, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first, err := r.Resolve("cam-1")
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	second, err := r.Resolve("cam-1")
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if first != second {
		t.Fatalf("Resolve not stable: %+v != %+v", first, second)
	}
	if info, statErr := os.Stat(first.Dir); statErr != nil || !info.IsDir() {
		t.Fatalf("directory %s not created: %v", first.Dir, statErr)
	}
	if first.PlaylistExists() {
		t.Error("PlaylistExists should be false before the transcoder writes it")
	}
}

func TestResolveStorageUnavailable(t *testing.T) {
	root := t.TempDir()
	r, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// A regular file where the source directory should be.
	loc := r.Locate("cam-9")
	if writeErr := os.WriteFile(loc.Dir, []byte("x"), 0o644); writeErr != nil {
		t.Fatalf("setup: %v", writeErr)
	}

	_, err = r.Resolve("cam-9")
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("Resolve error = %v, want ErrStorageUnavailable", err)
	}
}

func TestNewRejectsEmptyRoot(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty root")
	}
}
