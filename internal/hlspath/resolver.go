// Package hlspath maps source ids onto their HLS output directories.
//
// Every source owns exactly one directory below the HLS root, named after the
// content hash of its id:
//
//	{root}/{md5(source_id)}/index.m3u8   master playlist
//	{root}/{md5(source_id)}/low.m3u8     variant playlists
//	{root}/{md5(source_id)}/low_00042.ts media segments
//
// The content hash also appears in the transcoder's command line, which is
// how a running transcoder is recognised in the OS process table.
package hlspath

import (
	"crypto/md5" //nolint:gosec // naming digest, not a security boundary
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HashVersion identifies the digest used for ContentHash.
// Changing the digest orphans every running stream, so it stays pinned at 1 (MD5, hex).
const HashVersion = 1

// PlaylistName is the master playlist file name inside a source directory.
const PlaylistName = "index.m3u8"

// ErrStorageUnavailable is returned when a source directory cannot be created.
var ErrStorageUnavailable = errors.New("storage unavailable")

// Locator is where a source's HLS output lives.
type Locator struct {
	SourceID    string `json:"source_id"`
	ContentHash string `json:"content_hash"`
	Dir         string `json:"dir"`
	Playlist    string `json:"playlist"`
}

// Resolver derives Locators below a fixed root.
type Resolver struct {
	root string
}

// New creates a resolver rooted at root. The root is made absolute so that
// command lines and locators are stable regardless of the working directory.
func New(root string) (*Resolver, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("hls root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve hls root %q: %w", root, err)
	}
	return &Resolver{root: filepath.Clean(abs)}, nil
}

// Root returns the absolute HLS root.
func (r *Resolver) Root() string {
	return r.root
}

// ContentHash returns the pinned digest of a source id.
func ContentHash(sourceID string) string {
	sum := md5.Sum([]byte(sourceID)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// Locate computes the locator for sourceID without touching the filesystem.
func (r *Resolver) Locate(sourceID string) Locator {
	hash := ContentHash(sourceID)
	dir := filepath.Join(r.root, hash)
	return Locator{
		SourceID:    sourceID,
		ContentHash: hash,
		Dir:         dir,
		Playlist:    filepath.Join(dir, PlaylistName),
	}
}

// Resolve computes the locator and makes sure its directory exists.
// Calling it for a directory that already exists is not an error.
func (r *Resolver) Resolve(sourceID string) (Locator, error) {
	loc := r.Locate(sourceID)
	if err := os.MkdirAll(loc.Dir, 0o755); err != nil {
		return loc, fmt.Errorf("%w: create %s: %w", ErrStorageUnavailable, loc.Dir, err)
	}
	info, err := os.Stat(loc.Dir)
	if err != nil {
		return loc, fmt.Errorf("%w: stat %s: %w", ErrStorageUnavailable, loc.Dir, err)
	}
	if !info.IsDir() {
		return loc, fmt.Errorf("%w: %s exists but is not a directory", ErrStorageUnavailable, loc.Dir)
	}
	return loc, nil
}

// PlaylistExists reports whether the master playlist has been written.
func (l Locator) PlaylistExists() bool {
	info, err := os.Stat(l.Playlist)
	return err == nil && info.Mode().IsRegular()
}
