package catalog

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"github.com/kidcam/camhls/internal/config"
	"github.com/kidcam/camhls/internal/logging"
	"github.com/kidcam/camhls/internal/streams"
)

type cameraFile struct {
	Cameras []Camera `toml:"cameras"`
}

// LoadFile parses and validates a camera file.
func LoadFile(path string) ([]Camera, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read camera file: %w", err)
	}

	var f cameraFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse camera file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(f.Cameras))
	for i, cam := range f.Cameras {
		if err := cam.Descriptor().Validate(); err != nil {
			return nil, fmt.Errorf("camera %d: %w", i+1, err)
		}
		if seen[cam.ID] {
			return nil, fmt.Errorf("camera %d: duplicate id %q", i+1, cam.ID)
		}
		seen[cam.ID] = true
	}
	return f.Cameras, nil
}

// File is a Catalog backed by a TOML camera file.
type File struct {
	path   string
	logger logging.Logger

	mu      sync.RWMutex
	cameras map[string]Camera
}

// NewFile loads the camera file at path.
func NewFile(path string, logger logging.Logger) (*File, error) {
	cameras, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	f := &File{path: path, logger: logger}
	f.Replace(cameras)
	return f, nil
}

// Replace swaps the camera set.
func (f *File) Replace(cameras []Camera) {
	m := make(map[string]Camera, len(cameras))
	for _, cam := range cameras {
		m[cam.ID] = cam
	}
	f.mu.Lock()
	f.cameras = m
	f.mu.Unlock()
	f.logger.Info("Camera catalog loaded", "path", f.path, "cameras", len(m))
}

// ListDesiredActive implements streams.Catalog.
func (f *File) ListDesiredActive(context.Context) ([]streams.SourceDescriptor, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]streams.SourceDescriptor, 0, len(f.cameras))
	for _, cam := range f.cameras {
		if cam.Active() {
			out = append(out, cam.Descriptor())
		}
	}
	slices.SortFunc(out, func(a, b streams.SourceDescriptor) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// Lookup implements Catalog.
func (f *File) Lookup(_ context.Context, id string) (streams.SourceDescriptor, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cam, ok := f.cameras[id]
	if !ok {
		return streams.SourceDescriptor{}, fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	return cam.Descriptor(), nil
}

// Watch reloads the catalog whenever the file changes and calls onChange
// after each successful reload. A file that fails to parse leaves the
// previous cameras in place. The caller stops the returned watcher.
func (f *File) Watch(onChange func(), opts ...config.WatcherOption[[]Camera]) (*config.Watcher[[]Camera], error) {
	w := config.NewConfigWatcher(f.path, LoadFile, f.logger, opts...)
	w.OnReload(func(cameras []Camera) {
		f.Replace(cameras)
		if onChange != nil {
			onChange()
		}
	})
	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("watch camera file: %w", err)
	}
	return w, nil
}
