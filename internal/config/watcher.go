package config

import (
	"crypto/sha256"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kidcam/camhls/internal/logging"
)

// DefaultDebounce is how long a file must be quiet before it is reloaded.
const DefaultDebounce = 1500 * time.Millisecond

// Watcher reloads a file when it changes and hands the freshly loaded value
// to every subscriber. It watches the parent directory, so files replaced by
// rename (editors, renameio, config management) keep being picked up.
// Changes that leave the content byte-identical are ignored.
type Watcher[T any] struct {
	path     string
	debounce time.Duration
	load     func(path string) (T, error)
	onError  func(error)
	logger   logging.Logger

	mu     sync.Mutex
	subs   map[int]func(T)
	nextID int
	digest *[sha256.Size]byte // content last delivered

	fsw      *fsnotify.Watcher
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a Watcher.
type WatcherOption[T any] func(*Watcher[T])

// WithDebounce overrides DefaultDebounce.
func WithDebounce[T any](d time.Duration) WatcherOption[T] {
	return func(w *Watcher[T]) { w.debounce = d }
}

// WithErrorHandler is called when the file fails to load. Subscribers keep
// the previous value.
func WithErrorHandler[T any](fn func(error)) WatcherOption[T] {
	return func(w *Watcher[T]) { w.onError = fn }
}

// NewConfigWatcher creates a watcher for path. load runs on every change.
func NewConfigWatcher[T any](
	path string,
	load func(path string) (T, error),
	logger logging.Logger,
	opts ...WatcherOption[T],
) *Watcher[T] {
	w := &Watcher[T]{
		path:     filepath.Clean(path),
		debounce: DefaultDebounce,
		load:     load,
		logger:   logger,
		subs:     map[int]func(T){},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OnReload subscribes fn and returns a function that unsubscribes it.
func (w *Watcher[T]) OnReload(fn func(T)) func() {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.subs[id] = fn
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.subs, id)
		w.mu.Unlock()
	}
}

// Start begins watching. The current content is taken as already delivered.
func (w *Watcher[T]) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return err
	}
	if data, err := os.ReadFile(w.path); err == nil {
		w.remember(data)
	}
	w.fsw = fsw

	w.logger.Info("Watching file", "path", w.path, "debounce", w.debounce)
	go w.run()
	return nil
}

// Stop ends watching and waits for an in-flight reload to finish. It is safe
// to call more than once, and before Start.
func (w *Watcher[T]) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stop)
		if w.fsw == nil {
			return
		}
		err = w.fsw.Close()
		<-w.done
	})
	return err
}

// Reload loads the file now and notifies subscribers even if the content did
// not change.
func (w *Watcher[T]) Reload() {
	w.reload(true)
}

func (w *Watcher[T]) run() {
	defer close(w.done)

	quiet := time.NewTimer(w.debounce)
	quiet.Stop()
	defer quiet.Stop()

	for {
		select {
		case <-w.stop:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			// Write covers in-place edits, Create covers rename-over replacement
			if filepath.Clean(ev.Name) == w.path && ev.Has(fsnotify.Write|fsnotify.Create) {
				w.logger.Debug("File event", "path", w.path, "op", ev.Op.String())
				quiet.Reset(w.debounce)
			}

		case <-quiet.C:
			w.reload(false)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("File watcher error", "path", w.path, "error", err)
		}
	}
}

func (w *Watcher[T]) reload(force bool) {
	data, readErr := os.ReadFile(w.path)
	if readErr == nil && !force && w.unchanged(data) {
		w.logger.Debug("File content unchanged, skipping reload", "path", w.path)
		return
	}

	value, err := w.load(w.path)
	if err != nil {
		w.logger.Warn("Failed to reload file", "path", w.path, "error", err)
		if w.onError != nil {
			w.onError(err)
		}
		return
	}
	if readErr == nil {
		w.remember(data)
	}

	w.mu.Lock()
	subs := make([]func(T), 0, len(w.subs))
	for _, id := range slices.Sorted(maps.Keys(w.subs)) {
		subs = append(subs, w.subs[id])
	}
	w.mu.Unlock()

	w.logger.Info("File reloaded", "path", w.path, "subscribers", len(subs))
	for _, fn := range subs {
		fn(value)
	}
}

func (w *Watcher[T]) unchanged(data []byte) bool {
	sum := sha256.Sum256(data)
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.digest != nil && *w.digest == sum
}

func (w *Watcher[T]) remember(data []byte) {
	sum := sha256.Sum256(data)
	w.mu.Lock()
	w.digest = &sum
	w.mu.Unlock()
}
