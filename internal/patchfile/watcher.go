package patchfile

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"livepatch/internal/logging"
	"livepatch/internal/patcher"
)

// DefaultDebounce is how long a file must stay quiet before it is reloaded.
const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc is called after an owner's patches were swapped. count is the
// owner's new patch count; zero means the owner was removed.
type ReloadFunc func(owner string, count int)

// Watcher keeps a PatchList in sync with a directory of patch files. Each
// settled change re-reads the file and swaps its owner's patches in place, so
// factories registered afterwards see the new definitions.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	list        *patcher.PatchList
	dir         string
	log         *logging.Logger
	files       map[string]*File
	debounceMap map[string]time.Time
	debounceDur time.Duration
	tick        time.Duration
	onReload    []ReloadFunc
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats WatcherStats
}

// WatcherStats tracks watcher activity.
type WatcherStats struct {
	Reloads       int
	Removals      int
	Errors        int
	LastEventTime time.Time
	LastEventPath string
	LastEventType string
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the quiet period before a changed file is reloaded.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDur = d
		if d/5 < w.tick {
			w.tick = max(d/5, time.Millisecond)
		}
	}
}

// NewWatcher creates a watcher for dir feeding list.
func NewWatcher(dir string, list *patcher.PatchList, logs *logging.Set, opts ...WatcherOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		watcher:     fw,
		list:        list,
		dir:         dir,
		log:         logs.Get(logging.CategoryWatcher),
		files:       make(map[string]*File),
		debounceMap: make(map[string]time.Time),
		debounceDur: DefaultDebounce,
		tick:        100 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// OnReload registers fn to run after every swap.
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = append(w.onReload, fn)
}

// Start loads every patch file in the directory, then watches it. It does not
// block.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		w.log.Warn("Failed to create patch dir %s: %v", w.dir, err)
	}

	files, err := ReadDir(ctx, w.dir)
	if err != nil {
		w.log.Error("Initial patch load failed: %v", err)
	}
	for _, f := range files {
		w.store(f)
	}

	if err := w.watcher.Add(w.dir); err != nil {
		w.log.Warn("Watching %s failed: %v", w.dir, err)
	} else {
		w.log.Info("Watching patch dir %s (%d files)", w.dir, len(files))
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for its loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		w.log.Error("Error closing watcher: %v", err)
	}
	w.log.Debug("Patch watcher stopped")
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	debounceTicker := time.NewTicker(w.tick)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("Watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-debounceTicker.C:
			w.processDebouncedEvents()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !IsPatchFile(event.Name) {
		return
	}

	var eventType string
	switch {
	case event.Op&fsnotify.Create != 0:
		eventType = "create"
	case event.Op&fsnotify.Write != 0:
		eventType = "modify"
	case event.Op&fsnotify.Remove != 0:
		eventType = "delete"
	case event.Op&fsnotify.Rename != 0:
		eventType = "rename"
	default:
		return
	}
	w.log.Debug("%s event for %s", eventType, event.Name)

	w.mu.Lock()
	w.stats.LastEventTime = time.Now()
	w.stats.LastEventPath = event.Name
	w.stats.LastEventType = eventType
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) processDebouncedEvents() {
	w.mu.Lock()
	now := time.Now()
	var toProcess []string
	for path, t := range w.debounceMap {
		if now.Sub(t) >= w.debounceDur {
			toProcess = append(toProcess, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	sort.Strings(toProcess)
	for _, path := range toProcess {
		w.reload(path)
	}
}

// reload re-reads path. A vanished file drops its owner's patches; a file that
// fails to parse keeps the previous ones.
func (w *Watcher) reload(path string) {
	f, err := ReadFile(path)
	if err != nil {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			w.forget(path)
			return
		}
		w.log.Error("Keeping previous patches for %s: %v", filepath.Base(path), err)
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
		return
	}
	w.store(f)
}

func (w *Watcher) store(f *File) {
	w.mu.Lock()
	prev := w.files[f.Path]
	w.files[f.Path] = f
	w.mu.Unlock()

	if prev != nil && prev.Owner != f.Owner {
		w.sync(prev.Owner)
	}
	w.sync(f.Owner)
}

func (w *Watcher) forget(path string) {
	w.mu.Lock()
	prev := w.files[path]
	delete(w.files, path)
	w.mu.Unlock()
	if prev != nil {
		w.sync(prev.Owner)
	}
}

// sync pushes the merged definitions of every file owned by owner into the
// list.
func (w *Watcher) sync(owner string) {
	w.mu.RLock()
	var paths []string
	for path, f := range w.files {
		if f.Owner == owner {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	var defs []patcher.PatchDefinition
	for _, path := range paths {
		defs = append(defs, w.files[path].Defs...)
	}
	listeners := append([]ReloadFunc(nil), w.onReload...)
	w.mu.RUnlock()

	if len(paths) == 0 {
		n := w.list.Remove(owner)
		w.log.Info("Removed %d patches of %s", n, owner)
		w.mu.Lock()
		w.stats.Removals++
		w.mu.Unlock()
	} else {
		if err := w.list.Replace(owner, defs); err != nil {
			w.log.Error("Rejected patches of %s: %v", owner, err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
			return
		}
		w.log.Info("Loaded %d patches of %s", len(defs), owner)
		w.mu.Lock()
		w.stats.Reloads++
		w.mu.Unlock()
	}

	for _, fn := range listeners {
		fn(owner, len(defs))
	}
}

// Stats returns the current watcher statistics.
func (w *Watcher) Stats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// IsWatching reports whether the watcher loop is running.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Owners returns the owners of the currently loaded files.
func (w *Watcher) Owners() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, f := range w.files {
		if !seen[f.Owner] {
			seen[f.Owner] = true
			out = append(out, f.Owner)
		}
	}
	sort.Strings(out)
	return out
}
