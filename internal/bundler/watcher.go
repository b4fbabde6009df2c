package bundler

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zot/hotmonkey/internal/config"
)

// Watcher watches a source directory and turns bursts of file edits into
// change events carrying the rescanned graph.
type Watcher struct {
	config   *config.Config
	source   *DirSource
	watcher  *fsnotify.Watcher
	onChange func(Event)

	watchedDirs map[string]bool
	mu          sync.Mutex

	// Debouncing
	pending       map[string]time.Time
	debounceMu    sync.Mutex
	debounceDelay time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher for source. onChange is called from the
// watcher's goroutine, once per settled burst of edits.
func NewWatcher(cfg *config.Config, source *DirSource, onChange func(Event)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	delay := 100 * time.Millisecond
	if cfg != nil && cfg.Watch.Debounce.Duration() > 0 {
		delay = cfg.Watch.Debounce.Duration()
	}
	return &Watcher{
		config:        cfg,
		source:        source,
		watcher:       fw,
		onChange:      onChange,
		watchedDirs:   make(map[string]bool),
		pending:       make(map[string]time.Time),
		debounceDelay: delay,
		done:          make(chan struct{}),
	}, nil
}

// Start begins watching the directory tree.
func (w *Watcher) Start() error {
	if err := w.addTree(w.source.Dir); err != nil {
		return err
	}
	go w.eventLoop()
	go w.debounceLoop()
	w.config.Log(1, "Watcher: watching %s for changes", w.source.Dir)
	return nil
}

// Stop stops watching. It is safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

// addTree watches dir and every non-hidden directory below it; fsnotify
// watches are not recursive.
func (w *Watcher) addTree(dir string) error {
	return filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if p != dir && strings.HasPrefix(info.Name(), ".") {
			return filepath.SkipDir
		}
		return w.addWatch(p)
	})
}

func (w *Watcher) addWatch(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watchedDirs[dir] {
		return nil
	}
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	w.watchedDirs[dir] = true
	w.config.Log(2, "Watcher: added watch for %s", dir)
	return nil
}

func (w *Watcher) removeWatch(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watchedDirs[dir] {
		w.watcher.Remove(dir)
		delete(w.watchedDirs, dir)
		w.config.Log(2, "Watcher: removed watch for %s", dir)
	}
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.done:
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
			w.config.Log(1, "Watcher: watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	w.config.Log(3, "Watcher: event %s on %s", event.Op, event.Name)

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.config.Log(1, "Watcher: cannot watch %s: %v", event.Name, err)
			}
			return
		}
	}
	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		w.removeWatch(event.Name)
	}

	if !strings.HasSuffix(event.Name, ModuleExt) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
		w.queue(event.Name)
	}
}

func (w *Watcher) queue(file string) {
	w.debounceMu.Lock()
	w.pending[file] = time.Now()
	w.debounceMu.Unlock()
}

func (w *Watcher) debounceLoop() {
	ticker := time.NewTicker(max(w.debounceDelay/2, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.flush(false)
		}
	}
}

// flush emits one event for the pending files once the newest of them has
// settled for the debounce delay. force skips the wait.
func (w *Watcher) flush(force bool) {
	w.debounceMu.Lock()
	if len(w.pending) == 0 {
		w.debounceMu.Unlock()
		return
	}
	now := time.Now()
	if !force {
		for _, queuedAt := range w.pending {
			if now.Sub(queuedAt) < w.debounceDelay {
				w.debounceMu.Unlock()
				return
			}
		}
	}
	files := make([]string, 0, len(w.pending))
	for file := range w.pending {
		files = append(files, file)
	}
	w.pending = make(map[string]time.Time)
	w.debounceMu.Unlock()

	w.emit(files)
}

// emit rescans the graph and reports the edited modules, recovering from a
// panicking callback so the watcher keeps running.
func (w *Watcher) emit(files []string) {
	defer func() {
		if r := recover(); r != nil {
			w.config.Log(0, "Watcher: PANIC handling change of %v: %v", files, r)
		}
	}()

	ids := make([]string, 0, len(files))
	for _, file := range files {
		id, err := w.source.ID(file)
		if err != nil {
			w.config.Log(1, "Watcher: ignoring %s: %v", file, err)
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return
	}
	slices.Sort(ids)

	g, err := w.source.Graph()
	if err != nil {
		w.config.Log(0, "Watcher: cannot rescan %s: %v", w.source.Dir, err)
		return
	}
	w.config.Log(1, "Watcher: changed %s", strings.Join(ids, ", "))
	if w.onChange != nil {
		w.onChange(Event{Updated: ids, Graph: g})
	}
}
