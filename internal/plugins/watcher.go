package plugins

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDefault is the default debounce interval for file events.
const debounceDefault = 250 * time.Millisecond

// maxQueueSize bounds the number of plugin directories waiting for Sync.
const maxQueueSize = 64

// pollDefault is the polling interval used when fsnotify is unavailable.
const pollDefault = 5 * time.Second

// Watcher follows the plugin directory and hands every plugin directory
// touched by a burst of file events to handler, once per burst.
type Watcher struct {
	root     string
	handler  func(dir string)
	debounce time.Duration
	logger   *log.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherDebounce overrides the debounce interval.
func WithWatcherDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatcherLogger overrides the default logger.
func WithWatcherLogger(logger *log.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher creates a watcher for root.
func NewWatcher(root string, handler func(dir string), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		root:     filepath.Clean(root),
		handler:  handler,
		debounce: debounceDefault,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches root and its immediate plugin directories. Blocks until ctx
// is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(w.root); err != nil {
		return err
	}
	if entries, err := os.ReadDir(w.root); err == nil {
		for _, e := range entries {
			if e.IsDir() && !hidden(e.Name()) {
				_ = watcher.Add(filepath.Join(w.root, e.Name()))
			}
		}
	}

	var mu sync.Mutex
	ready := make(map[string]bool)
	queue := make(chan string, maxQueueSize)

	// A single worker keeps registrations in directory-event order.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for dir := range queue {
			w.handle(dir)
		}
	}()

	flush := func() {
		mu.Lock()
		batch := make([]string, 0, len(ready))
		for dir := range ready {
			batch = append(batch, dir)
		}
		ready = make(map[string]bool)
		mu.Unlock()

		for _, dir := range batch {
			select {
			case queue <- dir:
			case <-ctx.Done():
				return
			}
		}
	}

	debounceTimer := time.NewTimer(w.debounce)
	debounceTimer.Stop()

	defer func() {
		debounceTimer.Stop()
		close(queue)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-debounceTimer.C:
			flush()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			dir, ok := w.pluginDir(event.Name)
			if !ok {
				continue
			}
			if event.Name == dir && event.Has(fsnotify.Create) {
				if info, err := os.Stat(dir); err == nil && info.IsDir() {
					_ = watcher.Add(dir)
				}
			}

			mu.Lock()
			ready[dir] = true
			mu.Unlock()

			if !debounceTimer.Stop() {
				select {
				case <-debounceTimer.C:
				default:
				}
			}
			debounceTimer.Reset(w.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Printf("[Plugins] watcher error: %v", err)
		}
	}
}

// pluginDir maps an event path to the plugin directory it belongs to.
func (w *Watcher) pluginDir(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || !filepath.IsLocal(rel) {
		return "", false
	}
	first := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	if hidden(first) {
		return "", false
	}
	return filepath.Join(w.root, first), true
}

func (w *Watcher) handle(dir string) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Printf("[Plugins] handler panic for %s: %v", dir, r)
		}
	}()
	w.handler(dir)
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// PollWatcher rescans the plugin directory on an interval. Used as a
// fallback when fsnotify is unavailable (e.g., NFS).
type PollWatcher struct {
	root     string
	handler  func(dir string)
	interval time.Duration
	seen     map[string]time.Time
}

// NewPollWatcher creates a polling watcher. A zero interval uses the
// default.
func NewPollWatcher(root string, handler func(dir string), interval time.Duration) *PollWatcher {
	if interval <= 0 {
		interval = pollDefault
	}
	return &PollWatcher{
		root:     filepath.Clean(root),
		handler:  handler,
		interval: interval,
		seen:     make(map[string]time.Time),
	}
}

// Run polls root. The first scan only records the current state. Blocks
// until ctx is cancelled.
func (w *PollWatcher) Run(ctx context.Context) error {
	w.seen = w.snapshot()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.scan()
		}
	}
}

func (w *PollWatcher) scan() {
	current := w.snapshot()
	for dir, mod := range current {
		if prev, ok := w.seen[dir]; !ok || !prev.Equal(mod) {
			w.handler(dir)
		}
	}
	for dir := range w.seen {
		if _, ok := current[dir]; !ok {
			w.handler(dir)
		}
	}
	w.seen = current
}

// snapshot maps every plugin directory to the newest modification time of
// the directory and its manifest files.
func (w *PollWatcher) snapshot() map[string]time.Time {
	out := make(map[string]time.Time)
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return out
	}
	for _, e := range entries {
		if !e.IsDir() || hidden(e.Name()) {
			continue
		}
		dir := filepath.Join(w.root, e.Name())
		var latest time.Time
		if info, err := e.Info(); err == nil {
			latest = info.ModTime()
		}
		for _, name := range []string{"plugin.yaml", "plugin.yml", "plugin.json"} {
			if info, err := os.Stat(filepath.Join(dir, name)); err == nil && info.ModTime().After(latest) {
				latest = info.ModTime()
			}
		}
		out[dir] = latest
	}
	return out
}
