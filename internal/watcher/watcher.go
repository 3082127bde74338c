// Package watcher implements the filesystem watcher and its downstream
// event consumer (spec §4.8): a recursive fsnotify watch over the
// configured source roots, debounced per path over a fixed window, with
// surviving events appended to a durable stream; a single consumer reads
// that stream and drives the catalog-update pipeline idempotently.
//
// Grounded on standardbeagle-lci's internal/indexing/watcher.go
// (recursive filepath.Walk + fsnotify.Add, extension/pattern filtering,
// the eventDebouncer's per-path map + single timer flush), generalized
// from an in-process callback dispatch to a durable-stream publish so a
// restart never loses an event.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tc-mccarthy/transcode-rig/internal/domain"
	"github.com/tc-mccarthy/transcode-rig/internal/kv"
)

// Publisher is the subset of kv.Store the watcher needs to durably record
// a debounced event.
type Publisher interface {
	PublishEvent(ctx context.Context, ev kv.WatchEvent) error
}

// Watcher recursively watches a set of source roots and publishes
// debounced add/change/remove events to a durable stream.
type Watcher struct {
	Roots      []string
	Extensions []string // lowercase, without the leading dot; empty means "all"
	TrashDir   string    // subtree name to ignore, default ".trash"
	Debounce   time.Duration
	Publisher  Publisher
	Logger     *slog.Logger

	fsw       *fsnotify.Watcher
	debouncer *debouncer
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Start begins watching every configured root, returning once the initial
// recursive scan has registered all directory watches.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	debounce := w.Debounce
	if debounce <= 0 {
		debounce = 10 * time.Second
	}
	w.debouncer = newDebouncer(debounce, w.publish)

	for _, root := range w.Roots {
		if err := w.addWatches(root); err != nil {
			w.Logger.Warn("watcher: failed to add watches", slog.String("root", root), slog.String("error", err.Error()))
		}
	}

	w.wg.Add(2)
	go func() { defer w.wg.Done(); w.processEvents(runCtx) }()
	go func() { defer w.wg.Done(); w.debouncer.run(runCtx) }()

	return nil
}

// Stop cancels the watcher's goroutines and closes the fsnotify handle.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	var err error
	if w.fsw != nil {
		err = w.fsw.Close()
	}
	w.wg.Wait()
	return err
}

func (w *Watcher) trashDirName() string {
	if w.TrashDir != "" {
		return w.TrashDir
	}
	return ".trash"
}

func (w *Watcher) addWatches(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if filepath.Base(path) == w.trashDirName() {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.Logger.Warn("watcher: failed to add directory watch", slog.String("path", path), slog.String("error", err.Error()))
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.Logger.Warn("watcher: fsnotify error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if w.inTrashSubtree(ev.Name) {
		return
	}

	info, statErr := os.Stat(ev.Name)
	if statErr == nil && info.IsDir() {
		if ev.Op&fsnotify.Create != 0 {
			if err := w.fsw.Add(ev.Name); err != nil {
				w.Logger.Warn("watcher: failed to add new directory watch", slog.String("path", ev.Name), slog.String("error", err.Error()))
			}
		}
		return
	}

	if ev.Op&fsnotify.Remove != 0 || ev.Op&fsnotify.Rename != 0 {
		w.debouncer.add(ev.Name, "unlink")
		return
	}
	if !w.matchesExtension(ev.Name) {
		return
	}
	if ev.Op&fsnotify.Create != 0 {
		w.debouncer.add(ev.Name, "add")
		return
	}
	if ev.Op&fsnotify.Write != 0 {
		w.debouncer.add(ev.Name, "change")
	}
}

func (w *Watcher) inTrashSubtree(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == w.trashDirName() {
			return true
		}
	}
	return false
}

func (w *Watcher) matchesExtension(path string) bool {
	if len(w.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	for _, allowed := range w.Extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

func (w *Watcher) publish(path, op string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ev := kv.WatchEvent{Path: path, Op: op, Source: domain.QueueTranscode, Timestamp: time.Now().UTC()}
	if err := w.Publisher.PublishEvent(ctx, ev); err != nil {
		w.Logger.Warn("watcher: publish event failed", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// debouncer batches per-path events, keeping only the latest op per path,
// and flushes every pending path together once the window elapses with no
// new event on any path: all paths share one timer, so a steady stream of
// events on one path also holds back the others. It follows the teacher's
// eventDebouncer, keyed only on "latest op wins" (add/change collapse the
// same as the teacher's create/write collapse).
type debouncer struct {
	mu       sync.Mutex
	events   map[string]string
	window   time.Duration
	timer    *time.Timer
	onFlush  func(path, op string)
}

func newDebouncer(window time.Duration, onFlush func(path, op string)) *debouncer {
	return &debouncer{events: make(map[string]string), window: window, onFlush: onFlush}
}

func (d *debouncer) add(path, op string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events[path] = op
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

func (d *debouncer) flush() {
	d.mu.Lock()
	events := d.events
	d.events = make(map[string]string)
	d.mu.Unlock()

	for path, op := range events {
		d.onFlush(path, op)
	}
}

func (d *debouncer) run(ctx context.Context) {
	<-ctx.Done()
}
