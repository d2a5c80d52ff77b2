// Package watch runs a "detect change, debounce, reload" loop over a set of
// local files. It backs the remount of local canvas content: every write to
// the mounted document or one of its assets fires the action once the
// debounce window passes quietly.
//
// Typical usage:
//
//	w, err := watch.New([]string{path}, watch.Options{Debounce: 200 * time.Millisecond})
//	go w.OnChange(ctx, func() error { return ctl.Remount(ctx) })
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Options tunes the watcher behaviour.
type Options struct {
	// Debounce is the quiet period after a change before the action fires.
	// Further changes during the window restart it. Default: 200ms.
	Debounce time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Debounce <= 0 {
		o.Debounce = 200 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher watches files and runs an action when one of them changes. The
// parent directories are watched so that editors replacing a file by
// rename are seen.
type Watcher struct {
	fs    *fsnotify.Watcher
	paths map[string]bool
	opts  Options

	events   atomic.Int64
	changes  atomic.Int64
	errors   atomic.Int64
	reloads  atomic.Int64
	reloadNs atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Paths           []string      `json:"paths"`
	Events          int64         `json:"events"`
	ChangesDetected int64         `json:"changes_detected"`
	Errors          int64         `json:"errors"`
	Reloads         int64         `json:"reloads"`
	AvgReloadTime   time.Duration `json:"avg_reload_time"`
}

// New starts watching paths. Call OnChange to run the loop and Close to
// release the watcher when OnChange is never called.
func New(paths []string, opts Options) (*Watcher, error) {
	opts.defaults()
	if len(paths) == 0 {
		return nil, fmt.Errorf("watch: no paths")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}

	w := &Watcher{fs: fw, paths: make(map[string]bool), opts: opts}

	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			fw.Close()
			return nil, fmt.Errorf("watch: %s: %w", p, err)
		}
		w.paths[abs] = true
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watch: add %s: %w", dir, err)
		}
		dirs[dir] = true
	}
	return w, nil
}

// Stats returns the watched files, sorted, and the current counters.
func (w *Watcher) Stats() Stats {
	paths := make([]string, 0, len(w.paths))
	for p := range w.paths {
		paths = append(paths, p)
	}
	slices.Sort(paths)

	s := Stats{
		Paths:           paths,
		Events:          w.events.Load(),
		ChangesDetected: w.changes.Load(),
		Errors:          w.errors.Load(),
		Reloads:         w.reloads.Load(),
	}
	if s.Reloads > 0 {
		s.AvgReloadTime = time.Duration(w.reloadNs.Load() / s.Reloads)
	}
	return s
}

// Close releases the underlying watcher.
func (w *Watcher) Close() error { return w.fs.Close() }

// OnChange blocks until ctx is cancelled. When a watched file changes and
// the debounce window passes without further changes, action is called.
// A failed action is counted as an error; the next change retries.
func (w *Watcher) OnChange(ctx context.Context, action func() error) {
	log := w.opts.Logger
	defer w.fs.Close()

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	log.Info("watch: started", "paths", len(w.paths), "debounce", w.opts.Debounce)

	for {
		select {
		case <-ctx.Done():
			log.Info("watch: stopped")
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.events.Add(1)
			if !w.relevant(ev) {
				continue
			}
			w.changes.Add(1)
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.opts.Debounce)
			debounceCh = debounceTimer.C
			log.Debug("watch: change detected, debouncing", "path", ev.Name, "op", ev.Op.String())

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.errors.Add(1)
			log.Warn("watch: watcher error", "error", err)

		case <-debounceCh:
			debounceCh = nil
			w.fire(log, action)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
		!ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
		return false
	}
	return w.paths[filepath.Clean(ev.Name)]
}

func (w *Watcher) fire(log *slog.Logger, action func() error) {
	n := w.reloads.Load() + 1
	log.Info("watch: reloading", "reload", n)
	start := time.Now()
	if err := action(); err != nil {
		w.errors.Add(1)
		log.Error("watch: reload failed", "error", err, "reload", n)
		return
	}
	elapsed := time.Since(start)
	w.reloads.Add(1)
	w.reloadNs.Add(int64(elapsed))
	log.Info("watch: reload complete", "reload", n, "duration", elapsed)
}
