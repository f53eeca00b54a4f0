// Package dirwatch reports files that appear in a directory tree. Every
// eligible path gets a settle window: it is dispatched only once no further
// create or write event has arrived for Settle, so half-written files are
// left alone.
//
// Typical usage:
//
//	w := dirwatch.New("/data/in", queue.Submit, dirwatch.Options{Settle: time.Second})
//	if err := w.Start(); err != nil { ... }
//	defer w.Stop()
package dirwatch

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// State of a Watcher. Transitions are Idle -> Watching -> Stopped.
type State int32

const (
	Idle State = iota
	Watching
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Watching:
		return "watching"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ErrState is returned by Start on a watcher that is not Idle.
var ErrState = errors.New("dirwatch: invalid state")

// Options tunes the watcher.
type Options struct {
	// Extensions are the accepted file suffixes, matched case-insensitively.
	// Default: .csv, .csv.gz, .csv.zst.
	Extensions []string
	// Settle is the quiet period before a path is dispatched. Default: 1s.
	Settle time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if len(o.Extensions) == 0 {
		o.Extensions = []string{".csv", ".csv.gz", ".csv.zst"}
	}
	if o.Settle <= 0 {
		o.Settle = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats are point-in-time counters.
type Stats struct {
	State      string `json:"state"`
	Events     int64  `json:"events"`
	Dispatched int64  `json:"dispatched"`
	Ignored    int64  `json:"ignored"`
	Errors     int64  `json:"errors"`
	Pending    int    `json:"pending"`
	Dirs       int    `json:"dirs"`
}

// Watcher watches root and every directory below it.
type Watcher struct {
	root     string
	dispatch func(path string)
	opts     Options

	state    atomic.Int32
	fsw      *fsnotify.Watcher
	loopDone chan struct{}

	mu       sync.Mutex
	pending  map[string]*time.Timer
	stopping bool
	timers   sync.WaitGroup

	events     atomic.Int64
	dispatched atomic.Int64
	ignored    atomic.Int64
	errors     atomic.Int64
}

// New creates an idle Watcher. dispatch is called from timer goroutines and
// may block.
func New(root string, dispatch func(path string), opts Options) *Watcher {
	opts.defaults()
	return &Watcher{
		root:     root,
		dispatch: dispatch,
		opts:     opts,
		pending:  make(map[string]*time.Timer),
	}
}

// State returns the current state.
func (w *Watcher) State() State { return State(w.state.Load()) }

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	pending := len(w.pending)
	w.mu.Unlock()
	dirs := 0
	if w.State() == Watching {
		dirs = len(w.fsw.WatchList())
	}
	return Stats{
		State:      w.State().String(),
		Events:     w.events.Load(),
		Dispatched: w.dispatched.Load(),
		Ignored:    w.ignored.Load(),
		Errors:     w.errors.Load(),
		Pending:    pending,
		Dirs:       dirs,
	}
}

// Eligible reports whether path names a file the watcher would dispatch:
// a recognized extension and no leading dot.
func (w *Watcher) Eligible(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	lower := strings.ToLower(base)
	for _, ext := range w.opts.Extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

// Start registers root and its subdirectories and begins delivering events.
func (w *Watcher) Start() error {
	if !w.state.CompareAndSwap(int32(Idle), int32(Watching)) {
		return fmt.Errorf("%w: start from %s", ErrState, w.State())
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.state.Store(int32(Stopped))
		return fmt.Errorf("dirwatch: %w", err)
	}
	w.fsw = fsw
	if err := w.addTree(w.root, false); err != nil {
		fsw.Close()
		w.state.Store(int32(Stopped))
		return err
	}
	w.loopDone = make(chan struct{})
	go w.loop()
	w.opts.Logger.Info("dirwatch: started", "root", w.root, "settle", w.opts.Settle)
	return nil
}

// Notify schedules path as if a write event had been seen for it. Callers use
// it for files that appeared before Start. Ineligible paths are ignored.
func (w *Watcher) Notify(path string) error {
	if w.State() != Watching {
		return fmt.Errorf("%w: notify while %s", ErrState, w.State())
	}
	if !w.Eligible(path) {
		w.ignored.Add(1)
		return nil
	}
	w.schedule(path)
	return nil
}

// Stop tears down the notification subsystem, dispatches every path still
// inside its settle window and waits for running dispatches to return.
func (w *Watcher) Stop() error {
	if !w.state.CompareAndSwap(int32(Watching), int32(Stopped)) {
		return nil
	}
	err := w.fsw.Close()
	<-w.loopDone

	w.mu.Lock()
	w.stopping = true
	var flush []string
	for path, t := range w.pending {
		if t.Stop() {
			flush = append(flush, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range flush {
		w.fire(path)
		w.timers.Done()
	}
	w.timers.Wait()
	w.opts.Logger.Info("dirwatch: stopped", "flushed", len(flush))
	return err
}

func (w *Watcher) loop() {
	defer close(w.loopDone)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.errors.Add(1)
			w.opts.Logger.Warn("dirwatch: notify error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	w.events.Add(1)
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		w.ignored.Add(1)
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil {
		// Gone before we looked.
		w.ignored.Add(1)
		return
	}
	if info.IsDir() {
		if ev.Has(fsnotify.Create) {
			if err := w.addTree(ev.Name, true); err != nil {
				w.errors.Add(1)
				w.opts.Logger.Warn("dirwatch: add directory failed", "path", ev.Name, "error", err)
			}
		}
		return
	}
	if !w.Eligible(ev.Name) {
		w.ignored.Add(1)
		return
	}
	w.schedule(ev.Name)
}

// addTree watches dir and every directory below it. With scan set, eligible
// files already present are scheduled, which covers files written before
// the watch on a new directory was in place.
func (w *Watcher) addTree(dir string, scan bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return fmt.Errorf("dirwatch: walk %s: %w", dir, err)
			}
			w.opts.Logger.Warn("dirwatch: walk", "path", path, "error", err)
			return nil
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			if err := w.fsw.Add(path); err != nil {
				return fmt.Errorf("dirwatch: watch %s: %w", path, err)
			}
			return nil
		}
		if scan && d.Type().IsRegular() && w.Eligible(path) {
			w.schedule(path)
		}
		return nil
	})
}

// schedule starts or restarts the settle timer of path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopping {
		return
	}
	if t, ok := w.pending[path]; ok {
		// A timer that already fired is dispatching this path.
		if t.Stop() {
			t.Reset(w.opts.Settle)
		}
		return
	}
	w.timers.Add(1)
	w.pending[path] = time.AfterFunc(w.opts.Settle, func() {
		defer w.timers.Done()
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.fire(path)
	})
}

// fire hands path to dispatch unless it vanished while settling.
func (w *Watcher) fire(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		w.ignored.Add(1)
		return
	}
	w.dispatched.Add(1)
	w.opts.Logger.Debug("dirwatch: dispatch", "path", path)
	w.dispatch(path)
}
