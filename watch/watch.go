// Package watch keeps the registry in step with the component directory:
// files written there are (re)loaded and removed files are unloaded.
package watch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/gnufoo/MeCP/errors"
	"github.com/gnufoo/MeCP/store"
)

// Syncer reconciles one component with its file.
type Syncer interface {
	Sync(ctx context.Context, id string) (bool, error)
}

// DefaultDebounce coalesces the burst of events a single copy produces.
const DefaultDebounce = 200 * time.Millisecond

// Watcher watches one directory.
type Watcher struct {
	fsw      *fsnotify.Watcher
	target   Syncer
	logger   *zap.Logger
	timers   map[string]*time.Timer
	dir      string
	debounce time.Duration
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// New starts watching dir. Run must be called to process events.
func New(dir string, target Syncer, logger *zap.Logger, debounce time.Duration) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.IO(errors.PhaseLoad, "create watcher", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, errors.IO(errors.PhaseLoad, "watch "+dir, err)
	}
	return &Watcher{
		fsw:      fsw,
		target:   target,
		logger:   logger.Named("watch"),
		timers:   make(map[string]*time.Timer),
		dir:      dir,
		debounce: debounce,
	}, nil
}

// Run processes events until ctx is done or the watcher is closed. Pending
// syncs are cancelled on return.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("watching component directory", zap.String("dir", w.dir))
	defer w.stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

// Close stops the underlying watcher, ending Run.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
		return
	}
	name := filepath.Base(ev.Name)
	// temp files of atomic writes start with a dot
	if filepath.Ext(name) != store.Ext || strings.HasPrefix(name, ".") {
		return
	}
	id := store.IDFromPath(name)
	if !store.ValidID(id) {
		return
	}
	w.logger.Debug("event", zap.String("component", id), zap.Stringer("op", ev.Op))

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[id]; ok && t.Stop() {
		t.Reset(w.debounce)
		return
	}
	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.timers[id] == t {
			delete(w.timers, id)
		}
		w.mu.Unlock()
		w.sync(ctx, id)
	})
	w.timers[id] = t
}

func (w *Watcher) sync(ctx context.Context, id string) {
	if ctx.Err() != nil {
		return
	}
	changed, err := w.target.Sync(ctx, id)
	if err != nil {
		w.logger.Warn("sync failed", zap.String("component", id), zap.Error(err))
		return
	}
	if changed {
		w.logger.Info("component synced", zap.String("component", id))
	}
}

func (w *Watcher) stop() {
	w.mu.Lock()
	for id, t := range w.timers {
		if t.Stop() {
			delete(w.timers, id)
			w.wg.Done()
		}
	}
	w.mu.Unlock()
	w.wg.Wait()
}
