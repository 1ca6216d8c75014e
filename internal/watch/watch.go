// Package watch reports changes to a single config file. Editors that
// save by writing a temp file and renaming it over the original are
// handled by watching the parent directory.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bft-labs/devrelay/internal/clock"
	"github.com/bft-labs/devrelay/pkg/log"
)

// DefaultDebounceDelay coalesces the burst of events a single save produces.
const DefaultDebounceDelay = 100 * time.Millisecond

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(w *Watcher) { w.logger = log.OrNoop(l) }
}

// WithDebounce sets the quiet period after the last event before
// onChange runs.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounceDelay = d
		}
	}
}

// WithClock sets the clock driving the debounce timer.
func WithClock(c clock.Clock) Option {
	return func(w *Watcher) { w.clock = c }
}

// Watcher calls onChange after the watched file is written or created.
type Watcher struct {
	path          string
	onChange      func()
	debounceDelay time.Duration
	logger        log.Logger
	clock         clock.Clock

	mu       sync.Mutex
	debounce clock.Timer
	stopped  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a Watcher for path. Call Start to begin watching.
func New(path string, onChange func(), opts ...Option) *Watcher {
	w := &Watcher{
		path:          filepath.Clean(path),
		onChange:      onChange,
		debounceDelay: DefaultDebounceDelay,
		logger:        log.NoopLogger{},
		clock:         clock.Real(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Path returns the watched file.
func (w *Watcher) Path() string { return w.path }

// Start begins watching. The file itself need not exist yet, but its
// directory must. Cancelling ctx has the same effect as Stop.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.stopped = false
	w.mu.Unlock()

	w.logger.Debug("config watcher started", log.String("path", w.path))
	w.wg.Add(1)
	go w.loop(watchCtx, fw)
	return nil
}

// Stop ends watching and cancels a pending notification.
func (w *Watcher) Stop() {
	w.mu.Lock()
	w.stopped = true
	if w.debounce != nil {
		w.debounce.Stop()
		w.debounce = nil
	}
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	defer w.wg.Done()
	defer fw.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.trigger()

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", log.Err(err))
		}
	}
}

// trigger restarts the debounce timer.
func (w *Watcher) trigger() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = w.clock.AfterFunc(w.debounceDelay, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.debounce = nil
	w.mu.Unlock()

	w.logger.Info("config file changed", log.String("path", w.path))
	w.onChange()
}
