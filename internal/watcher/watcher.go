// Package watcher drives watch mode: it observes one template file for
// changes and invokes a recompile callback, coalescing editor save bursts.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alexanderparker/its-compiler-go/internal/logging"
)

// DefaultDebounce groups the rapid event bursts editors emit on save.
const DefaultDebounce = 100 * time.Millisecond

// ChangeHandler is invoked after each debounced change to the watched
// template. Invocations are serialized; a change arriving while the
// handler runs coalesces into one follow-up invocation.
type ChangeHandler func(ctx context.Context, path string)

// TemplateWatcher watches a single template file. The parent directory is
// watched rather than the file itself, so editors that replace the file by
// rename keep the session alive.
type TemplateWatcher struct {
	target   string
	dir      string
	debounce time.Duration
	handler  ChangeHandler
	logger   logging.Logger

	fsw      *fsnotify.Watcher
	trigger  chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// New prepares a watcher for templatePath. Watching does not begin until
// Start is called.
func New(templatePath string, debounce time.Duration, handler ChangeHandler, logger logging.Logger) (*TemplateWatcher, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	abs, err := filepath.Abs(templatePath)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &TemplateWatcher{
		target:   abs,
		dir:      filepath.Dir(abs),
		debounce: debounce,
		handler:  handler,
		logger:   logger.WithComponent("watcher"),
		fsw:      fsw,
		trigger:  make(chan struct{}, 1),
	}, nil
}

// Target returns the absolute path of the watched template.
func (w *TemplateWatcher) Target() string {
	return w.target
}

// Start begins watching. The two loops it spawns exit when ctx is
// cancelled or Stop is called.
func (w *TemplateWatcher) Start(ctx context.Context) error {
	if err := w.fsw.Add(w.dir); err != nil {
		w.fsw.Close()
		return err
	}

	w.wg.Add(2)
	go w.watchLoop(ctx)
	go w.handleLoop(ctx)

	w.logger.Debug(ctx, "watching template", "path", w.target, "dir", w.dir)
	return nil
}

// Stop ends the watch and waits for in-flight handler work to finish.
// Safe to call more than once and alongside context cancellation.
func (w *TemplateWatcher) Stop() {
	w.stopOnce.Do(func() {
		w.fsw.Close()

		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	})
	w.wg.Wait()
}

func (w *TemplateWatcher) watchLoop(ctx context.Context) {
	defer w.wg.Done()
	defer w.closeTrigger()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn(ctx, err, "file watcher error")
		}
	}
}

// handleEvent filters directory events down to writes and creations of the
// watched file. Creations matter because editors commonly save by writing
// a scratch file and renaming it over the target.
func (w *TemplateWatcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.target {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	w.logger.Debug(ctx, "template changed", "op", event.Op.String())

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

// fire marks a pending change. The buffered channel coalesces changes that
// land while the handler is busy.
func (w *TemplateWatcher) fire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// closeTrigger ends the handler loop. Taking the mutex first means no
// late-firing debounce timer can race the close.
func (w *TemplateWatcher) closeTrigger() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	close(w.trigger)
}

func (w *TemplateWatcher) handleLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.trigger:
			if !ok {
				return
			}
			if _, err := os.Stat(w.target); err != nil {
				// The file vanished mid-burst. The next creation event
				// starts a fresh cycle.
				w.logger.Debug(ctx, "template missing after change, skipping run", "path", w.target)
				continue
			}
			w.handler(ctx, w.target)
		}
	}
}
