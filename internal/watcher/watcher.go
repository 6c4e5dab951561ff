package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

type Runner interface {
	Run(ctx context.Context) error
}

type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Watcher drives a Runner on a fixed interval and, debounced, whenever a
// matching file appears or changes in the watched directory. All runs happen
// on the goroutine calling Run, so they never overlap.
type Watcher struct {
	watcher  *fsnotify.Watcher
	runner   Runner
	dir      string
	match    func(name string) bool
	interval time.Duration
	debounce time.Duration
	logger   *zap.Logger
}

func New(dir string, match func(name string) bool, runner Runner, interval, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if interval <= 0 || debounce <= 0 {
		return nil, fmt.Errorf("interval and debounce must be positive, got %s and %s", interval, debounce)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watcher:  fsWatcher,
		runner:   runner,
		dir:      dir,
		match:    match,
		interval: interval,
		debounce: debounce,
		logger:   logger,
	}, nil
}

// Run performs one pass immediately, then schedules further passes until ctx
// is done.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}

	w.runOnce(ctx, "startup")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			w.runOnce(ctx, "interval")

		case <-pending:
			timer, pending = nil, nil
			w.runOnce(ctx, "file event")

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("file event", zap.String("path", event.Name), zap.String("op", event.Op.String()))
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			pending = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", zap.Error(err))
		}
	}
}

// relevant reports new or growing archives. Rename is left out: it names the
// old path, which is what a relocation leaves behind.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return false
	}
	return w.match(filepath.Base(event.Name))
}

func (w *Watcher) runOnce(ctx context.Context, trigger string) {
	if ctx.Err() != nil {
		return
	}
	w.logger.Info("starting run", zap.String("trigger", trigger))
	if err := w.runner.Run(ctx); err != nil {
		w.logger.Error("run failed", zap.String("trigger", trigger), zap.Error(err))
	}
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}
