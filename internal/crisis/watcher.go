package crisis

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/antoniostano/minghe/internal/logging"
)

const defaultReloadDebounce = 500 * time.Millisecond

// Watcher reloads a Detector's pattern table whenever its file changes.
type Watcher struct {
	path     string
	detector *Detector
	logger   *zap.Logger
	debounce time.Duration
	onReload func(version int, err error)
}

// NewWatcher creates a watcher for the table file at path.
func NewWatcher(path string, detector *Detector, logger *zap.Logger) (*Watcher, error) {
	if detector == nil {
		return nil, fmt.Errorf("crisis watcher: detector is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("crisis watcher: resolve %s: %w", path, err)
	}
	return &Watcher{
		path:     abs,
		detector: detector,
		logger:   logging.OrNop(logger).Named("crisis_watcher"),
		debounce: defaultReloadDebounce,
	}, nil
}

// SetDebounce overrides the delay between the last write and the reload.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// SetReloadHook registers fn to observe every reload attempt.
func (w *Watcher) SetReloadHook(fn func(version int, err error)) {
	w.onReload = fn
}

// Run watches until ctx is cancelled. It watches the parent directory rather
// than the file so editors that replace files on save are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("crisis watcher: create: %w", err)
	}
	defer fw.Close()

	dir, name := filepath.Dir(w.path), filepath.Base(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("crisis watcher: watch %s: %w", dir, err)
	}
	w.logger.Info("watching crisis pattern table", zap.String("path", w.path))

	var (
		timer  *time.Timer
		timerC <-chan time.Time
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

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			timerC = timer.C

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("crisis watcher error", zap.Error(err))

		case <-timerC:
			timerC = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	t, err := LoadFile(w.path)
	if err == nil {
		err = w.detector.Reload(t)
	}
	if err != nil {
		w.logger.Error("crisis pattern reload rejected, keeping previous table",
			zap.String("path", w.path),
			zap.Int("active_version", w.detector.Version()),
			zap.Error(err))
	} else {
		w.logger.Info("crisis pattern table reloaded",
			zap.Int("version", t.Version),
			zap.Int("rules", w.detector.RuleCount()))
	}
	if w.onReload != nil {
		w.onReload(w.detector.Version(), err)
	}
}
