package manuscript

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Napageneral/lorekeeper/internal/logger"
)

// Watcher re-runs Sync whenever chapter files under Dir change. Bursts of
// events inside Debounce collapse into one run.
type Watcher struct {
	Dir      string
	Debounce time.Duration
	// Sync is called once at start and after every settled burst. Runs
	// never overlap.
	Sync func(ctx context.Context) error
	Log  *logger.Logger
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	log := logger.OrNop(w.Log)
	if w.Sync == nil {
		return fmt.Errorf("watcher has no sync function")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(w.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.Dir, err)
	}
	log.Info("watching manuscript", "dir", w.Dir, "debounce", w.Debounce.String())

	runSync := func() {
		if err := w.Sync(ctx); err != nil && ctx.Err() == nil {
			log.Warn("watch sync failed", "error", err.Error())
		}
	}
	runSync()

	delay := w.Debounce
	if delay <= 0 {
		delay = 2 * time.Second
	}
	timer := time.NewTimer(delay)
	timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !IsChapterFile(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}
			log.Debug("manuscript changed", "file", event.Name, "op", event.Op.String())
			timer.Reset(delay)
			pending = true
		case <-timer.C:
			if pending {
				pending = false
				runSync()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch error", "error", err.Error())
		}
	}
}
