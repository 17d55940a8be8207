package source

import (
	"context"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher nudges the sync loop when files under a directory source change,
// instead of waiting for the next poll tick. Events are debounced so a
// burst of writes (git checkout, editor save) produces one nudge.
type Watcher struct {
	root     string
	debounce time.Duration
	logger   zerolog.Logger
}

// NewWatcher creates a watcher over the directory tree at root.
func NewWatcher(root string, debounce time.Duration, logger zerolog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		root:     root,
		debounce: debounce,
		logger:   logger.With().Str("component", "watcher").Logger(),
	}
}

// Run watches until ctx is canceled, sending one value on nudge per
// debounced change burst. The channel is never closed by Run.
func (w *Watcher) Run(ctx context.Context, nudge chan<- struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// fsnotify does not recurse; register every directory in the tree.
	err = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isManifest(filepath.Base(event.Name)) && !event.Has(fsnotify.Create) {
				continue
			}
			// New directories need registering to keep the tree covered.
			if event.Has(fsnotify.Create) {
				_ = watcher.Add(event.Name)
			}
			w.logger.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("source change")
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("watch error")

		case <-timerC:
			timer = nil
			timerC = nil
			select {
			case nudge <- struct{}{}:
			default:
			}
		}
	}
}
