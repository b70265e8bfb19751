package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce groups the bursts of events editors produce on save.
const DefaultDebounce = 300 * time.Millisecond

// Watcher calls a function whenever a watched workflow or policy file changes.
type Watcher struct {
	logger   zerolog.Logger
	debounce time.Duration
}

// NewWatcher creates a watcher. A non-positive debounce uses DefaultDebounce.
func NewWatcher(logger zerolog.Logger, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		logger:   logger.With().Str("component", "policy-watcher").Logger(),
		debounce: debounce,
	}
}

// Watch blocks until ctx is done, calling onChange after changes to paths.
// Files are watched through their directory so that editors replacing the
// file on save are noticed; directories are watched recursively.
func (w *Watcher) Watch(ctx context.Context, paths []string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	files := make(map[string]bool)
	var trees []string
	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}

		if !info.IsDir() {
			files[abs] = true
			if err := watcher.Add(filepath.Dir(abs)); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
			continue
		}
		trees = append(trees, abs)
		err = filepath.WalkDir(abs, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return watcher.Add(p)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	relevant := func(name string) bool {
		if files[name] {
			return true
		}
		if !isPolicyFile(name) {
			return false
		}
		for _, root := range trees {
			if strings.HasPrefix(name, root+string(filepath.Separator)) {
				return true
			}
		}
		return false
	}

	w.logger.Info().Strs("paths", paths).Msg("Watching for changes")

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if !relevant(event.Name) {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("File changed")

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			onChange()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
