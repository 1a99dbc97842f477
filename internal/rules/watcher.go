package rules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for writes to settle before
// re-syncing.
const DefaultDebounce = 250 * time.Millisecond

// Watch re-syncs the repository whenever a definition file changes, until
// ctx is cancelled. Bursts of events within debounce trigger one Sync.
// onSync, when non-nil, receives every sync outcome.
func (r *Repository) Watch(ctx context.Context, debounce time.Duration, onSync func(*SyncResult, error)) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rules: watcher: %w", err)
	}
	defer w.Close()

	watched := 0
	for _, dir := range []string{r.dirs.Rules, r.dirs.Templates, r.dirs.MetaRules} {
		if dir == "" {
			continue
		}
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("rules: watch %s: %w", dir, err)
		}
		watched++
	}
	if watched == 0 {
		<-ctx.Done()
		return nil
	}

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

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isDefinitionFile(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.log.Warn().Err(err).Msg("definition watcher error")

		case <-timerC:
			timer, timerC = nil, nil
			res, err := r.Sync(ctx)
			if err != nil {
				r.log.Error().Err(err).Msg("definition reload failed")
			}
			if onSync != nil {
				onSync(res, err)
			}
		}
	}
}

func isDefinitionFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	return ext == ".yaml" || ext == ".yml"
}
