package templates

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the registry whenever a template file in its directory is
// created, written, renamed or removed. Bursts of events within debounce
// collapse into one reload. Watch blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.Dir()); err != nil {
		return fmt.Errorf("watch %s: %w", r.Dir(), err)
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	var timer *time.Timer
	var fire <-chan time.Time
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
			if !isTemplateFile(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if n, err := r.Reload(); err != nil {
				r.logger.Err(err).Msg("template reload failed")
			} else {
				r.logger.InfoCtx("templates reloaded", map[string]any{"count": n})
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Err(err).Msg("template watcher error")
		}
	}
}

func isTemplateFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
