package conformance

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultWatchDelay is how long the file tree must stay quiet before a
// re-run starts.
const DefaultWatchDelay = 300 * time.Millisecond

// Watch calls fn whenever files below paths change, once the changes have
// settled for delay. Calls to fn never overlap. Watch blocks until ctx is
// done and returns nil then.
func Watch(ctx context.Context, paths []string, delay time.Duration, logger zerolog.Logger, fn func(context.Context)) error {
	if delay <= 0 {
		delay = DefaultWatchDelay
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	for _, p := range paths {
		if err := addRecursive(watcher, p); err != nil {
			logger.Warn().Err(err).Str("path", p).Msg("Failed to watch path")
		}
	}
	logger.Info().Int("paths", len(paths)).Msg("Watching for changes")

	trigger := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = addRecursive(watcher, event.Name)
				}
			}
			logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("File changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(delay, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})

		case <-trigger:
			fn(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// WatchPaths lists what a watch over corpus should cover: every pack
// directory, the directory of every pack archive, and the extra paths.
func WatchPaths(corpus []string, extra ...string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}
	for _, p := range corpus {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			add(filepath.Dir(p))
			continue
		}
		add(p)
	}
	for _, p := range extra {
		if _, err := os.Stat(p); err == nil {
			add(p)
		}
	}
	return out
}

func addRecursive(watcher *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(path)
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(p)
		}
		return nil
	})
}
