package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// debounce coalesces the event bursts editors produce on save.
const debounce = 250 * time.Millisecond

// Watch reloads the config whenever the file changes and hands every valid
// new config to onChange. Invalid content keeps the previous config in
// effect. Blocks until ctx is done.
//
// The parent directory is watched, not the file itself: most editors and
// config management tools replace the file, which would otherwise drop the
// watch.
func Watch(ctx context.Context, path string, log zerolog.Logger, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if dir == "" {
		dir = "."
	}
	if err := w.Add(dir); err != nil {
		return err
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("config reload rejected")
			return
		}
		log.Info().Str("path", path).Msg("config reloaded")
		onChange(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case <-timerC:
			timerC = nil
			timer = nil
			reload()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("config watcher error")
		}
	}
}
