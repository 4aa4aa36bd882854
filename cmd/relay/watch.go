package main

import (
	"context"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"relay/internal/config"
)

// watchConfig calls apply with the reloaded config each time relay.yml in the
// workspace is written or replaced. Invalid edits are logged and skipped.
// The directory is watched because editors often swap the file.
func watchConfig(ctx context.Context, workspace string, logger *log.Logger, apply func(*config.Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	path := config.Path(workspace)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				cfg, err := config.LoadOptional(workspace)
				if err != nil {
					logger.Printf("config: reload %s: %v", path, err)
					continue
				}
				if cfg == nil {
					continue
				}
				logger.Printf("config: reloaded %s (%d webhooks)", path, len(cfg.Webhooks))
				apply(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Printf("config: watch: %v", err)
			}
		}
	}()
	return nil
}
