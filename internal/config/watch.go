package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

const reloadSettleDelay = 100 * time.Millisecond

// Watch reloads the settings file whenever it is written. Invalid edits are
// logged and the previous configuration stays active. Watch blocks until ctx
// is done.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files on save, so the directory is watched instead of the file.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(m.path), err)
	}

	filename := filepath.Base(m.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(reloadSettleDelay):
			}
			if err := m.reloadFromFile(); err != nil {
				log.Warn("Settings reload rejected", "path", m.path, "error", err)
				continue
			}
			log.Info("Settings reloaded", "path", m.path)
		case err, ok := <-watcher.Errors:
			if ok && err != nil {
				log.Warn("Settings watcher error", "error", err)
			}
		}
	}
}

func (m *Manager) reloadFromFile() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("config: read settings: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return err
	}
	return m.applyConfigUpdate(cfg, configUpdateOptions{source: "watch"})
}
