package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const tenantsReloadDebounce = 200 * time.Millisecond

// WatchTenants reloads the tenants file whenever it changes and hands the
// resulting ProviderConfig to apply. It blocks until ctx is done. A file that
// fails to parse is logged and the previous configuration stays in effect.
func WatchTenants(ctx context.Context, settings Settings, logger zerolog.Logger, apply func(ProviderConfig)) error {
	path := settings.TenantsFile
	if path == "" {
		return errors.New("no tenants file configured")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files by rename, so watch the directory and filter.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	name := filepath.Base(path)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				pending = time.After(tenantsReloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Str("path", path).Msg("tenants watcher error")
		case <-pending:
			pending = nil
			tenants, err := LoadTenants(path)
			if err != nil {
				logger.Error().Err(err).Str("path", path).Msg("tenants reload failed; keeping previous configuration")
				continue
			}
			logger.Info().Int("tenants", len(tenants)).Str("path", path).Msg("tenants reloaded")
			apply(settings.ProviderConfig(tenants))
		}
	}
}
