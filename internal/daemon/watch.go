package daemon

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"go.olrik.dev/inspectd/internal/core"
	"go.olrik.dev/inspectd/internal/discovery"
)

// reloadConfig re-reads config.hcl and applies the settings that can change
// at runtime. Relay, tunnel and schedule settings need a restart.
func (d *Daemon) reloadConfig() error {
	oldConfig := core.Config
	configPath := core.GetConfigFilePath()

	newConfig, err := core.LoadConfig(configPath)
	if err != nil {
		slog.Error("Configuration file has syntax errors, keeping previous configuration",
			"file", configPath,
			"error", err)
		return fmt.Errorf("config parse error: %w", err)
	}
	if err := core.ApplyEnvironment(newConfig); err != nil {
		return err
	}

	newConfig.ConfigPath = oldConfig.ConfigPath
	newConfig.APIKey = oldConfig.APIKey
	newConfig.Verbose = max(newConfig.Verbose, oldConfig.Verbose)
	newConfig.Relay.IdentityFile = oldConfig.Relay.IdentityFile
	newConfig.Relay.CertificateFile = oldConfig.Relay.CertificateFile

	if newConfig.Relay != oldConfig.Relay || newConfig.Tunnel != oldConfig.Tunnel || newConfig.Control != oldConfig.Control {
		slog.Warn("Relay, tunnel and control settings changed, restart the daemon to apply them")
	}

	if !slices.Equal(newConfig.Filter.Apps, oldConfig.Filter.Apps) || !slices.Equal(newConfig.Filter.Strings, oldConfig.Filter.Strings) {
		if d.engine != nil {
			d.engine.SetFilter(discovery.NewFilter(newConfig.Filter.Apps, newConfig.Filter.Strings))
		}
		slog.Info("Process filter updated", "apps", newConfig.Filter.Apps, "strings", newConfig.Filter.Strings)
	}

	core.Config = newConfig
	return nil
}

// watchConfig reloads the configuration when config.hcl changes
func (d *Daemon) watchConfig() {
	configPath := core.GetConfigFilePath()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("Failed to create config file watcher", "error", err)
		return
	}

	if err := watcher.Add(configPath); err != nil {
		slog.Error("Failed to watch config file", "error", err, "path", configPath)
		watcher.Close()
		return
	}

	var reloadTimer *time.Timer
	var reloadMutex sync.Mutex

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-d.ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				slog.Debug("Filesystem event on config file", "event", event.Op.String(), "file", event.Name)

				// Editors writing atomically replace the file and drop it from the watch list
				if event.Op&(fsnotify.Rename|fsnotify.Remove|fsnotify.Create) != 0 {
					go rewatch(watcher, configPath)
				}

				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				reloadMutex.Lock()
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadTimer = time.AfterFunc(500*time.Millisecond, func() {
					slog.Info("Configuration file changed, reloading...", "file", event.Name)
					if err := d.reloadConfig(); err != nil {
						slog.Debug("Config reload failed", "error", err)
					} else {
						slog.Info("Configuration reloaded successfully")
					}
				})
				reloadMutex.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config file watcher error", "error", err)
			}
		}
	}()

	slog.Debug("Watching configuration file for changes", "path", configPath)
}

// rewatch re-adds the watch with backoff (10ms, 20ms, 40ms, 80ms, 160ms)
func rewatch(watcher *fsnotify.Watcher, path string) {
	for attempt := range 5 {
		if attempt > 0 {
			time.Sleep(time.Duration(10<<uint(attempt-1)) * time.Millisecond)
		}
		watcher.Remove(path)
		if err := watcher.Add(path); err == nil {
			return
		} else if attempt == 4 {
			slog.Error("Failed to re-add watch after multiple attempts", "error", err, "path", path)
		}
	}
}
