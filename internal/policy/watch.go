// ABOUTME: Hot reload of the group policy file using fsnotify
// ABOUTME: Watches the parent directory so editor rename-on-save is picked up

package policy

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces bursts of write events from a single save.
const reloadDebounce = 200 * time.Millisecond

// Watch reloads the policy file whenever it changes, until ctx is done.
// A reload that fails to read or parse keeps the previous entries.
// Inline configuration and resolvers without a file return immediately.
func (r *Resolver) Watch(ctx context.Context) error {
	r.mu.RLock()
	path, inline := r.path, r.inline
	r.mu.RUnlock()

	if path == "" || inline {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}
	r.logger.Info("watching group config", "path", path)

	target := filepath.Clean(path)
	timer := time.NewTimer(reloadDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(reloadDebounce)

		case <-timer.C:
			if err := r.reload(path); err != nil {
				r.logger.Warn("group config reload failed, keeping previous", "path", path, "error", err)
				continue
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("group config watcher error", "error", err)
		}
	}
}

// reload re-reads the file and swaps the entries only on success.
func (r *Resolver) reload(path string) error {
	data, err := r.readFile(path)
	if err != nil {
		return err
	}
	if data == nil {
		return errors.New("group config file is missing or empty")
	}
	groups := r.normalize(data)

	r.mu.Lock()
	r.groups = groups
	r.mu.Unlock()

	r.logger.Info("group policy reloaded", "path", path, "groups", len(groups), "ext", strings.ToLower(filepath.Ext(path)))
	return nil
}
