package prefs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/oshokin/torchd/internal/logger"
)

// Store caches preferences in memory and writes changes through to a Repository.
type Store struct {
	repo Repository
	now  func() time.Time

	mu      sync.RWMutex
	current Preferences
}

// NewStore loads the persisted preferences. A missing file yields defaults.
func NewStore(ctx context.Context, repo Repository) (*Store, error) {
	s := &Store{repo: repo, now: time.Now}

	if err := s.Reload(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// Reload re-reads the repository, replacing the cached values.
func (s *Store) Reload(ctx context.Context) error {
	_, err := s.reload(ctx)

	return err
}

// Snapshot returns a copy of the cached preferences.
func (s *Store) Snapshot() Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.current
}

// Intensity returns the preferred intensity, or def when none was saved.
func (s *Store) Intensity(def int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current.Intensity > 0 {
		return s.current.Intensity
	}

	return def
}

// SetIntensity persists a positive intensity as the new preference. Other
// values are ignored.
func (s *Store) SetIntensity(ctx context.Context, v int) error {
	if v <= 0 {
		return nil
	}

	return s.update(ctx, func(p *Preferences) bool {
		if p.Intensity == v {
			return false
		}

		p.Intensity = v

		return true
	})
}

// KeepAlive reports whether the primary host should stay resident while idle.
func (s *Store) KeepAlive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.current.KeepAlive
}

// SetKeepAlive persists the keep-alive flag.
func (s *Store) SetKeepAlive(ctx context.Context, v bool) error {
	return s.update(ctx, func(p *Preferences) bool {
		if p.KeepAlive == v {
			return false
		}

		p.KeepAlive = v

		return true
	})
}

// Watch reloads the preferences whenever the file behind repo changes and
// calls onChange with the new values. It blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, path string, onChange func(Preferences)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create preferences watcher: %w", err)
	}

	defer func() {
		_ = watcher.Close()
	}()

	// Watch the directory so editors that replace the file are noticed too.
	dir, name := filepath.Split(filepath.Clean(path))
	if dir == "" {
		dir = "."
	}

	if err = watcher.Add(dir); err != nil {
		return fmt.Errorf("watch preferences directory: %w", err)
	}

	logger.DebugKV(ctx, "Watching preferences", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Base(event.Name) != name || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}

			changed, reloadErr := s.reload(ctx)
			if reloadErr != nil {
				logger.WarnKV(ctx, "Failed to reload preferences", "error", reloadErr)

				continue
			}

			if changed && onChange != nil {
				logger.InfoKV(ctx, "Preferences changed on disk", "path", path)
				onChange(s.Snapshot())
			}
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.WarnKV(ctx, "Preferences watcher error", "error", watchErr)
		}
	}
}

func (s *Store) reload(ctx context.Context) (bool, error) {
	loaded, err := s.repo.Load(ctx)

	switch {
	case errors.Is(err, ErrNotFound):
		loaded = new(Preferences)
	case err != nil:
		return false, fmt.Errorf("load preferences: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := loaded.Intensity != s.current.Intensity || loaded.KeepAlive != s.current.KeepAlive
	s.current = *loaded

	return changed, nil
}

func (s *Store) update(ctx context.Context, mutate func(p *Preferences) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	if !mutate(&next) {
		return nil
	}

	next.UpdatedAt = s.now()

	if err := s.repo.Save(ctx, &next); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}

	s.current = next

	return nil
}
