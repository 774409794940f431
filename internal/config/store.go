package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Tunables are the runtime knobs the work core consults on every decision
// point. They carry defaults and may be overridden from a watched YAML file.
type Tunables struct {
	// WorkerParallelism maps a queue family name to its pool size.
	WorkerParallelism map[string]int `yaml:"worker_parallelism"`

	// ScreenshotSessionCap is the hard cap on concurrent browser sessions.
	ScreenshotSessionCap int `yaml:"screenshot_session_cap"`

	// LeaseDuration is how long a claimed job is leased before the reaper
	// may hand it to another worker.
	LeaseDuration time.Duration `yaml:"lease_duration"`

	// BackoffBase and BackoffMax bound the retry backoff schedule.
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`

	// AIBudgetLimitCents is the default monthly budget per provider.
	AIBudgetLimitCents int64 `yaml:"ai_budget_limit_cents"`

	// RateLimitDefaults provide (limit, window) for actions with no rule row.
	RateLimitDefaultLimit  int           `yaml:"rate_limit_default_limit"`
	RateLimitDefaultWindow time.Duration `yaml:"rate_limit_default_window"`

	// ScheduleOverrides maps a schedule name to a replacement cron expression.
	ScheduleOverrides map[string]string `yaml:"schedule_overrides"`
}

// DefaultTunables returns the built-in tunable values.
func DefaultTunables() Tunables {
	return Tunables{
		WorkerParallelism: map[string]int{
			"default":    4,
			"high":       4,
			"low":        2,
			"bulk":       2,
			"screenshot": 3,
		},
		ScreenshotSessionCap:   3,
		LeaseDuration:          2 * time.Minute,
		BackoffBase:            30 * time.Second,
		BackoffMax:             time.Hour,
		AIBudgetLimitCents:     10_000,
		RateLimitDefaultLimit:  60,
		RateLimitDefaultWindow: time.Minute,
	}
}

// Store holds the current Tunables snapshot and reloads it when the
// overrides file changes. Readers call Snapshot and never observe a
// half-applied reload.
type Store struct {
	mu     sync.RWMutex
	cur    Tunables
	path   string
	logger *slog.Logger
}

// NewStore creates a tunables Store. path may be empty, in which case the
// defaults are used and Watch is a no-op.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{cur: DefaultTunables(), path: path, logger: logger}
	if path != "" {
		if err := s.reload(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Snapshot returns the current tunable values.
func (s *Store) Snapshot() Tunables {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Watch reloads the overrides file whenever it changes, until ctx is
// cancelled. Editors that replace the file (rename-over) are handled by
// re-adding the watch on Remove/Rename events.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.path); err != nil {
		return fmt.Errorf("watching %s: %w", s.path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
				// Atomic writes replace the inode; give the editor a
				// moment, then re-watch the path.
				time.Sleep(100 * time.Millisecond)
				_ = watcher.Add(s.path)
			}
			if err := s.reload(); err != nil {
				s.logger.Error("reloading tunables", "path", s.path, "error", err)
				continue
			}
			s.logger.Info("tunables reloaded", "path", s.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("config watcher", "error", err)
		}
	}
}

// reload parses the overrides file on top of the defaults and swaps the
// snapshot. A broken file leaves the previous snapshot in place.
func (s *Store) reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reading tunables file: %w", err)
	}

	next := DefaultTunables()
	if err := yaml.Unmarshal(raw, &next); err != nil {
		return fmt.Errorf("parsing tunables file: %w", err)
	}
	if next.ScreenshotSessionCap < 1 {
		return fmt.Errorf("screenshot_session_cap must be positive, got %d", next.ScreenshotSessionCap)
	}

	s.mu.Lock()
	s.cur = next
	s.mu.Unlock()
	return nil
}
