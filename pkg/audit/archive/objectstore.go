package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ObjectStore is the minimal surface the day-file shipper needs from a blob
// backend.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
}

// DayFileShipper copies closed audit day files into an object store. The
// current day's file is still being appended to, so only files from earlier
// days ship.
type DayFileShipper struct {
	dir    string
	store  ObjectStore
	prefix string
	logger *slog.Logger
	clock  func() time.Time
}

// NewDayFileShipper ships files from dir into store under prefix.
func NewDayFileShipper(dir string, store ObjectStore, prefix string, logger *slog.Logger) *DayFileShipper {
	if logger == nil {
		logger = slog.Default().With("component", "audit-shipper")
	}
	return &DayFileShipper{
		dir:    dir,
		store:  store,
		prefix: prefix,
		logger: logger,
		clock:  time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *DayFileShipper) WithClock(clock func() time.Time) *DayFileShipper {
	s.clock = clock
	return s
}

// ShipClosedDays uploads every day file older than today that is not yet in
// the store. It returns the keys it shipped.
func (s *DayFileShipper) ShipClosedDays(ctx context.Context) ([]string, error) {
	today := "audit-" + s.clock().UTC().Format("20060102") + ".jsonl"

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read audit directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "audit-") || filepath.Ext(name) != ".jsonl" {
			continue
		}
		if name >= today {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var shipped []string
	for _, name := range names {
		key := s.prefix + name
		present, err := s.store.Exists(ctx, key)
		if err != nil {
			return shipped, fmt.Errorf("check %s: %w", key, err)
		}
		if present {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return shipped, fmt.Errorf("read %s: %w", name, err)
		}
		if err := s.store.Put(ctx, key, data); err != nil {
			return shipped, fmt.Errorf("upload %s: %w", key, err)
		}

		shipped = append(shipped, key)
		s.logger.Info("audit day file shipped", "key", key, "bytes", len(data))
	}
	return shipped, nil
}

// RunPeriodic ships closed days on each tick until ctx is done.
func (s *DayFileShipper) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ShipClosedDays(ctx); err != nil {
				s.logger.Error("day file shipping failed", "error", err)
			}
		}
	}
}
