package pebblestore

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Snapshotter periodically checkpoints a DB into timestamped directories
// under Dir and prunes all but the newest Keep. A checkpoint is a complete
// database: opening it as DataDir restores the partitions it holds.
type Snapshotter struct {
	DB       *DB
	Dir      string
	Interval time.Duration
	Keep     int
	Logger   *zap.Logger
}

// Run takes a snapshot every Interval until ctx is done. Failed snapshots
// are logged and retried on the next tick.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			path, err := s.Snapshot(time.Now())
			if err != nil {
				s.Logger.Error("snapshot failed", zap.Error(err))
				continue
			}
			s.Logger.Info("snapshot written", zap.String("path", path))
		}
	}
}

// Snapshot writes one checkpoint named after now and prunes old ones.
func (s *Snapshotter) Snapshot(now time.Time) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	path := filepath.Join(s.Dir, strconv.FormatInt(now.UnixNano(), 10))
	if err := s.DB.Checkpoint(path); err != nil {
		return "", err
	}
	if err := s.prune(); err != nil {
		return path, err
	}
	return path, nil
}

// Snapshots lists checkpoint directories, oldest first.
func (s *Snapshotter) Snapshots() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	type snapshot struct {
		ts   int64
		path string
	}
	var found []snapshot
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		ts, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		found = append(found, snapshot{ts: ts, path: filepath.Join(s.Dir, e.Name())})
	}
	slices.SortFunc(found, func(a, b snapshot) int { return cmp.Compare(a.ts, b.ts) })

	paths := make([]string, len(found))
	for i, f := range found {
		paths[i] = f.path
	}
	return paths, nil
}

func (s *Snapshotter) prune() error {
	keep := max(s.Keep, 1)
	paths, err := s.Snapshots()
	if err != nil {
		return err
	}
	for len(paths) > keep {
		if err := os.RemoveAll(paths[0]); err != nil {
			return fmt.Errorf("failed to remove snapshot %s: %w", paths[0], err)
		}
		paths = paths[1:]
	}
	return nil
}
