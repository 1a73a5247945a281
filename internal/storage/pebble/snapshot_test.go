package pebblestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSnapshotKeepsNewest(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()
	s := &Snapshotter{DB: db, Dir: filepath.Join(t.TempDir(), "snapshots"), Keep: 2, Logger: zap.NewNop()}

	base := time.Unix(1_700_000_000, 0)
	for i := range 3 {
		require.NoError(t, db.Set(ctx, []byte("k"), []byte{byte('a' + i)}))
		_, err := s.Snapshot(base.Add(time.Duration(i) * time.Second))
		require.NoError(t, err)
	}

	paths, err := s.Snapshots()
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, filepath.Join(s.Dir, "1700000001000000000"), paths[0])

	restored, err := Open(Options{DataDir: paths[1], Fsync: FsyncModeNever})
	require.NoError(t, err)
	defer restored.Close()
	v, err := restored.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), v)
}

func TestSnapshotRunStopsOnCancel(t *testing.T) {
	db, _ := newTestDB(t)
	s := &Snapshotter{DB: db, Dir: t.TempDir(), Interval: 5 * time.Millisecond, Keep: 1, Logger: zap.NewNop()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		paths, err := s.Snapshots()
		return err == nil && len(paths) == 1
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
