package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchManager_StartDetectsFileChange(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	var seen []string
	reindexed := make(chan struct{}, 1)

	reindex := func(ctx context.Context, workspace string, paths []string) error {
		mu.Lock()
		seen = append(seen, paths...)
		mu.Unlock()
		select {
		case reindexed <- struct{}{}:
		default:
		}
		return nil
	}

	mgr := NewWatchManager(t.TempDir(), reindex)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, mgr.Start(ctx, dir))
	defer mgr.StopAll()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.go"), []byte("package x\n"), 0o644))

	select {
	case <-reindexed:
	case <-time.After(2 * time.Second):
		t.Fatal("watch manager never triggered a reindex")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, seen)
}

func TestWatchManager_StartRejectsSecondSession(t *testing.T) {
	dir := t.TempDir()
	mgr := NewWatchManager(t.TempDir(), func(ctx context.Context, workspace string, paths []string) error {
		return nil
	})

	ctx := context.Background()
	require.NoError(t, mgr.Start(ctx, dir))
	defer mgr.StopAll()

	err := mgr.Start(ctx, dir)
	require.Error(t, err)
	assert.True(t, mgr.IsWatching(dir))
}

func TestWatchManager_StopEndsSession(t *testing.T) {
	dir := t.TempDir()
	mgr := NewWatchManager(t.TempDir(), func(ctx context.Context, workspace string, paths []string) error {
		return nil
	})

	ctx := context.Background()
	require.NoError(t, mgr.Start(ctx, dir))
	assert.True(t, mgr.IsWatching(dir))

	assert.True(t, mgr.Stop(dir))
	assert.False(t, mgr.IsWatching(dir))
	assert.False(t, mgr.Stop(dir), "second stop reports nothing was running")
}
