package daemon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/codeglyph/codeglyph/internal/async"
	cgerrors "github.com/codeglyph/codeglyph/internal/errors"
	"github.com/codeglyph/codeglyph/internal/watcher"
)

// reindexFunc runs an incremental refresh for workspace limited to paths.
// Worker supplies one backed by its own beginCall/orchestrator pair so a
// watch-triggered refresh observes the same single-outstanding-call rule
// as a directly requested on_files_changed.
type reindexFunc func(ctx context.Context, workspace string, paths []string) error

type watchSession struct {
	watcher watcher.Watcher
	cancel  context.CancelFunc
}

// WatchManager owns at most one file watcher per workspace. Each
// watcher's debounced batches are translated into incremental reindex
// calls run through a BackgroundIndexer, so a slow embedding pass for one
// batch never blocks the watcher from buffering the next one; batches are
// still applied one at a time per workspace.
//
// This is the worker host's reference wiring for the external file-watch
// source the rest of the system treats as a collaborator - an editor or
// command host may supply its own on_files_changed calls instead and
// never start a watch session at all.
type WatchManager struct {
	mu       sync.Mutex
	sessions map[string]*watchSession
	stateDir string
	reindex  reindexFunc
}

// NewWatchManager builds a manager that persists each session's
// in-progress lock marker under stateDir.
func NewWatchManager(stateDir string, reindex reindexFunc) *WatchManager {
	return &WatchManager{
		sessions: make(map[string]*watchSession),
		stateDir: stateDir,
		reindex:  reindex,
	}
}

func (m *WatchManager) lockDir(workspace string) string {
	h := sha256.Sum256([]byte(workspace))
	return filepath.Join(m.stateDir, "watch", hex.EncodeToString(h[:8]))
}

// IsWatching reports whether workspace has an active watch session.
func (m *WatchManager) IsWatching(workspace string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[workspace]
	return ok
}

// Start begins watching workspace for changes, rejecting a second
// session for the same workspace.
func (m *WatchManager) Start(ctx context.Context, workspace string) error {
	m.mu.Lock()
	if _, ok := m.sessions[workspace]; ok {
		m.mu.Unlock()
		return cgerrors.New(cgerrors.KindAlreadyIndexing, "workspace is already being watched", nil).
			WithDetail("workspace", workspace)
	}
	m.mu.Unlock()

	hw, err := watcher.NewHybridWatcher(watcher.DefaultOptions())
	if err != nil {
		return cgerrors.Wrap(cgerrors.KindInitFailed, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	if err := hw.Start(watchCtx, workspace); err != nil {
		cancel()
		return cgerrors.Wrap(cgerrors.KindInitFailed, err)
	}

	m.mu.Lock()
	m.sessions[workspace] = &watchSession{watcher: hw, cancel: cancel}
	m.mu.Unlock()

	go m.pump(watchCtx, workspace, hw)
	return nil
}

// pump applies each debounced batch of file events as an incremental
// reindex, one batch at a time, until the watch session's context is
// cancelled or the watcher closes its channels.
func (m *WatchManager) pump(ctx context.Context, workspace string, w watcher.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-w.Events():
			if !ok {
				return
			}
			m.applyBatch(ctx, workspace, batch)
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			slog.Warn("watch session error",
				slog.String("workspace", workspace),
				slog.String("error", err.Error()))
		}
	}
}

func (m *WatchManager) applyBatch(ctx context.Context, workspace string, batch []watcher.FileEvent) {
	paths := make([]string, 0, len(batch))
	for _, evt := range batch {
		if evt.IsDir {
			continue
		}
		paths = append(paths, evt.Path)
	}
	if len(paths) == 0 {
		return
	}

	indexer := async.NewBackgroundIndexer(async.IndexerConfig{DataDir: m.lockDir(workspace)})
	indexer.IndexFunc = func(ctx context.Context, progress *async.IndexProgress) error {
		progress.SetStage(async.StageIndexing, len(paths))
		err := m.reindex(ctx, workspace, paths)
		progress.UpdateFiles(len(paths))
		return err
	}
	indexer.Start(ctx)
	if err := indexer.Wait(); err != nil {
		slog.Warn("watch-triggered reindex failed",
			slog.String("workspace", workspace),
			slog.String("error", err.Error()))
	}
}

// Stop ends workspace's watch session, if any, reporting whether one was
// running.
func (m *WatchManager) Stop(workspace string) bool {
	m.mu.Lock()
	session, ok := m.sessions[workspace]
	if ok {
		delete(m.sessions, workspace)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	session.cancel()
	_ = session.watcher.Stop()
	return true
}

// StopAll ends every active watch session, for use during worker
// shutdown.
func (m *WatchManager) StopAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*watchSession)
	m.mu.Unlock()

	for _, session := range sessions {
		session.cancel()
		_ = session.watcher.Stop()
	}
}
