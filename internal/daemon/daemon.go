package daemon

import (
	"context"
	"sync"
	"time"

	cgerrors "github.com/codeglyph/codeglyph/internal/errors"
	"github.com/codeglyph/codeglyph/internal/orchestrator"
	"github.com/codeglyph/codeglyph/pkg/version"
)

// Worker is the C8 isolated process: a long-lived host around an
// orchestrator.Orchestrator that a short-lived CLI or editor client talks
// to over the Server's Unix socket instead of paying embedder and index
// load costs on every invocation. It implements RequestHandler.
type Worker struct {
	orch    *orchestrator.Orchestrator
	started time.Time
	watches *WatchManager

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	pmu      sync.Mutex
	progress map[string]orchestrator.ProgressEvent
}

// NewWorker wraps orch for RPC dispatch. stateDir is used to persist
// watch-session lock markers; it may be empty if watch sessions are
// never started.
func NewWorker(orch *orchestrator.Orchestrator, stateDir string) *Worker {
	w := &Worker{
		orch:     orch,
		started:  time.Now(),
		cancels:  make(map[string]context.CancelFunc),
		progress: make(map[string]orchestrator.ProgressEvent),
	}
	w.watches = NewWatchManager(stateDir, w.reindexForWatch)
	return w
}

// reindexForWatch runs an incremental refresh through the same
// beginCall/orchestrator path HandleOnFilesChanged uses, so a
// watch-triggered refresh and a directly requested one can never race
// against the same workspace.
func (w *Worker) reindexForWatch(ctx context.Context, workspace string, paths []string) error {
	callCtx, done, err := w.beginCall(ctx, workspace)
	if err != nil {
		return err
	}
	defer done()

	return w.orch.OnFilesChanged(callCtx, workspace, paths, w.trackProgress(workspace))
}

// trackProgress returns a ProgressFunc that records the latest
// orchestrator.ProgressEvent for workspace so GetStatus can report it to a
// polling client. Without this, a refresh's progress would be computed and
// then discarded the moment it reached the worker.
//
// Not every emitted event carries a file count (a bare phase transition
// doesn't), so a zero FilesDone/FilesTotal/CurrentFile in the new event
// carries the previous value forward instead of clobbering it; otherwise
// the final "index refreshed" event would zero out the count a client
// polled for mid-run.
func (w *Worker) trackProgress(workspace string) orchestrator.ProgressFunc {
	return func(evt orchestrator.ProgressEvent) {
		w.pmu.Lock()
		prev := w.progress[workspace]
		if evt.FilesTotal == 0 {
			evt.FilesTotal = prev.FilesTotal
		}
		if evt.FilesDone == 0 {
			evt.FilesDone = prev.FilesDone
		}
		if evt.CurrentFile == "" {
			evt.CurrentFile = prev.CurrentFile
		}
		w.progress[workspace] = evt
		w.pmu.Unlock()
	}
}

// HandleWatchStart begins a watch session for params.Workspace.
func (w *Worker) HandleWatchStart(ctx context.Context, params WatchParams) error {
	return w.watches.Start(ctx, params.Workspace)
}

// HandleWatchStop ends params.Workspace's watch session, if any.
func (w *Worker) HandleWatchStop(params WatchParams) WatchStopResult {
	return WatchStopResult{Stopped: w.watches.Stop(params.Workspace)}
}

// StopWatches ends every active watch session. Call during worker
// shutdown so fsnotify handles don't leak past the process lifetime.
func (w *Worker) StopWatches() {
	w.watches.StopAll()
}

// beginCall registers a cancellable context for workspace, rejecting a
// second concurrent call against the same workspace: a worker tracks at
// most one outstanding cancellation per workspace, matching the
// orchestrator's own one-refresh-per-workspace rule.
func (w *Worker) beginCall(ctx context.Context, workspace string) (context.Context, func(), error) {
	w.mu.Lock()
	if _, ok := w.cancels[workspace]; ok {
		w.mu.Unlock()
		return nil, nil, cgerrors.New(cgerrors.KindAlreadyIndexing, "a call for this workspace is already in flight", nil).
			WithDetail("workspace", workspace)
	}
	callCtx, cancel := context.WithCancel(ctx)
	w.cancels[workspace] = cancel
	w.mu.Unlock()

	return callCtx, func() {
		w.mu.Lock()
		delete(w.cancels, workspace)
		w.mu.Unlock()
		cancel()
	}, nil
}

// Cancel fires the outstanding call's cancellation for workspace, if any.
func (w *Worker) Cancel(workspace string) bool {
	w.mu.Lock()
	cancel, ok := w.cancels[workspace]
	w.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// HandleIndex runs a full refresh of params.Workspace.
func (w *Worker) HandleIndex(ctx context.Context, params IndexParams) error {
	callCtx, done, err := w.beginCall(ctx, params.Workspace)
	if err != nil {
		return err
	}
	defer done()

	return w.orch.Index(callCtx, params.Workspace, w.trackProgress(params.Workspace))
}

// HandleOnFilesChanged runs an incremental refresh of params.Workspace
// limited to params.Paths.
func (w *Worker) HandleOnFilesChanged(ctx context.Context, params OnFilesChangedParams) error {
	callCtx, done, err := w.beginCall(ctx, params.Workspace)
	if err != nil {
		return err
	}
	defer done()

	return w.orch.OnFilesChanged(callCtx, params.Workspace, params.Paths, w.trackProgress(params.Workspace))
}

// HandleRetrieve answers a query against params.Workspace's index.
func (w *Worker) HandleRetrieve(ctx context.Context, params RetrieveParams) ([]RetrieveHit, error) {
	hits, err := w.orch.Retrieve(ctx, params.Workspace, params.Query, params.TopK)
	if err != nil {
		return nil, err
	}

	out := make([]RetrieveHit, len(hits))
	for i, h := range hits {
		out[i] = RetrieveHit{
			Path:        h.Path,
			Content:     h.Content,
			StartLine:   h.StartLine,
			EndLine:     h.EndLine,
			Score:       h.Score,
			LanguageTag: h.LanguageTag,
		}
	}
	return out, nil
}

// HandleDeleteIndex removes params.Workspace's index.
func (w *Worker) HandleDeleteIndex(ctx context.Context, params DeleteIndexParams) error {
	return w.orch.DeleteIndex(ctx, params.Workspace)
}

// HandleSetEmbeddingProvider swaps params.Workspace's embedding provider.
func (w *Worker) HandleSetEmbeddingProvider(ctx context.Context, params SetEmbeddingProviderParams) error {
	return w.orch.SetEmbeddingProvider(ctx, params.Workspace, orchestrator.ProviderSpec{
		Provider: params.Provider,
		Model:    params.Model,
	})
}

// HandleCancel cancels the outstanding call for params.Workspace, if any.
func (w *Worker) HandleCancel(params CancelParams) CancelResult {
	return CancelResult{Cancelled: w.Cancel(params.Workspace)}
}

// GetStatus reports worker-wide or, if workspace is non-empty,
// per-workspace status.
func (w *Worker) GetStatus(ctx context.Context, workspace string) StatusResult {
	result := StatusResult{
		Running:         true,
		Uptime:          time.Since(w.started).Round(time.Second).String(),
		ProtocolVersion: version.ProtocolVersion,
	}

	if workspace == "" {
		return result
	}

	status, err := w.orch.Status(ctx, workspace)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.Workspace = workspace
	result.Phase = string(status.Phase)
	result.Indexing = status.Indexing
	result.Watching = w.watches.IsWatching(workspace)
	result.Error = status.ErrorMessage
	if !status.LastIndexed.IsZero() {
		result.LastIndexed = status.LastIndexed.Format(time.RFC3339)
	}

	w.pmu.Lock()
	evt, ok := w.progress[workspace]
	w.pmu.Unlock()
	if ok {
		result.FilesDone = evt.FilesDone
		result.FilesTotal = evt.FilesTotal
		result.CurrentFile = evt.CurrentFile
		result.Description = evt.Description
		if evt.FilesTotal > 0 {
			result.Progress = float64(evt.FilesDone) / float64(evt.FilesTotal)
			if result.Progress > 1 {
				result.Progress = 1
			} else if result.Progress < 0 {
				result.Progress = 0
			}
		}
	}
	return result
}

// errorCode maps an orchestrator/internal error Kind to a JSON-RPC
// implementation-defined error code. Kinds with no worker-specific code
// fall back to ErrCodeInternalError.
func errorCode(err error) int {
	switch cgerrors.KindOf(err) {
	case cgerrors.KindWorkspaceNotFound:
		return ErrCodeWorkspaceNotFound
	case cgerrors.KindAlreadyIndexing:
		return ErrCodeAlreadyIndexing
	case cgerrors.KindQueryTooLong:
		return ErrCodeQueryTooLong
	case cgerrors.KindEmbeddingFailed:
		return ErrCodeEmbeddingFailed
	case cgerrors.KindVectorIndexFailed:
		return ErrCodeVectorIndexFailed
	case cgerrors.KindRetrieveFailed:
		return ErrCodeRetrieveFailed
	case cgerrors.KindCancelled:
		return ErrCodeCancelled
	default:
		return ErrCodeInternalError
	}
}
