package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/codeglyph/codeglyph/internal/chunk"
	"github.com/codeglyph/codeglyph/internal/digest"
	cgerrors "github.com/codeglyph/codeglyph/internal/errors"
	"github.com/codeglyph/codeglyph/internal/scanner"
	"github.com/codeglyph/codeglyph/internal/store"
)

// Index runs a full refresh of workspace: scan every tracked file,
// diff it against the last persisted digest tree, and apply the
// resulting plan to the vector store. progress may be nil.
func (o *Orchestrator) Index(ctx context.Context, workspace string, progress ProgressFunc) error {
	ws, err := o.workspaceFor(ctx, workspace)
	if err != nil {
		return err
	}

	leave, err := o.sched.Enter(workspace)
	if err != nil {
		return err
	}
	defer leave()

	ws.setStatus(func(s *IndexStatus) { s.Indexing = true; s.Phase = PhaseScanning })

	releaseScan, err := o.sched.AcquireScan(ctx, workspace, func() {
		ws.setStatus(func(s *IndexStatus) { s.Phase = PhaseWaitingScan })
		progress.emit(ProgressEvent{Workspace: workspace, Phase: PhaseWaitingScan, Description: "waiting for a scan slot"})
	})
	if err != nil {
		return o.failRefresh(ws, workspace, progress, err)
	}

	ws.setStatus(func(s *IndexStatus) { s.Phase = PhaseScanning })
	progress.emit(ProgressEvent{Workspace: workspace, Phase: PhaseScanning, Description: "scanning workspace"})

	oldHashes := snapshotHashes(ws.tree)

	changes, err := ws.tree.FullScan(ctx)
	if err != nil {
		releaseScan()
		return o.failRefresh(ws, workspace, progress, err)
	}

	return o.finishRefresh(ctx, ws, workspace, changes, oldHashes, releaseScan, progress)
}

// OnFilesChanged runs an incremental refresh limited to the given
// workspace-relative paths, as reported by a debounced file-change
// source. Only those paths are re-digested; everything else in the
// tree is assumed unchanged.
func (o *Orchestrator) OnFilesChanged(ctx context.Context, workspace string, paths []string, progress ProgressFunc) error {
	ws, err := o.workspaceFor(ctx, workspace)
	if err != nil {
		return err
	}

	leave, err := o.sched.Enter(workspace)
	if err != nil {
		return err
	}
	defer leave()

	ws.setStatus(func(s *IndexStatus) { s.Indexing = true; s.Phase = PhaseScanning })

	releaseScan, err := o.sched.AcquireScan(ctx, workspace, func() {
		ws.setStatus(func(s *IndexStatus) { s.Phase = PhaseWaitingScan })
		progress.emit(ProgressEvent{Workspace: workspace, Phase: PhaseWaitingScan, Description: "waiting for a scan slot"})
	})
	if err != nil {
		return o.failRefresh(ws, workspace, progress, err)
	}

	ws.setStatus(func(s *IndexStatus) { s.Phase = PhaseScanning })
	progress.emit(ProgressEvent{Workspace: workspace, Phase: PhaseScanning, Description: "re-digesting changed files"})

	oldHashes := snapshotHashes(ws.tree)

	changes, err := ws.tree.Update(ctx, paths)
	if err != nil {
		releaseScan()
		return o.failRefresh(ws, workspace, progress, err)
	}

	return o.finishRefresh(ctx, ws, workspace, changes, oldHashes, releaseScan, progress)
}

// finishRefresh carries out steps 4-9 of the refresh algorithm, shared by
// the full and incremental entry points: build a RefreshPlan (or detect
// an already-up-to-date workspace), persist the tree before embedding,
// hand the plan to the vector store under the global embed permit, then
// persist the tree again to record success.
func (o *Orchestrator) finishRefresh(ctx context.Context, ws *workspaceState, workspace string,
	changes []digest.Change, oldHashes map[string]string, releaseScan func(), progress ProgressFunc) error {

	tag := o.tagFor(ws)
	allPaths := ws.tree.AllPaths()

	var plan store.RefreshPlan
	if len(changes) == 0 {
		rowCount, ok := o.registry.RowCount(tag)
		if ok && len(allPaths) > 0 && float64(rowCount) >= ForceRebuildThreshold*float64(len(allPaths)) {
			releaseScan()
			o.sched.MarkDone(workspace)
			ws.setStatus(func(s *IndexStatus) {
				s.Indexing = false
				s.Phase = PhaseDone
				s.LastIndexed = time.Now()
				s.ErrorMessage = ""
			})
			progress.emit(ProgressEvent{Workspace: workspace, Phase: PhaseDone, Description: "already up to date"})
			return nil
		}
		slog.Warn("forced rebuild triggered by row-count heuristic",
			slog.String("workspace", workspace),
			slog.Int("rows", rowCount),
			slog.Int("paths", len(allPaths)))
		plan = forceRebuildPlan(ws, allPaths)
	} else {
		plan = buildPlan(ws, changes, allPaths, oldHashes)
	}

	if err := ws.tree.Save(ws.treePath); err != nil {
		releaseScan()
		return o.failRefresh(ws, workspace, progress, err)
	}
	releaseScan()

	releaseEmbed, err := o.sched.AcquireEmbed(ctx, workspace)
	if err != nil {
		return o.failRefresh(ws, workspace, progress, err)
	}

	ws.setStatus(func(s *IndexStatus) { s.Phase = PhaseEmbedding })
	progress.emit(ProgressEvent{Workspace: workspace, Phase: PhaseEmbedding, Description: "embedding changed files",
		FilesTotal: len(plan.Compute)})

	ws.mu.Lock()
	dimension := ws.embedder.Dimensions()
	ws.mu.Unlock()

	applyErr := o.registry.Apply(ctx, tag, dimension, plan, o.ecache, chunkSourceFor(ws, o.chunker), embedBatchFor(ws), store.ApplyOptions{
		ArtifactID:     tag.ArtifactID,
		FileBatchSize:  o.cfg.Performance.FileBatchSize,
		EmbedBatchSize: o.cfg.Performance.EmbeddingBatchSize,
		Progress: func(filesDone, filesTotal int) {
			progress.emit(ProgressEvent{Workspace: workspace, Phase: PhaseEmbedding, FilesDone: filesDone, FilesTotal: filesTotal})
		},
	})
	if applyErr != nil {
		releaseEmbed()
		return o.failRefresh(ws, workspace, progress, applyErr)
	}

	o.sched.MarkSaving(workspace)
	ws.setStatus(func(s *IndexStatus) { s.Phase = PhaseSaving })
	if err := ws.tree.Save(ws.treePath); err != nil {
		releaseEmbed()
		return o.failRefresh(ws, workspace, progress, err)
	}
	releaseEmbed()

	o.sched.MarkDone(workspace)
	ws.setStatus(func(s *IndexStatus) {
		s.Indexing = false
		s.Phase = PhaseDone
		s.LastIndexed = time.Now()
		s.ErrorMessage = ""
	})
	progress.emit(ProgressEvent{Workspace: workspace, Phase: PhaseDone, Description: "index refreshed"})
	return nil
}

func (o *Orchestrator) failRefresh(ws *workspaceState, workspace string, progress ProgressFunc, err error) error {
	o.sched.MarkDone(workspace)
	ws.setStatus(func(s *IndexStatus) { s.Indexing = false; s.ErrorMessage = err.Error() })
	progress.emit(ProgressEvent{Workspace: workspace, Description: err.Error()})
	return err
}

func snapshotHashes(tree *digest.FileDigestTree) map[string]string {
	hashes := make(map[string]string)
	for _, p := range tree.AllPaths() {
		if n, ok := tree.GetNode(p); ok {
			hashes[p] = n.ContentHash
		}
	}
	return hashes
}

// buildPlan partitions every path currently tracked by the tree into the
// three disjoint RefreshPlan sets: changed paths recompute or delete,
// everything else carries forward from the embedding cache.
func buildPlan(ws *workspaceState, changes []digest.Change, allPaths []string, oldHashes map[string]string) store.RefreshPlan {
	changeByPath := make(map[string]digest.ChangeType, len(changes))
	for _, c := range changes {
		changeByPath[c.Path] = c.Type
	}

	var plan store.RefreshPlan
	for _, p := range allPaths {
		ct, changed := changeByPath[p]
		if changed && (ct == digest.ChangeAdd || ct == digest.ChangeModify) {
			node, _ := ws.tree.GetNode(p)
			plan.Compute = append(plan.Compute, store.FileRef{Path: p, CacheKey: node.ContentHash})
			continue
		}
		node, ok := ws.tree.GetNode(p)
		if !ok {
			continue
		}
		plan.Preserve = append(plan.Preserve, store.FileRef{Path: p, CacheKey: node.ContentHash})
	}

	for _, c := range changes {
		if c.Type == digest.ChangeDelete {
			plan.Delete = append(plan.Delete, store.FileRef{Path: c.Path, CacheKey: oldHashes[c.Path]})
		}
	}
	return plan
}

// forceRebuildPlan recomputes every tracked path from scratch, used when
// the tree sees no changes but the vector table has drifted too far from
// the tree's own path count to be trusted.
func forceRebuildPlan(ws *workspaceState, allPaths []string) store.RefreshPlan {
	var plan store.RefreshPlan
	for _, p := range allPaths {
		node, ok := ws.tree.GetNode(p)
		if !ok {
			continue
		}
		plan.Compute = append(plan.Compute, store.FileRef{Path: p, CacheKey: node.ContentHash})
	}
	return plan
}

// chunkSourceFor reads and chunks a single file relative to ws's root,
// satisfying store.ChunkSource for Apply's compute step.
func chunkSourceFor(ws *workspaceState, chunker chunk.Chunker) store.ChunkSource {
	return func(ctx context.Context, ref store.FileRef) ([]*chunk.Chunk, error) {
		absPath := filepath.Join(ws.path, filepath.FromSlash(ref.Path))
		content, err := os.ReadFile(absPath)
		if err != nil {
			return nil, cgerrors.Wrap(cgerrors.KindInitFailed, err)
		}

		chunks, err := chunker.Chunk(ctx, &chunk.FileInput{
			Path:     ref.Path,
			Content:  content,
			Language: scanner.DetectLanguage(ref.Path),
		})
		if err != nil {
			return nil, err
		}
		return chunks, nil
	}
}

// embedBatchFor binds the workspace's current embedder as a
// store.EmbedBatch, re-read on every call so a provider swap takes
// effect on the very next batch.
func embedBatchFor(ws *workspaceState) store.EmbedBatch {
	return func(ctx context.Context, texts []string) ([][]float32, error) {
		ws.mu.Lock()
		embedder := ws.embedder
		ws.mu.Unlock()
		return embedder.EmbedBatch(ctx, texts)
	}
}
