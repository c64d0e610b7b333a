package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/codeglyph/codeglyph/internal/cache"
	"github.com/codeglyph/codeglyph/internal/chunk"
	"github.com/codeglyph/codeglyph/internal/config"
	"github.com/codeglyph/codeglyph/internal/digest"
	"github.com/codeglyph/codeglyph/internal/embed"
	cgerrors "github.com/codeglyph/codeglyph/internal/errors"
	"github.com/codeglyph/codeglyph/internal/scanner"
	"github.com/codeglyph/codeglyph/internal/scheduler"
	"github.com/codeglyph/codeglyph/internal/store"
)

// Orchestrator is the C7 component: the single entry point a caller (CLI,
// worker host, editor integration) drives a set of workspace indexes
// through. It owns no storage itself - every concern is delegated to the
// component that implements it - and coordinates them through the
// Scheduler's two semaphores plus a per-workspace state map.
type Orchestrator struct {
	cfg       *config.Config
	sched     *scheduler.Scheduler
	registry  *store.Registry
	ecache    *cache.EmbeddingCache
	chunker   chunk.Chunker
	walker    digest.Walker
	stateDir  string

	mu         sync.Mutex
	workspaces map[string]*workspaceState
}

type workspaceState struct {
	mu       sync.Mutex
	path     string
	embedder embed.Embedder
	tree     *digest.FileDigestTree
	treePath string

	statusMu sync.RWMutex
	status   IndexStatus
}

// New assembles an Orchestrator from its already-constructed components.
// stateDir is the per-user data directory under which per-workspace
// FileDigestTree snapshots are persisted, keyed by a hash of the
// workspace path.
func New(cfg *config.Config, sched *scheduler.Scheduler, registry *store.Registry,
	ecache *cache.EmbeddingCache, chunker chunk.Chunker, walker digest.Walker, stateDir string) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		sched:      sched,
		registry:   registry,
		ecache:     ecache,
		chunker:    chunker,
		walker:     walker,
		stateDir:   stateDir,
		workspaces: make(map[string]*workspaceState),
	}
}

func workspaceTreePath(stateDir, workspace string) string {
	h := sha256.Sum256([]byte(workspace))
	return filepath.Join(stateDir, "trees", hex.EncodeToString(h[:])+".json")
}

// workspaceFor returns the state for workspace, creating it (with a
// default embedding provider and an empty, not-yet-loaded digest tree)
// on first use. It never acquires the scheduler's active-set or
// semaphores; callers serialize refreshes themselves via the scheduler.
func (o *Orchestrator) workspaceFor(ctx context.Context, path string) (*workspaceState, error) {
	o.mu.Lock()
	ws, ok := o.workspaces[path]
	if ok {
		o.mu.Unlock()
		return ws, nil
	}

	embedder, err := embed.NewEmbedder(ctx, embed.ParseProvider(o.cfg.Embeddings.Provider), o.cfg.Embeddings.Model)
	if err != nil {
		o.mu.Unlock()
		return nil, cgerrors.Wrap(cgerrors.KindInitFailed, err)
	}

	ws = &workspaceState{
		path:     path,
		embedder: embedder,
		treePath: workspaceTreePath(o.stateDir, path),
	}
	ws.tree = digest.New(path, o.walker, o.scanOptions())
	if err := ws.tree.Load(ws.treePath); err != nil {
		ws.tree = digest.New(path, o.walker, o.scanOptions())
	}
	ws.status = IndexStatus{Workspace: path, Phase: PhaseIdle}

	o.workspaces[path] = ws
	o.mu.Unlock()
	return ws, nil
}

func (o *Orchestrator) scanOptions() scanner.ScanOptions {
	include := make([]string, 0, len(o.cfg.Indexing.IncludeExtensions))
	for _, ext := range o.cfg.Indexing.IncludeExtensions {
		include = append(include, "*"+ext)
	}
	return scanner.ScanOptions{
		IncludePatterns:  include,
		ExcludePatterns:  o.cfg.Indexing.ExcludePatterns,
		RespectGitignore: true,
		MaxFileSize:      o.cfg.Indexing.MaxFileSize,
	}
}

func (ws *workspaceState) setStatus(mutate func(*IndexStatus)) {
	ws.statusMu.Lock()
	mutate(&ws.status)
	ws.statusMu.Unlock()
}

// Status reports the current refresh state for workspace without
// blocking on any in-flight refresh.
func (o *Orchestrator) Status(ctx context.Context, workspace string) (IndexStatus, error) {
	ws, err := o.workspaceFor(ctx, workspace)
	if err != nil {
		return IndexStatus{}, err
	}
	ws.statusMu.RLock()
	defer ws.statusMu.RUnlock()
	return ws.status, nil
}

// Stats aggregates a workspace's current index contents. It is
// best-effort: a component with nothing to report (not yet indexed, or
// unavailable) simply contributes zero values rather than failing the
// call, per the "stats may return partial data" contract.
func (o *Orchestrator) Stats(ctx context.Context, workspace string) (*IndexStats, error) {
	ws, err := o.workspaceFor(ctx, workspace)
	if err != nil {
		return nil, err
	}

	stats := &IndexStats{}
	tag := o.tagFor(ws)
	if detailed, ok := o.registry.DetailedStats(tag); ok {
		stats.Chunks = detailed.Chunks
		stats.UniqueFiles = detailed.UniqueFiles
		stats.LanguageHistogram = detailed.LanguageHistogram
	}
	if cstats, err := o.ecache.Stats(ctx); err == nil {
		stats.CacheRows = cstats.Rows
		stats.CacheBytes = cstats.Bytes
	}
	return stats, nil
}

// DeleteIndex removes a workspace's vector table and persisted digest
// tree, and drops its in-memory state so a later Index call starts over
// from a fresh scan. The shared embedding cache is left untouched: its
// entries are content-addressed and may still be useful to another
// workspace or a future re-index of this one.
func (o *Orchestrator) DeleteIndex(ctx context.Context, workspace string) error {
	ws, err := o.workspaceFor(ctx, workspace)
	if err != nil {
		return err
	}

	tag := o.tagFor(ws)
	if err := o.registry.DeleteTable(tag); err != nil {
		return cgerrors.Wrap(cgerrors.KindVectorIndexFailed, err)
	}
	_ = os.Remove(ws.treePath)

	o.mu.Lock()
	delete(o.workspaces, workspace)
	o.mu.Unlock()
	return nil
}

// SetEmbeddingProvider swaps a workspace's embedding provider. Because
// the vector table's IndexTag is derived from the provider's
// EmbeddingID, the next Index call targets a disjoint table rather than
// mixing vectors from two models; the old table is left in place until
// explicitly deleted.
func (o *Orchestrator) SetEmbeddingProvider(ctx context.Context, workspace string, spec ProviderSpec) error {
	ws, err := o.workspaceFor(ctx, workspace)
	if err != nil {
		return err
	}

	embedder, err := embed.NewEmbedder(ctx, embed.ParseProvider(spec.Provider), spec.Model)
	if err != nil {
		return cgerrors.Wrap(cgerrors.KindInitFailed, err)
	}

	ws.mu.Lock()
	old := ws.embedder
	ws.embedder = embedder
	ws.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (o *Orchestrator) tagFor(ws *workspaceState) store.IndexTag {
	ws.mu.Lock()
	artifactID := ws.embedder.EmbeddingID()
	ws.mu.Unlock()
	return store.IndexTag{Directory: ws.path, ArtifactID: artifactID}
}

// Retrieve embeds query and returns the top_k nearest chunks in
// workspace's index. A query over MaxQueryChars is rejected before the
// embedding provider ever sees it.
func (o *Orchestrator) Retrieve(ctx context.Context, workspace, query string, topK int) ([]store.Hit, error) {
	if len(query) > MaxQueryChars {
		return nil, cgerrors.New(cgerrors.KindQueryTooLong,
			"query exceeds the maximum retrieve length", nil).
			WithDetail("max_chars", strconv.Itoa(MaxQueryChars))
	}
	if topK <= 0 {
		topK = 10
	}
	if topK > KMax {
		topK = KMax
	}

	ws, err := o.workspaceFor(ctx, workspace)
	if err != nil {
		return nil, err
	}

	ws.mu.Lock()
	embedder := ws.embedder
	ws.mu.Unlock()

	vec, err := embedder.Embed(ctx, query)
	if err != nil {
		return nil, cgerrors.Wrap(cgerrors.KindEmbeddingFailed, err)
	}

	tag := o.tagFor(ws)
	hits, err := o.registry.KNN(ctx, vec, topK, []store.IndexTag{tag})
	if err != nil {
		return nil, cgerrors.Wrap(cgerrors.KindRetrieveFailed, err)
	}
	return hits, nil
}

