package indexer

import (
	"context"
	"path/filepath"

	"github.com/codeglyph/codeglyph/internal/cache"
	"github.com/codeglyph/codeglyph/internal/chunk"
	"github.com/codeglyph/codeglyph/internal/config"
	"github.com/codeglyph/codeglyph/internal/orchestrator"
	"github.com/codeglyph/codeglyph/internal/scanner"
	"github.com/codeglyph/codeglyph/internal/scheduler"
	"github.com/codeglyph/codeglyph/internal/store"
)

// Options configures a new Indexer.
type Options struct {
	// Config is required. See config.NewConfig for sane defaults.
	Config *config.Config

	// StateDir is the per-user data directory under which digest trees,
	// the vector tables and the embedding cache are persisted. Required.
	StateDir string
}

// Indexer is the public facade over a semantic code index spanning any
// number of workspaces. It wires together a file scanner, chunker,
// embedding cache, embedding provider and vector store behind the
// operations in internal/orchestrator.
type Indexer struct {
	orch   *orchestrator.Orchestrator
	ecache *cache.EmbeddingCache
}

// New assembles an Indexer from opts. The embedding cache and vector
// tables live under opts.StateDir; Close must be called to release them.
func New(opts Options) (*Indexer, error) {
	sc, err := scanner.New()
	if err != nil {
		return nil, err
	}

	ecache, err := cache.Open(filepath.Join(opts.StateDir, "embeddings.db"))
	if err != nil {
		return nil, err
	}

	registry := store.NewRegistry(filepath.Join(opts.StateDir, "tables"))
	sched := scheduler.New(opts.Config.Performance.ScanSlots, 1)
	chunker := chunk.NewCodeChunker()

	orch := orchestrator.New(opts.Config, sched, registry, ecache, chunker, sc, opts.StateDir)

	return &Indexer{orch: orch, ecache: ecache}, nil
}

// Close releases the embedding cache's database handle. Vector tables
// are persisted on every Apply and need no explicit close.
func (idx *Indexer) Close() error {
	return idx.ecache.Close()
}

// Index runs a full refresh of workspace. progress may be nil.
func (idx *Indexer) Index(ctx context.Context, workspace string, progress orchestrator.ProgressFunc) error {
	return idx.orch.Index(ctx, workspace, progress)
}

// OnFilesChanged runs an incremental refresh limited to paths, relative
// to workspace. progress may be nil.
func (idx *Indexer) OnFilesChanged(ctx context.Context, workspace string, paths []string, progress orchestrator.ProgressFunc) error {
	return idx.orch.OnFilesChanged(ctx, workspace, paths, progress)
}

// Retrieve returns the topK nearest chunks in workspace's index to query.
func (idx *Indexer) Retrieve(ctx context.Context, workspace, query string, topK int) ([]store.Hit, error) {
	return idx.orch.Retrieve(ctx, workspace, query, topK)
}

// DeleteIndex removes workspace's vector table and persisted digest tree.
func (idx *Indexer) DeleteIndex(ctx context.Context, workspace string) error {
	return idx.orch.DeleteIndex(ctx, workspace)
}

// Status reports workspace's current refresh state.
func (idx *Indexer) Status(ctx context.Context, workspace string) (orchestrator.IndexStatus, error) {
	return idx.orch.Status(ctx, workspace)
}

// Stats aggregates workspace's current index contents.
func (idx *Indexer) Stats(ctx context.Context, workspace string) (*orchestrator.IndexStats, error) {
	return idx.orch.Stats(ctx, workspace)
}

// SetEmbeddingProvider swaps workspace's embedding provider for
// subsequent refreshes.
func (idx *Indexer) SetEmbeddingProvider(ctx context.Context, workspace string, spec orchestrator.ProviderSpec) error {
	return idx.orch.SetEmbeddingProvider(ctx, workspace, spec)
}
