package store

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeglyph/codeglyph/internal/cache"
	"github.com/codeglyph/codeglyph/internal/chunk"
	cgerrors "github.com/codeglyph/codeglyph/internal/errors"
)

// VectorRow is one embedded chunk as stored in a per-tag table.
type VectorRow struct {
	UUID        string
	CacheKey    string // chunk digest, informational only
	Path        string
	Vector      []float32
	StartLine   int
	EndLine     int
	Contents    string
	LanguageTag string
}

// Hit is a single kNN result, denormalised for direct presentation to a
// caller without a second lookup.
type Hit struct {
	Path        string
	Content     string
	StartLine   int
	EndLine     int
	Score       float32 // distance; smaller is better
	LanguageTag string
}

// FileRef identifies a file within a RefreshPlan and the cache key its
// previously computed vectors were stored under: the file's own content
// digest, shared across every chunk that file produced, so Preserve can
// retrieve them all with a single cache lookup.
type FileRef struct {
	Path     string
	CacheKey string
}

// RefreshPlan partitions every path touched by a refresh into three
// disjoint sets: recompute from scratch, delete outright, or carry
// forward from the embedding cache untouched.
type RefreshPlan struct {
	Compute  []FileRef
	Delete   []FileRef
	Preserve []FileRef
}

// DetailedStats reports a richer view of a table's contents than a bare
// row count, broken down by file and by language.
type DetailedStats struct {
	Chunks             int
	UniqueFiles        int
	LanguageHistogram  map[string]int
}

// ChunkSource lazily yields the chunks belonging to a single file. It is
// invoked once per file in plan.Compute during Apply.
type ChunkSource func(ctx context.Context, ref FileRef) ([]*chunk.Chunk, error)

// EmbedBatch maps a batch of chunk texts to a batch of fixed-width
// vectors, in the same order.
type EmbedBatch func(ctx context.Context, texts []string) ([][]float32, error)

// ApplyOptions tunes the batching and progress reporting of Apply.
type ApplyOptions struct {
	ArtifactID      string
	FileBatchSize   int // default 100
	EmbedBatchSize  int // default 32
	Progress        func(filesDone, filesTotal int)
}

type rowMeta struct {
	Path        string
	StartLine   int
	EndLine     int
	Contents    string
	LanguageTag string
}

// Table is one physical IndexTag's vectors plus the denormalised
// metadata needed to answer kNN queries without a second store.
type Table struct {
	mu      sync.RWMutex
	tag     IndexTag
	vectors *HNSWStore
	meta    map[string]*rowMeta // uuid -> metadata
	byPath  map[string]map[string]struct{}
}

func newTable(tag IndexTag, dimension int) (*Table, error) {
	cfg := DefaultVectorStoreConfig(dimension)
	vs, err := NewHNSWStore(cfg)
	if err != nil {
		return nil, err
	}
	return &Table{
		tag:     tag,
		vectors: vs,
		meta:    make(map[string]*rowMeta),
		byPath:  make(map[string]map[string]struct{}),
	}, nil
}

func (t *Table) dimension() int {
	return t.vectors.config.Dimensions
}

func (t *Table) insert(ctx context.Context, rows []*VectorRow) error {
	if len(rows) == 0 {
		return nil
	}

	ids := make([]string, len(rows))
	vecs := make([][]float32, len(rows))
	for i, r := range rows {
		ids[i] = r.UUID
		vecs[i] = r.Vector
	}
	if err := t.vectors.Add(ctx, ids, vecs); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range rows {
		t.meta[r.UUID] = &rowMeta{
			Path:        r.Path,
			StartLine:   r.StartLine,
			EndLine:     r.EndLine,
			Contents:    r.Contents,
			LanguageTag: r.LanguageTag,
		}
		if t.byPath[r.Path] == nil {
			t.byPath[r.Path] = make(map[string]struct{})
		}
		t.byPath[r.Path][r.UUID] = struct{}{}
	}
	return nil
}

func (t *Table) deleteByPath(ctx context.Context, path string) error {
	t.mu.Lock()
	ids := t.byPath[path]
	if len(ids) == 0 {
		t.mu.Unlock()
		return nil
	}
	idList := make([]string, 0, len(ids))
	for id := range ids {
		idList = append(idList, id)
		delete(t.meta, id)
	}
	delete(t.byPath, path)
	t.mu.Unlock()

	return t.vectors.Delete(ctx, idList)
}

func (t *Table) rowCount() int {
	return t.vectors.Count()
}

func (t *Table) detailedStats() *DetailedStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	hist := make(map[string]int)
	for _, m := range t.meta {
		if m.LanguageTag != "" {
			hist[m.LanguageTag]++
		}
	}
	return &DetailedStats{
		Chunks:            len(t.meta),
		UniqueFiles:       len(t.byPath),
		LanguageHistogram: hist,
	}
}

func (t *Table) search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	results, err := t.vectors.Search(ctx, query, k)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		m, ok := t.meta[r.ID]
		if !ok {
			continue
		}
		hits = append(hits, Hit{
			Path:        m.Path,
			Content:     m.Contents,
			StartLine:   m.StartLine,
			EndLine:     m.EndLine,
			Score:       r.Distance,
			LanguageTag: m.LanguageTag,
		})
	}
	return hits, nil
}

type tableMetaFile struct {
	Meta   map[string]*rowMeta
	ByPath map[string]map[string]struct{}
}

func (t *Table) metaPath(dir string) string {
	return filepath.Join(dir, t.tag.Key()+".meta.gob")
}

func (t *Table) vectorPath(dir string) string {
	return filepath.Join(dir, t.tag.Key()+".hnsw")
}

func (t *Table) save(dir string) error {
	if err := t.vectors.Save(t.vectorPath(dir)); err != nil {
		return err
	}

	t.mu.RLock()
	mf := tableMetaFile{Meta: t.meta, ByPath: t.byPath}
	t.mu.RUnlock()

	f, err := os.Create(t.metaPath(dir))
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(mf)
}

func (t *Table) load(dir string) error {
	if err := t.vectors.Load(t.vectorPath(dir)); err != nil {
		return err
	}

	f, err := os.Open(t.metaPath(dir))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var mf tableMetaFile
	if err := gob.NewDecoder(f).Decode(&mf); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.meta = mf.Meta
	t.byPath = mf.ByPath
	if t.meta == nil {
		t.meta = make(map[string]*rowMeta)
	}
	if t.byPath == nil {
		t.byPath = make(map[string]map[string]struct{})
	}
	return nil
}

// Registry is the per-workspace, per-artifact table registry: the C4
// VectorStore surface the orchestrator drives. Tables are created
// lazily and addressed by IndexTag rather than by name.
type Registry struct {
	mu      sync.RWMutex
	baseDir string
	tables  map[string]*Table
}

// NewRegistry opens a registry rooted at baseDir, where each table's
// vector graph and metadata are persisted as sibling files named by the
// tag's key.
func NewRegistry(baseDir string) *Registry {
	return &Registry{baseDir: baseDir, tables: make(map[string]*Table)}
}

// EnsureTable idempotently creates the table for tag with the given
// dimension, loading it from disk if a persisted copy exists. A second
// call with a different dimension is rejected: switching embedding
// models must produce a new IndexTag, not silently reuse a table.
func (r *Registry) EnsureTable(tag IndexTag, dimension int) (*Table, error) {
	key := tag.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tables[key]; ok {
		if existing.dimension() != dimension {
			return nil, cgerrors.New(cgerrors.KindVectorIndexFailed,
				fmt.Sprintf("table %s already has dimension %d, got %d", tag, existing.dimension(), dimension), nil)
		}
		return existing, nil
	}

	t, err := newTable(tag, dimension)
	if err != nil {
		return nil, cgerrors.Wrap(cgerrors.KindVectorIndexFailed, err)
	}

	if r.baseDir != "" {
		if err := os.MkdirAll(r.baseDir, 0o755); err == nil {
			_ = t.load(r.baseDir) // absent persisted state is not an error
		}
	}

	r.tables[key] = t
	return t, nil
}

// HasTable reports whether tag has a live (in-memory or loadable) table.
func (r *Registry) HasTable(tag IndexTag) bool {
	r.mu.RLock()
	_, ok := r.tables[tag.Key()]
	r.mu.RUnlock()
	if ok {
		return true
	}
	if r.baseDir == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(r.baseDir, tag.Key()+".hnsw"))
	return err == nil
}

// DeleteTable removes a table's in-memory state and its persisted files.
func (r *Registry) DeleteTable(tag IndexTag) error {
	key := tag.Key()

	r.mu.Lock()
	t, ok := r.tables[key]
	delete(r.tables, key)
	r.mu.Unlock()

	if ok {
		_ = t.vectors.Close()
	}

	if r.baseDir == "" {
		return nil
	}
	for _, suffix := range []string{".hnsw", ".hnsw.meta", ".meta.gob"} {
		_ = os.Remove(filepath.Join(r.baseDir, key+suffix))
	}
	return nil
}

// RowCount returns the table's row count, or false if the table does
// not exist.
func (r *Registry) RowCount(tag IndexTag) (int, bool) {
	r.mu.RLock()
	t, ok := r.tables[tag.Key()]
	r.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return t.rowCount(), true
}

// DetailedStats returns the table's chunk/file/language breakdown, or
// false if the table does not exist.
func (r *Registry) DetailedStats(tag IndexTag) (*DetailedStats, bool) {
	r.mu.RLock()
	t, ok := r.tables[tag.Key()]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return t.detailedStats(), true
}

// Save persists every live table in the registry.
func (r *Registry) Save() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.baseDir == "" {
		return nil
	}
	for _, t := range r.tables {
		if err := t.save(r.baseDir); err != nil {
			return err
		}
	}
	return nil
}

// KNN queries every named tag's table and returns the globally closest
// k hits, sorted ascending by distance then by (path, start_line).
func (r *Registry) KNN(ctx context.Context, query []float32, k int, tags []IndexTag) ([]Hit, error) {
	var all []Hit

	for _, tag := range tags {
		r.mu.RLock()
		t, ok := r.tables[tag.Key()]
		r.mu.RUnlock()
		if !ok {
			continue
		}

		hits, err := t.search(ctx, query, k)
		if err != nil {
			return nil, cgerrors.Wrap(cgerrors.KindRetrieveFailed, err)
		}
		all = append(all, hits...)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score < all[j].Score
		}
		if all[i].Path != all[j].Path {
			return all[i].Path < all[j].Path
		}
		return all[i].StartLine < all[j].StartLine
	})

	if len(all) > k {
		all = all[:k]
	}
	return all, nil
}

// Apply drives the four-step refresh algorithm for one table: deletions
// first, then cache-preserved rows, then freshly computed ones, with a
// cancellation check between every sub-batch and file-batch. Rows left
// partially inserted by a cancelled compute step are correct as-is; the
// caller's FileDigestTree diff will re-drive them on the next refresh.
func (r *Registry) Apply(ctx context.Context, tag IndexTag, dimension int, plan RefreshPlan,
	ecache *cache.EmbeddingCache, chunkSource ChunkSource, embedBatch EmbedBatch, opts ApplyOptions) error {

	t, err := r.EnsureTable(tag, dimension)
	if err != nil {
		return err
	}

	fileBatchSize := opts.FileBatchSize
	if fileBatchSize <= 0 {
		fileBatchSize = 100
	}
	embedBatchSize := opts.EmbedBatchSize
	if embedBatchSize <= 0 {
		embedBatchSize = 32
	}

	// Step 1: deletions.
	for _, ref := range plan.Delete {
		if err := t.deleteByPath(ctx, ref.Path); err != nil {
			return cgerrors.Wrap(cgerrors.KindVectorIndexFailed, err)
		}
		if err := ecache.Delete(ctx, ref.Path, ref.CacheKey); err != nil {
			return cgerrors.Wrap(cgerrors.KindVectorIndexFailed, err)
		}
	}

	// Step 2: preserved rows, carried forward from the cache untouched.
	for _, ref := range plan.Preserve {
		entries, err := ecache.Get(ctx, ref.CacheKey, opts.ArtifactID)
		if err != nil {
			return cgerrors.Wrap(cgerrors.KindRetrieveFailed, err)
		}
		rows := make([]*VectorRow, 0, len(entries))
		for _, e := range entries {
			if e.Path != ref.Path {
				continue
			}
			rows = append(rows, &VectorRow{
				UUID:        e.UUID,
				CacheKey:    e.CacheKey,
				Path:        e.Path,
				Vector:      e.Vector,
				StartLine:   e.StartLine,
				EndLine:     e.EndLine,
				Contents:    e.Contents,
				LanguageTag: e.LanguageTag,
			})
		}
		if err := t.insert(ctx, rows); err != nil {
			return cgerrors.Wrap(cgerrors.KindVectorIndexFailed, err)
		}
	}

	// Step 3: freshly computed rows, file-batched then embed-batched.
	filesDone := 0
	filesTotal := len(plan.Compute)
	for batchStart := 0; batchStart < len(plan.Compute); batchStart += fileBatchSize {
		select {
		case <-ctx.Done():
			return cgerrors.New(cgerrors.KindCancelled, "apply cancelled between file batches", ctx.Err())
		default:
		}

		end := batchStart + fileBatchSize
		if end > len(plan.Compute) {
			end = len(plan.Compute)
		}
		fileBatch := plan.Compute[batchStart:end]

		var allChunks []*chunk.Chunk
		var allRefs []FileRef
		for _, ref := range fileBatch {
			if err := t.deleteByPath(ctx, ref.Path); err != nil {
				return cgerrors.Wrap(cgerrors.KindVectorIndexFailed, err)
			}
			chunks, err := chunkSource(ctx, ref)
			if err != nil {
				return cgerrors.Wrap(cgerrors.KindEmbeddingFailed, err)
			}
			allChunks = append(allChunks, chunks...)
			for range chunks {
				allRefs = append(allRefs, ref)
			}
		}

		for sub := 0; sub < len(allChunks); sub += embedBatchSize {
			select {
			case <-ctx.Done():
				return cgerrors.New(cgerrors.KindCancelled, "apply cancelled between embed batches", ctx.Err())
			default:
			}

			subEnd := sub + embedBatchSize
			if subEnd > len(allChunks) {
				subEnd = len(allChunks)
			}
			chunkBatch := allChunks[sub:subEnd]
			refBatch := allRefs[sub:subEnd]

			texts := make([]string, len(chunkBatch))
			for i, c := range chunkBatch {
				texts[i] = c.Content
			}

			vecs, err := embedBatch(ctx, texts)
			if err != nil {
				return cgerrors.Wrap(cgerrors.KindEmbeddingFailed, err)
			}
			if len(vecs) != len(chunkBatch) {
				return cgerrors.New(cgerrors.KindEmbeddingFailed,
					fmt.Sprintf("embed_batch returned %d vectors for %d chunks", len(vecs), len(chunkBatch)), nil)
			}

			rows := make([]*VectorRow, len(chunkBatch))
			entries := make([]*cache.Entry, len(chunkBatch))
			now := time.Now()
			for i, c := range chunkBatch {
				id := uuid.NewString()
				rows[i] = &VectorRow{
					UUID:        id,
					CacheKey:    c.Digest,
					Path:        c.FilePath,
					Vector:      vecs[i],
					StartLine:   c.StartLine,
					EndLine:     c.EndLine,
					Contents:    c.Content,
					LanguageTag: c.LanguageTag,
				}
				entries[i] = &cache.Entry{
					UUID:        id,
					CacheKey:    refBatch[i].CacheKey,
					Path:        c.FilePath,
					ArtifactID:  opts.ArtifactID,
					Vector:      vecs[i],
					StartLine:   c.StartLine,
					EndLine:     c.EndLine,
					Contents:    c.Content,
					LanguageTag: c.LanguageTag,
					CreatedAt:   now,
				}
			}

			if err := t.insert(ctx, rows); err != nil {
				return cgerrors.Wrap(cgerrors.KindVectorIndexFailed, err)
			}
			if err := ecache.Put(ctx, entries); err != nil {
				return cgerrors.Wrap(cgerrors.KindVectorIndexFailed, err)
			}
		}

		filesDone += len(fileBatch)
		if opts.Progress != nil {
			opts.Progress(filesDone, filesTotal)
		}
	}

	return nil
}
