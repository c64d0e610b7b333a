package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddingCache_PutAndGet_RoundTrips(t *testing.T) {
	c, err := Open("")
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	entry := &Entry{
		UUID:       "u1",
		CacheKey:   "digest-a",
		Path:       "src/main.go",
		ArtifactID: "ollama:nomic-embed-text:768",
		Vector:     []float32{0.1, 0.2, 0.3},
		StartLine:  1,
		EndLine:    10,
		Contents:   "func main() {}",
		CreatedAt:  time.Now(),
	}

	require.NoError(t, c.Put(context.Background(), []*Entry{entry}))

	got, err := c.Get(context.Background(), "digest-a", "ollama:nomic-embed-text:768")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, entry.UUID, got[0].UUID)
	assert.Equal(t, entry.Vector, got[0].Vector)
	assert.Equal(t, entry.Path, got[0].Path)
}

func TestEmbeddingCache_Get_ArtifactIDIsolatesModels(t *testing.T) {
	c, err := Open("")
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	entries := []*Entry{
		{UUID: "u1", CacheKey: "digest-a", ArtifactID: "model-a", Vector: []float32{1}, Path: "x.go"},
		{UUID: "u2", CacheKey: "digest-a", ArtifactID: "model-b", Vector: []float32{2}, Path: "x.go"},
	}
	require.NoError(t, c.Put(context.Background(), entries))

	got, err := c.Get(context.Background(), "digest-a", "model-a")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].UUID)
}

func TestEmbeddingCache_Put_ReplacesByUUID(t *testing.T) {
	c, err := Open("")
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	first := &Entry{UUID: "u1", CacheKey: "digest-a", ArtifactID: "model-a", Vector: []float32{1}, Path: "x.go"}
	require.NoError(t, c.Put(context.Background(), []*Entry{first}))

	updated := &Entry{UUID: "u1", CacheKey: "digest-b", ArtifactID: "model-a", Vector: []float32{9}, Path: "x.go"}
	require.NoError(t, c.Put(context.Background(), []*Entry{updated}))

	got, err := c.Get(context.Background(), "digest-a", "model-a")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = c.Get(context.Background(), "digest-b", "model-a")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []float32{9}, got[0].Vector)
}

func TestEmbeddingCache_DeleteByPath_RemovesAllEntriesForPath(t *testing.T) {
	c, err := Open("")
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	entries := []*Entry{
		{UUID: "u1", CacheKey: "d1", ArtifactID: "m", Vector: []float32{1}, Path: "x.go"},
		{UUID: "u2", CacheKey: "d2", ArtifactID: "m", Vector: []float32{2}, Path: "x.go"},
		{UUID: "u3", CacheKey: "d3", ArtifactID: "m", Vector: []float32{3}, Path: "y.go"},
	}
	require.NoError(t, c.Put(context.Background(), entries))

	require.NoError(t, c.DeleteByPath(context.Background(), "x.go"))

	got, err := c.Get(context.Background(), "d1", "m")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = c.Get(context.Background(), "d3", "m")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestEmbeddingCache_Delete_RemovesSinglePathCacheKeyPair(t *testing.T) {
	c, err := Open("")
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	entries := []*Entry{
		{UUID: "u1", CacheKey: "d1", ArtifactID: "m", Vector: []float32{1}, Path: "x.go"},
		{UUID: "u2", CacheKey: "d1", ArtifactID: "m2", Vector: []float32{2}, Path: "x.go"},
	}
	require.NoError(t, c.Put(context.Background(), entries))

	require.NoError(t, c.Delete(context.Background(), "x.go", "d1"))

	got, err := c.Get(context.Background(), "d1", "m")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEmbeddingCache_Clear_RemovesEverything(t *testing.T) {
	c, err := Open("")
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	entries := []*Entry{
		{UUID: "u1", CacheKey: "d1", ArtifactID: "m", Vector: []float32{1}, Path: "x.go"},
		{UUID: "u2", CacheKey: "d2", ArtifactID: "m", Vector: []float32{2}, Path: "y.go"},
	}
	require.NoError(t, c.Put(context.Background(), entries))
	require.NoError(t, c.Clear(context.Background()))

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Rows)
}

func TestEmbeddingCache_Stats_ReportsRowAndByteCounts(t *testing.T) {
	c, err := Open("")
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	entries := []*Entry{
		{UUID: "u1", CacheKey: "d1", ArtifactID: "m", Vector: []float32{1, 2, 3}, Path: "x.go", Contents: "hello"},
	}
	require.NoError(t, c.Put(context.Background(), entries))

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Rows)
	assert.Greater(t, stats.Bytes, int64(0))
}

func TestEmbeddingCache_EvictOlderThan_RemovesStaleRows(t *testing.T) {
	c, err := Open("")
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	old := &Entry{UUID: "u1", CacheKey: "d1", ArtifactID: "m", Vector: []float32{1}, Path: "x.go",
		CreatedAt: time.Now().Add(-60 * 24 * time.Hour)}
	fresh := &Entry{UUID: "u2", CacheKey: "d2", ArtifactID: "m", Vector: []float32{2}, Path: "y.go",
		CreatedAt: time.Now()}
	require.NoError(t, c.Put(context.Background(), []*Entry{old, fresh}))

	n, err := c.EvictOlderThan(context.Background(), 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := c.Get(context.Background(), "d1", "m")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = c.Get(context.Background(), "d2", "m")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestEmbeddingCache_Put_EmptyBatchIsNoop(t *testing.T) {
	c, err := Open("")
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	assert.NoError(t, c.Put(context.Background(), nil))
}

func TestEmbeddingCache_OperationsFailAfterClose(t *testing.T) {
	c, err := Open("")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = c.Get(context.Background(), "d", "m")
	assert.Error(t, err)

	err = c.Put(context.Background(), []*Entry{{UUID: "u1"}})
	assert.Error(t, err)
}

func TestEmbeddingCache_Open_RecoversFromCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.db")

	// Write garbage where a valid SQLite file would go.
	require.NoError(t, os.WriteFile(path, []byte("not a sqlite database"), 0o644))

	c, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Rows)
}
