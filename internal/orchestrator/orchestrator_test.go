package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeglyph/codeglyph/internal/cache"
	"github.com/codeglyph/codeglyph/internal/chunk"
	"github.com/codeglyph/codeglyph/internal/config"
	cgerrors "github.com/codeglyph/codeglyph/internal/errors"
	"github.com/codeglyph/codeglyph/internal/scanner"
	"github.com/codeglyph/codeglyph/internal/scheduler"
	"github.com/codeglyph/codeglyph/internal/store"
)

const sampleGoFile = `package sample

// Greet returns a friendly greeting for name.
func Greet(name string) string {
	return "hello, " + name
}

// Add returns the sum of a and b.
func Add(a, b int) int {
	return a + b
}
`

func newTestOrchestrator(t *testing.T) (*Orchestrator, string) {
	t.Helper()

	workspace := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "sample.go"), []byte(sampleGoFile), 0o644))

	cfg := config.NewConfig()
	cfg.Embeddings.Provider = "static"

	sc, err := scanner.New()
	require.NoError(t, err)

	ecache, err := cache.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ecache.Close() })

	registry := store.NewRegistry(t.TempDir())
	sched := scheduler.New(cfg.Performance.ScanSlots, 1)
	chunker := chunk.NewCodeChunker()

	o := New(cfg, sched, registry, ecache, chunker, sc, t.TempDir())
	return o, workspace
}

func TestOrchestrator_Index_PopulatesStats(t *testing.T) {
	o, workspace := newTestOrchestrator(t)
	ctx := context.Background()

	var events []ProgressEvent
	err := o.Index(ctx, workspace, func(e ProgressEvent) { events = append(events, e) })
	require.NoError(t, err)
	assert.NotEmpty(t, events)

	status, err := o.Status(ctx, workspace)
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, status.Phase)
	assert.False(t, status.Indexing)
	assert.Empty(t, status.ErrorMessage)
	assert.False(t, status.LastIndexed.IsZero())

	stats, err := o.Stats(ctx, workspace)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.UniqueFiles)
	assert.Greater(t, stats.Chunks, 0)
	assert.Greater(t, stats.CacheRows, int64(0))
}

func TestOrchestrator_Index_SecondRunIsNoOp(t *testing.T) {
	o, workspace := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, o.Index(ctx, workspace, nil))
	first, err := o.Stats(ctx, workspace)
	require.NoError(t, err)

	var events []ProgressEvent
	require.NoError(t, o.Index(ctx, workspace, func(e ProgressEvent) { events = append(events, e) }))

	second, err := o.Stats(ctx, workspace)
	require.NoError(t, err)
	assert.Equal(t, first.Chunks, second.Chunks)

	foundUpToDate := false
	for _, e := range events {
		if e.Phase == PhaseDone && e.Description == "already up to date" {
			foundUpToDate = true
		}
	}
	assert.True(t, foundUpToDate, "second refresh over an unchanged workspace should short-circuit")
}

func TestOrchestrator_OnFilesChanged_ReindexesTouchedFile(t *testing.T) {
	o, workspace := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, o.Index(ctx, workspace, nil))

	updated := sampleGoFile + "\n// Sub returns a minus b.\nfunc Sub(a, b int) int {\n\treturn a - b\n}\n"
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "sample.go"), []byte(updated), 0o644))

	require.NoError(t, o.OnFilesChanged(ctx, workspace, []string{"sample.go"}, nil))

	hits, err := o.Retrieve(ctx, workspace, "subtract two numbers", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, hits)
}

func TestOrchestrator_Retrieve_RejectsOverlongQuery(t *testing.T) {
	o, workspace := newTestOrchestrator(t)
	ctx := context.Background()
	require.NoError(t, o.Index(ctx, workspace, nil))

	huge := make([]byte, MaxQueryChars+1)
	for i := range huge {
		huge[i] = 'a'
	}

	_, err := o.Retrieve(ctx, workspace, string(huge), 5)
	require.Error(t, err)
	assert.Equal(t, cgerrors.KindQueryTooLong, cgerrors.KindOf(err))
}

func TestOrchestrator_Retrieve_ClampsTopKToKMax(t *testing.T) {
	o, workspace := newTestOrchestrator(t)
	ctx := context.Background()
	require.NoError(t, o.Index(ctx, workspace, nil))

	hits, err := o.Retrieve(ctx, workspace, "greeting function", KMax+50)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(hits), KMax)
}

func TestOrchestrator_DeleteIndex_ClearsStatsAndState(t *testing.T) {
	o, workspace := newTestOrchestrator(t)
	ctx := context.Background()
	require.NoError(t, o.Index(ctx, workspace, nil))

	require.NoError(t, o.DeleteIndex(ctx, workspace))

	stats, err := o.Stats(ctx, workspace)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Chunks)

	status, err := o.Status(ctx, workspace)
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, status.Phase)
}

func TestOrchestrator_SetEmbeddingProvider_TargetsDisjointTable(t *testing.T) {
	o, workspace := newTestOrchestrator(t)
	ctx := context.Background()
	require.NoError(t, o.Index(ctx, workspace, nil))

	firstStats, err := o.Stats(ctx, workspace)
	require.NoError(t, err)
	require.Greater(t, firstStats.Chunks, 0)

	require.NoError(t, o.SetEmbeddingProvider(ctx, workspace, ProviderSpec{Provider: "static", Model: "other-model"}))
	require.NoError(t, o.Index(ctx, workspace, nil))

	secondStats, err := o.Stats(ctx, workspace)
	require.NoError(t, err)
	assert.Greater(t, secondStats.Chunks, 0)
}

func TestOrchestrator_Index_ReentrantCallRejected(t *testing.T) {
	o, workspace := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.workspaceFor(ctx, workspace)
	require.NoError(t, err)

	leave, err := o.sched.Enter(workspace)
	require.NoError(t, err)
	defer leave()

	err = o.Index(ctx, workspace, nil)
	require.Error(t, err)
	assert.Equal(t, cgerrors.KindAlreadyIndexing, cgerrors.KindOf(err))
}
