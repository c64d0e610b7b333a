package digest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeglyph/codeglyph/internal/scanner"
)

func writeFile(t *testing.T, dir, relPath, content string) {
	t.Helper()
	full := filepath.Join(dir, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func newTestTree(t *testing.T, root string) *FileDigestTree {
	t.Helper()
	sc, err := scanner.New()
	require.NoError(t, err)
	return New(root, sc, scanner.ScanOptions{RespectGitignore: false})
}

func TestFileDigestTree_FullScan_InitialPopulatesAllFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a")
	writeFile(t, dir, "sub/b.go", "package b")

	tree := newTestTree(t, dir)
	changes, err := tree.FullScan(context.Background())
	require.NoError(t, err)

	assert.Len(t, changes, 2)
	for _, c := range changes {
		assert.Equal(t, ChangeAdd, c.Type)
	}
	assert.ElementsMatch(t, []string{"a.go", filepath.Join("sub", "b.go")}, tree.AllPaths())
	assert.NotEmpty(t, tree.RootHash())
}

func TestFileDigestTree_FullScan_IsDeterministicAcrossOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "z.go", "package z")
	writeFile(t, dir, "a.go", "package a")
	writeFile(t, dir, "m.go", "package m")

	tree1 := newTestTree(t, dir)
	_, err := tree1.FullScan(context.Background())
	require.NoError(t, err)

	tree2 := newTestTree(t, dir)
	_, err = tree2.FullScan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, tree1.RootHash(), tree2.RootHash())
}

func TestFileDigestTree_FullScan_DetectsModifyAndDelete(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a")
	writeFile(t, dir, "b.go", "package b")

	tree := newTestTree(t, dir)
	_, err := tree.FullScan(context.Background())
	require.NoError(t, err)
	firstHash := tree.RootHash()

	require.NoError(t, os.Remove(filepath.Join(dir, "b.go")))
	writeFile(t, dir, "a.go", "package a // changed")

	changes, err := tree.FullScan(context.Background())
	require.NoError(t, err)

	require.Len(t, changes, 2)
	assert.Equal(t, "b.go", changes[0].Path)
	assert.Equal(t, ChangeDelete, changes[0].Type)
	assert.Equal(t, "a.go", changes[1].Path)
	assert.Equal(t, ChangeModify, changes[1].Type)
	assert.NotEqual(t, firstHash, tree.RootHash())
}

func TestFileDigestTree_Update_TargetsOnlyTouchedPaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a")
	writeFile(t, dir, "b.go", "package b")

	tree := newTestTree(t, dir)
	_, err := tree.FullScan(context.Background())
	require.NoError(t, err)

	writeFile(t, dir, "a.go", "package a // updated")
	writeFile(t, dir, "c.go", "package c")

	changes, err := tree.Update(context.Background(), []string{"a.go", "c.go"})
	require.NoError(t, err)

	require.Len(t, changes, 2)
	assert.ElementsMatch(t, []Change{
		{Path: "a.go", Type: ChangeModify},
		{Path: "c.go", Type: ChangeAdd},
	}, changes)

	node, ok := tree.GetNode("b.go")
	require.True(t, ok)
	assert.Equal(t, "b.go", node.RelativePath)
}

func TestFileDigestTree_Update_DetectsDeletion(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a")

	tree := newTestTree(t, dir)
	_, err := tree.FullScan(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, "a.go")))

	changes, err := tree.Update(context.Background(), []string{"a.go"})
	require.NoError(t, err)

	require.Len(t, changes, 1)
	assert.Equal(t, ChangeDelete, changes[0].Type)

	_, ok := tree.GetNode("a.go")
	assert.False(t, ok)
}

func TestFileDigestTree_SaveLoad_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a")
	writeFile(t, dir, "b.go", "package b")

	tree := newTestTree(t, dir)
	_, err := tree.FullScan(context.Background())
	require.NoError(t, err)

	savePath := filepath.Join(t.TempDir(), "tree.json")
	require.NoError(t, tree.Save(savePath))

	loaded := newTestTree(t, dir)
	require.NoError(t, loaded.Load(savePath))

	assert.Equal(t, tree.RootHash(), loaded.RootHash())
	assert.Equal(t, tree.AllPaths(), loaded.AllPaths())
}

func TestFileDigestTree_Load_RejectsTamperedState(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a")

	tree := newTestTree(t, dir)
	_, err := tree.FullScan(context.Background())
	require.NoError(t, err)

	savePath := filepath.Join(t.TempDir(), "tree.json")
	require.NoError(t, tree.Save(savePath))
	require.NoError(t, os.WriteFile(savePath, []byte(`{"nodes":[{"relative_path":"a.go","size":1,"mtime":"2020-01-01T00:00:00Z","content_hash":"deadbeef"}],"root_hash":"notarealhash"}`), 0o644))

	loaded := newTestTree(t, dir)
	err = loaded.Load(savePath)
	assert.Error(t, err)
	assert.Empty(t, loaded.RootHash())
}

func TestFileDigestTree_GetNode_MissingPathReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	tree := newTestTree(t, dir)

	_, ok := tree.GetNode("nope.go")
	assert.False(t, ok)
}
