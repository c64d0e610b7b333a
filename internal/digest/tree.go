package digest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	cgerrors "github.com/codeglyph/codeglyph/internal/errors"
	"github.com/codeglyph/codeglyph/internal/scanner"
)

// Walker discovers the indexable files under a workspace. *scanner.Scanner
// satisfies this directly; tests substitute a stub.
type Walker interface {
	Scan(ctx context.Context, opts *scanner.ScanOptions) (<-chan scanner.ScanResult, error)
}

// FileDigestTree is an ordered, content-addressed snapshot of a
// workspace's files. Its root hash is a pure function of the contained
// (path, content_hash) pairs: equal trees, built in any traversal order,
// produce equal root hashes because aggregation always walks paths in
// sorted order.
type FileDigestTree struct {
	mu sync.RWMutex

	root     string
	walker   Walker
	scanOpts scanner.ScanOptions

	nodes    map[string]*FileNode
	rootHash string
}

// New creates an empty FileDigestTree for root, ready for FullScan.
// scanOpts.RootDir is overwritten with root on every scan.
func New(root string, walker Walker, scanOpts scanner.ScanOptions) *FileDigestTree {
	return &FileDigestTree{
		root:     root,
		walker:   walker,
		scanOpts: scanOpts,
		nodes:    make(map[string]*FileNode),
	}
}

// FullScan walks the entire workspace, digesting every candidate file,
// and returns the changes relative to the tree's previous contents. The
// tree is mutated in place and its root hash recomputed before return.
func (t *FileDigestTree) FullScan(ctx context.Context) ([]Change, error) {
	opts := t.scanOpts
	opts.RootDir = t.root

	results, err := t.walker.Scan(ctx, &opts)
	if err != nil {
		return nil, cgerrors.Wrap(cgerrors.KindInitFailed, err)
	}

	newNodes := make(map[string]*FileNode)
	for r := range results {
		select {
		case <-ctx.Done():
			return nil, cgerrors.New(cgerrors.KindCancelled, "full scan cancelled", ctx.Err())
		default:
		}

		if r.Error != nil {
			// Per-file read errors are recovered locally: skip, don't abort.
			continue
		}

		hash, err := hashFile(r.File.AbsPath)
		if err != nil {
			continue
		}

		newNodes[r.File.Path] = &FileNode{
			RelativePath: r.File.Path,
			Size:         r.File.Size,
			ModTime:      r.File.ModTime,
			ContentHash:  hash,
		}
	}

	t.mu.Lock()
	changes := diffNodes(t.nodes, newNodes)
	t.nodes = newNodes
	t.recomputeRootHashLocked()
	t.mu.Unlock()

	return changes, nil
}

// Update re-digests only the given paths (relative to root) rather than
// walking the whole workspace, for the incremental on_files_changed path.
// A path absent from disk is treated as deleted regardless of whether it
// was previously tracked.
func (t *FileDigestTree) Update(ctx context.Context, touched []string) ([]Change, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var changes []Change
	for _, relPath := range touched {
		select {
		case <-ctx.Done():
			return nil, cgerrors.New(cgerrors.KindCancelled, "incremental update cancelled", ctx.Err())
		default:
		}

		absPath := filepath.Join(t.root, filepath.FromSlash(relPath))
		info, err := os.Stat(absPath)
		if err != nil || info.IsDir() {
			if _, tracked := t.nodes[relPath]; tracked {
				delete(t.nodes, relPath)
				changes = append(changes, Change{Path: relPath, Type: ChangeDelete})
			}
			continue
		}

		hash, err := hashFile(absPath)
		if err != nil {
			continue
		}

		existing, tracked := t.nodes[relPath]
		node := &FileNode{
			RelativePath: relPath,
			Size:         info.Size(),
			ModTime:      info.ModTime(),
			ContentHash:  hash,
		}

		switch {
		case !tracked:
			changes = append(changes, Change{Path: relPath, Type: ChangeAdd})
		case existing.ContentHash != hash:
			changes = append(changes, Change{Path: relPath, Type: ChangeModify})
		default:
			// Unchanged; still refresh size/mtime in case they drifted
			// without a content change (e.g. touch).
		}

		t.nodes[relPath] = node
	}

	t.recomputeRootHashLocked()
	sortChanges(changes)
	return changes, nil
}

// GetNode returns the tracked node for path, if any.
func (t *FileDigestTree) GetNode(path string) (*FileNode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[path]
	return n, ok
}

// AllPaths returns every tracked path in lexicographic order.
func (t *FileDigestTree) AllPaths() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	paths := make([]string, 0, len(t.nodes))
	for p := range t.nodes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// RootHash returns the tree's current aggregate digest.
func (t *FileDigestTree) RootHash() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootHash
}

// recomputeRootHashLocked must be called with mu held.
func (t *FileDigestTree) recomputeRootHashLocked() {
	paths := make([]string, 0, len(t.nodes))
	for p := range t.nodes {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		fmt.Fprintf(h, "%s:%s\n", p, t.nodes[p].ContentHash)
	}
	t.rootHash = hex.EncodeToString(h.Sum(nil))
}

// diffNodes classifies every path that appears in old or new (or both
// with differing content hashes) as an Add, Modify, or Delete, in the
// deterministic order Delete > Modify > Add, then path.
func diffNodes(old, updated map[string]*FileNode) []Change {
	var changes []Change

	for path, oldNode := range old {
		newNode, stillPresent := updated[path]
		if !stillPresent {
			changes = append(changes, Change{Path: path, Type: ChangeDelete})
			continue
		}
		if newNode.ContentHash != oldNode.ContentHash {
			changes = append(changes, Change{Path: path, Type: ChangeModify})
		}
	}

	for path := range updated {
		if _, existedBefore := old[path]; !existedBefore {
			changes = append(changes, Change{Path: path, Type: ChangeAdd})
		}
	}

	sortChanges(changes)
	return changes
}

var changeTypeOrder = map[ChangeType]int{
	ChangeDelete: 0,
	ChangeModify: 1,
	ChangeAdd:    2,
}

func sortChanges(changes []Change) {
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Type != changes[j].Type {
			return changeTypeOrder[changes[i].Type] < changeTypeOrder[changes[j].Type]
		}
		return changes[i].Path < changes[j].Path
	})
}

// hashFile computes the SHA256 digest of a file's bytes.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
