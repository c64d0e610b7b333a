package digest

import (
	"encoding/json"
	"os"
	"path/filepath"

	cgerrors "github.com/codeglyph/codeglyph/internal/errors"
)

// persistedState is the on-disk shape of a FileDigestTree: the node set
// plus the root hash it produced, so a reload can check the two still
// agree before trusting the cache.
type persistedState struct {
	Nodes    []FileNode `json:"nodes"`
	RootHash string     `json:"root_hash"`
}

// Save writes the tree's current state to path as JSON.
func (t *FileDigestTree) Save(path string) error {
	t.mu.RLock()
	state := persistedState{
		Nodes:    make([]FileNode, 0, len(t.nodes)),
		RootHash: t.rootHash,
	}
	for _, n := range t.nodes {
		state.Nodes = append(state.Nodes, *n)
	}
	t.mu.RUnlock()

	data, err := json.Marshal(state)
	if err != nil {
		return cgerrors.Wrap(cgerrors.KindInitFailed, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return cgerrors.Wrap(cgerrors.KindInitFailed, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return cgerrors.Wrap(cgerrors.KindInitFailed, err)
	}
	return os.Rename(tmp, path)
}

// Load reads a previously saved tree from path. It recomputes the root
// hash from the loaded nodes and compares it against the persisted
// value; a mismatch means the cache is untrustworthy (partial write,
// manual edit, format drift) and Load returns ErrInitFailed so the
// caller discards it and falls back to FullScan instead of trusting
// stale or corrupted state.
func (t *FileDigestTree) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return cgerrors.Wrap(cgerrors.KindInitFailed, err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return cgerrors.Wrap(cgerrors.KindInitFailed, err)
	}

	nodes := make(map[string]*FileNode, len(state.Nodes))
	for i := range state.Nodes {
		n := state.Nodes[i]
		nodes[n.RelativePath] = &n
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes = nodes
	t.recomputeRootHashLocked()

	if t.rootHash != state.RootHash {
		t.nodes = make(map[string]*FileNode)
		t.rootHash = ""
		return cgerrors.New(cgerrors.KindInitFailed, "persisted digest tree failed root hash verification", nil)
	}
	return nil
}
