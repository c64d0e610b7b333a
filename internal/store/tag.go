package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// IndexTag names a single physical table: one directory, indexed under
// one embedding model identity, optionally scoped to a branch. Changing
// ArtifactID (switching embedding models) always yields a disjoint
// table; two workspaces never share rows.
type IndexTag struct {
	Directory  string
	ArtifactID string
	Branch     string
}

// Key returns a deterministic, filesystem-safe identifier for the tag,
// used both as the in-memory registry key and as the on-disk table
// filename.
func (t IndexTag) Key() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s", t.Directory, t.ArtifactID, t.Branch)
	return hex.EncodeToString(h.Sum(nil))
}

func (t IndexTag) String() string {
	if t.Branch == "" {
		return fmt.Sprintf("%s@%s", t.Directory, t.ArtifactID)
	}
	return fmt.Sprintf("%s@%s#%s", t.Directory, t.ArtifactID, t.Branch)
}
