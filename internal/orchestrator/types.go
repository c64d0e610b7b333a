// Package orchestrator wires the scanning, chunking, caching, embedding,
// scheduling and vector-store components into the one public surface a
// caller drives a workspace's semantic index through: index, incremental
// update, retrieve, delete, status, and stats.
package orchestrator

import "time"

// MaxQueryChars bounds a retrieve query's length. A longer query is
// rejected with QueryTooLong before it ever reaches the embedding
// provider.
const MaxQueryChars = 10_000

// KMax bounds retrieve's top_k: a caller asking for more than this many
// hits gets KMax instead of an error.
const KMax = 200

// ForceRebuildThreshold is the fraction of a tree's tracked paths the
// vector table must already hold for an unchanged workspace to be
// treated as up to date. Below it, a full rebuild is safer than trusting
// a table that has drifted (e.g. from an interrupted prior refresh).
const ForceRebuildThreshold = 0.9

// Phase mirrors scheduler.Phase plus the two states only the orchestrator
// itself observes: idle (never indexed, or fully settled) and waiting
// (queued behind another workspace's scan slot).
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseWaitingScan Phase = "waiting_scan"
	PhaseScanning    Phase = "scanning"
	PhaseEmbedding   Phase = "embedding"
	PhaseSaving      Phase = "saving"
	PhaseDone        Phase = "done"
)

// IndexStatus reports a workspace's current refresh state. ErrorMessage
// is non-empty after a failed refresh and cleared by the next successful
// one.
type IndexStatus struct {
	Workspace    string
	Phase        Phase
	Indexing     bool
	LastIndexed  time.Time
	ErrorMessage string
}

// IndexStats aggregates a workspace's index contents. Stats are
// best-effort: a component that cannot answer leaves its fields at zero
// rather than failing the whole call.
type IndexStats struct {
	Chunks            int
	UniqueFiles       int
	LanguageHistogram map[string]int
	CacheRows         int64
	CacheBytes        int64
}

// ProviderSpec selects an embedding provider and model for a workspace.
// An empty Model lets the provider pick its own default.
type ProviderSpec struct {
	Provider string
	Model    string
}

// ProgressEvent is emitted during index/on_files_changed so a caller can
// render progress. Description carries a human-readable phase label, or
// the error's message as the final event before a failed refresh
// unwinds.
type ProgressEvent struct {
	Workspace   string
	Phase       Phase
	FilesDone   int
	FilesTotal  int
	CurrentFile string
	Description string
}

// ProgressFunc receives progress events during a refresh. A nil
// ProgressFunc is valid and simply discards them.
type ProgressFunc func(ProgressEvent)

func (f ProgressFunc) emit(evt ProgressEvent) {
	if f != nil {
		f(evt)
	}
}
