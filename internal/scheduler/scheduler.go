// Package scheduler enforces the two global concurrency ceilings that
// every workspace refresh shares — bounded parallel scanning and fully
// serialized embedding — together with the one-refresh-per-workspace
// rule that keeps a single workspace's state machine from overlapping
// itself.
package scheduler

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	cgerrors "github.com/codeglyph/codeglyph/internal/errors"
)

// Phase is a stage in a workspace's refresh state machine. Transitions
// are serial per workspace: Scan, then Embed, then Save, then Done.
type Phase string

const (
	PhaseScan  Phase = "scan"
	PhaseEmbed Phase = "embed"
	PhaseSave  Phase = "save"
	PhaseDone  Phase = "done"
)

const (
	// DefaultScanSlots bounds how many workspaces may scan concurrently.
	DefaultScanSlots = 3

	// DefaultEmbedSlots is always 1: embedding is serialized globally
	// because local models OOM and remote ones rate-limit under
	// concurrent load.
	DefaultEmbedSlots = 1
)

// Scheduler holds the two semaphores and the active-workspace set.
// A single Scheduler is shared across every workspace the orchestrator
// manages.
type Scheduler struct {
	scanSem  *semaphore.Weighted
	embedSem *semaphore.Weighted

	mu     sync.Mutex
	active map[string]Phase
}

// New creates a Scheduler with scanSlots concurrent scan permits and
// embedSlots concurrent embed permits. A value <= 0 falls back to the
// spec default for that semaphore.
func New(scanSlots, embedSlots int) *Scheduler {
	if scanSlots <= 0 {
		scanSlots = DefaultScanSlots
	}
	if embedSlots <= 0 {
		embedSlots = DefaultEmbedSlots
	}
	return &Scheduler{
		scanSem:  semaphore.NewWeighted(int64(scanSlots)),
		embedSem: semaphore.NewWeighted(int64(embedSlots)),
		active:   make(map[string]Phase),
	}
}

// Enter registers workspace as actively refreshing and returns a leave
// function that must be deferred by the caller. A second Enter for the
// same workspace while the first is still active fails with
// ErrAlreadyIndexing: refreshes never overlap within one workspace.
func (s *Scheduler) Enter(workspace string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[workspace]; ok {
		return nil, cgerrors.New(cgerrors.KindAlreadyIndexing, "workspace is already indexing", nil).
			WithDetail("workspace", workspace)
	}
	s.active[workspace] = PhaseScan
	return func() { s.leave(workspace) }, nil
}

func (s *Scheduler) leave(workspace string) {
	s.mu.Lock()
	delete(s.active, workspace)
	s.mu.Unlock()
}

// Phase reports the current phase of an active workspace.
func (s *Scheduler) Phase(workspace string) (Phase, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.active[workspace]
	return p, ok
}

func (s *Scheduler) setPhase(workspace string, p Phase) {
	s.mu.Lock()
	if _, ok := s.active[workspace]; ok {
		s.active[workspace] = p
	}
	s.mu.Unlock()
}

// AcquireScan blocks until a scan permit is free or ctx is cancelled.
// onWaiting, if non-nil, fires once if the permit was not immediately
// available, so a caller can surface a "waiting" progress event before
// blocking.
func (s *Scheduler) AcquireScan(ctx context.Context, workspace string, onWaiting func()) (func(), error) {
	s.setPhase(workspace, PhaseScan)

	if s.scanSem.TryAcquire(1) {
		return func() { s.scanSem.Release(1) }, nil
	}
	if onWaiting != nil {
		onWaiting()
	}
	if err := s.scanSem.Acquire(ctx, 1); err != nil {
		return nil, cgerrors.New(cgerrors.KindCancelled, "cancelled while waiting for a scan slot", err)
	}
	return func() { s.scanSem.Release(1) }, nil
}

// AcquireEmbed blocks for the single global embedding permit, marking
// workspace's phase as Embed once acquired.
func (s *Scheduler) AcquireEmbed(ctx context.Context, workspace string) (func(), error) {
	s.setPhase(workspace, PhaseEmbed)
	if err := s.embedSem.Acquire(ctx, 1); err != nil {
		return nil, cgerrors.New(cgerrors.KindCancelled, "cancelled while waiting for the embed slot", err)
	}
	return func() { s.embedSem.Release(1) }, nil
}

// MarkSaving transitions workspace to the Save phase. Called around the
// two FileDigestTree persists that bracket an apply.
func (s *Scheduler) MarkSaving(workspace string) { s.setPhase(workspace, PhaseSave) }

// MarkDone transitions workspace to its terminal Done phase.
func (s *Scheduler) MarkDone(workspace string) { s.setPhase(workspace, PhaseDone) }

// CheckCancelled is the shared observation point used immediately before
// a scan begins and immediately before a VectorStore write commits. The
// between-file-batch and between-embed-batch checks live inside
// store.Registry.Apply itself, since only it sees the sub-batch loop.
func CheckCancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return cgerrors.New(cgerrors.KindCancelled, "refresh cancelled", ctx.Err())
	default:
		return nil
	}
}

// ActiveWorkspaces returns a snapshot of every workspace currently
// registered, keyed by its current phase. Intended for diagnostics.
func (s *Scheduler) ActiveWorkspaces() map[string]Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(map[string]Phase, len(s.active))
	for k, v := range s.active {
		snap[k] = v
	}
	return snap
}

func (p Phase) String() string { return string(p) }
