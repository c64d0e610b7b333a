package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cgerrors "github.com/codeglyph/codeglyph/internal/errors"
)

func TestEnter_RejectsReentrantWorkspace(t *testing.T) {
	s := New(DefaultScanSlots, DefaultEmbedSlots)

	leave, err := s.Enter("ws1")
	require.NoError(t, err)
	defer leave()

	_, err = s.Enter("ws1")
	require.Error(t, err)
	assert.Equal(t, cgerrors.KindAlreadyIndexing, cgerrors.KindOf(err))
}

func TestEnter_AllowsDistinctWorkspaces(t *testing.T) {
	s := New(DefaultScanSlots, DefaultEmbedSlots)

	leave1, err := s.Enter("ws1")
	require.NoError(t, err)
	defer leave1()

	leave2, err := s.Enter("ws2")
	require.NoError(t, err)
	defer leave2()
}

func TestEnter_ReleasedWorkspaceCanReenter(t *testing.T) {
	s := New(DefaultScanSlots, DefaultEmbedSlots)

	leave, err := s.Enter("ws1")
	require.NoError(t, err)
	leave()

	_, err = s.Enter("ws1")
	require.NoError(t, err)
}

func TestAcquireScan_BoundsConcurrency(t *testing.T) {
	s := New(1, DefaultEmbedSlots)
	ctx := context.Background()

	release, err := s.AcquireScan(ctx, "ws1", nil)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	var waited bool
	_, err = s.AcquireScan(waitCtx, "ws2", func() { waited = true })
	require.Error(t, err)
	assert.True(t, waited, "second acquire should have had to wait for the single scan slot")
	assert.Equal(t, cgerrors.KindCancelled, cgerrors.KindOf(err))

	release()
}

func TestAcquireEmbed_SerializesGlobally(t *testing.T) {
	s := New(DefaultScanSlots, 1)
	ctx := context.Background()

	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			release, err := s.AcquireEmbed(ctx, "ws")
			if err != nil {
				return
			}
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			release()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, maxInFlight, "embedding must never run concurrently across workspaces")
}

func TestPhaseTransitions(t *testing.T) {
	s := New(DefaultScanSlots, DefaultEmbedSlots)
	ctx := context.Background()

	leave, err := s.Enter("ws1")
	require.NoError(t, err)
	defer leave()

	phase, ok := s.Phase("ws1")
	require.True(t, ok)
	assert.Equal(t, PhaseScan, phase)

	releaseScan, err := s.AcquireScan(ctx, "ws1", nil)
	require.NoError(t, err)
	defer releaseScan()

	releaseEmbed, err := s.AcquireEmbed(ctx, "ws1")
	require.NoError(t, err)
	phase, _ = s.Phase("ws1")
	assert.Equal(t, PhaseEmbed, phase)
	releaseEmbed()

	s.MarkSaving("ws1")
	phase, _ = s.Phase("ws1")
	assert.Equal(t, PhaseSave, phase)

	s.MarkDone("ws1")
	phase, _ = s.Phase("ws1")
	assert.Equal(t, PhaseDone, phase)
}

func TestCheckCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.NoError(t, CheckCancelled(ctx))

	cancel()
	err := CheckCancelled(ctx)
	require.Error(t, err)
	assert.Equal(t, cgerrors.KindCancelled, cgerrors.KindOf(err))
}

func TestActiveWorkspaces_Snapshot(t *testing.T) {
	s := New(DefaultScanSlots, DefaultEmbedSlots)

	leave1, err := s.Enter("ws1")
	require.NoError(t, err)
	defer leave1()

	leave2, err := s.Enter("ws2")
	require.NoError(t, err)
	defer leave2()

	snap := s.ActiveWorkspaces()
	assert.Len(t, snap, 2)
	assert.Equal(t, PhaseScan, snap["ws1"])
	assert.Equal(t, PhaseScan, snap["ws2"])
}
