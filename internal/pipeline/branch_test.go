package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGraph counts attached resources per session and kind.
type fakeGraph struct {
	mu       sync.Mutex
	attached map[string]map[BranchKind]int
	attachFn func(sessionID string, kind BranchKind) error
	detaches int32
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{attached: make(map[string]map[BranchKind]int)}
}

func (g *fakeGraph) AttachBranch(sessionID string, kind BranchKind) (*Resource, error) {
	if g.attachFn != nil {
		if err := g.attachFn(sessionID, kind); err != nil {
			return nil, err
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.attached[sessionID] == nil {
		g.attached[sessionID] = make(map[BranchKind]int)
	}
	g.attached[sessionID][kind]++
	return &Resource{SessionID: sessionID, Kind: kind}, nil
}

func (g *fakeGraph) DetachBranch(res *Resource) {
	atomic.AddInt32(&g.detaches, 1)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attached[res.SessionID][res.Kind]--
}

func (g *fakeGraph) count(sessionID string, kind BranchKind) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attached[sessionID][kind]
}

func startManager(t *testing.T, g Graph) *Manager {
	t.Helper()
	logger := zerolog.Nop()
	m := NewManager(g, &logger)
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(func() {
		cancel()
		m.Wait()
	})
	return m
}

func TestCreateRejectsDuplicateKind(t *testing.T) {
	g := newFakeGraph()
	m := startManager(t, g)

	first := <-m.Create(context.Background(), "s1", RealtimeEncode)
	require.NoError(t, first.Err)

	second := <-m.Create(context.Background(), "s1", RealtimeEncode)
	require.ErrorIs(t, second.Err, ErrDuplicateBranch)
	assert.Equal(t, 1, g.count("s1", RealtimeEncode))

	// A different kind for the same session is fine.
	relay := <-m.Create(context.Background(), "s1", RelaySink)
	require.NoError(t, relay.Err)
}

func TestDestroyIsIdempotent(t *testing.T) {
	g := newFakeGraph()
	m := startManager(t, g)

	res := <-m.Create(context.Background(), "s1", RealtimeEncode)
	require.NoError(t, res.Err)

	<-m.Destroy(res.Branch)
	<-m.Destroy(res.Branch)

	assert.Equal(t, int32(1), atomic.LoadInt32(&g.detaches))
	assert.Equal(t, 0, g.count("s1", RealtimeEncode))

	// The kind is free again after destroy.
	again := <-m.Create(context.Background(), "s1", RealtimeEncode)
	require.NoError(t, again.Err)
}

func TestCreateCancelledBeforeRun(t *testing.T) {
	g := newFakeGraph()
	m := startManager(t, g)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := <-m.Create(ctx, "s1", RealtimeEncode)
	require.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 0, g.count("s1", RealtimeEncode))
}

func TestLateCompletionAfterCancelIsDetached(t *testing.T) {
	g := newFakeGraph()
	ctx, cancel := context.WithCancel(context.Background())
	// Cancel while the graph is attaching: the completed resource must be
	// detached instead of handed to the dead session.
	g.attachFn = func(string, BranchKind) error {
		cancel()
		return nil
	}
	m := startManager(t, g)

	res := <-m.Create(ctx, "s1", RealtimeEncode)
	require.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 0, g.count("s1", RealtimeEncode))
	assert.Equal(t, int32(1), atomic.LoadInt32(&g.detaches))
}

func TestAttachErrorPropagates(t *testing.T) {
	g := newFakeGraph()
	g.attachFn = func(string, BranchKind) error { return ErrEncoderUnavailable }
	m := startManager(t, g)

	res := <-m.Create(context.Background(), "s1", RealtimeEncode)
	require.ErrorIs(t, res.Err, ErrEncoderUnavailable)
}

// TestConcurrentCreateDestroyInvariant fuzzes create/destroy across many
// sessions and checks a session never holds two branches of one kind.
func TestConcurrentCreateDestroyInvariant(t *testing.T) {
	g := newFakeGraph()
	m := startManager(t, g)

	sessions := []string{"a", "b", "c", "d", "e"}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for j := 0; j < 50; j++ {
				id := sessions[rnd.Intn(len(sessions))]
				kind := BranchKind(rnd.Intn(2))
				res := <-m.Create(context.Background(), id, kind)
				if res.Err != nil {
					if !errors.Is(res.Err, ErrDuplicateBranch) {
						t.Errorf("unexpected create error: %v", res.Err)
					}
					continue
				}
				if rnd.Intn(2) == 0 {
					time.Sleep(time.Duration(rnd.Intn(100)) * time.Microsecond)
				}
				<-m.Destroy(res.Branch)
			}
		}(int64(i))
	}
	wg.Wait()

	for _, id := range sessions {
		for _, kind := range []BranchKind{RealtimeEncode, RelaySink} {
			if n := g.count(id, kind); n < 0 || n > 1 {
				t.Fatalf("session %s holds %d branches of kind %s", id, n, kind)
			}
		}
	}
}

func TestRunDrainDetachesRemaining(t *testing.T) {
	g := newFakeGraph()
	logger := zerolog.Nop()
	m := NewManager(g, &logger)
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)

	res := <-m.Create(context.Background(), "s1", RelaySink)
	require.NoError(t, res.Err)

	cancel()
	m.Wait()
	assert.Equal(t, 0, g.count("s1", RelaySink))

	late := <-m.Create(context.Background(), "s2", RelaySink)
	require.ErrorIs(t, late.Err, ErrManagerClosed)
}
