package pipeline

import (
	"context"

	"github.com/rs/zerolog"
)

// Branch is a live entry in the Manager's arena. Its fields are only
// touched on the Manager goroutine; callers treat it as an opaque handle.
type Branch struct {
	sessionID string
	kind      BranchKind
	res       *Resource
	destroyed bool
}

// SessionID returns the owning session.
func (b *Branch) SessionID() string { return b.sessionID }

// Kind returns the media path this branch feeds.
func (b *Branch) Kind() BranchKind { return b.kind }

// Resource returns the pipeline handle backing this branch.
func (b *Branch) Resource() *Resource { return b.res }

// CreateResult is delivered on the future returned by Create.
type CreateResult struct {
	Branch *Branch
	Err    error
}

// Manager owns the session-to-branch arena. All graph mutation runs on
// the goroutine started by Run; callers never block on completion, they
// observe it through the returned futures.
type Manager struct {
	graph  Graph
	logger zerolog.Logger

	ops  chan func(arena map[string]map[BranchKind]*Branch)
	quit chan struct{}
	done chan struct{}
}

// NewManager returns a Manager driving the given media graph.
func NewManager(graph Graph, logger *zerolog.Logger) *Manager {
	return &Manager{
		graph:  graph,
		logger: logger.With().Str("component", "branch-manager").Logger(),
		ops:    make(chan func(map[string]map[BranchKind]*Branch), 64),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run executes branch operations until ctx is cancelled, then detaches
// every remaining branch. It must be called exactly once.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)

	arena := make(map[string]map[BranchKind]*Branch)
	for {
		select {
		case op := <-m.ops:
			op(arena)
		case <-ctx.Done():
			close(m.quit)
			m.drain(arena)
			return
		}
	}
}

// drain tears down all remaining branches on shutdown.
func (m *Manager) drain(arena map[string]map[BranchKind]*Branch) {
	for id, kinds := range arena {
		for _, b := range kinds {
			if !b.destroyed {
				b.destroyed = true
				m.graph.DetachBranch(b.res)
			}
		}
		delete(arena, id)
	}
	m.logger.Info().Msg("branch arena drained")
}

// Wait blocks until Run has returned.
func (m *Manager) Wait() { <-m.done }

func (m *Manager) submit(op func(map[string]map[BranchKind]*Branch)) error {
	select {
	case <-m.quit:
		return ErrManagerClosed
	default:
	}
	select {
	case <-m.quit:
		return ErrManagerClosed
	case m.ops <- op:
		return nil
	}
}

// Create allocates a branch for the session. The returned future receives
// exactly one result. If ctx is cancelled before the operation runs, or a
// late completion races with cancellation, the resource is detached
// immediately instead of being handed to a dead session.
func (m *Manager) Create(ctx context.Context, sessionID string, kind BranchKind) <-chan CreateResult {
	future := make(chan CreateResult, 1)

	err := m.submit(func(arena map[string]map[BranchKind]*Branch) {
		if err := ctx.Err(); err != nil {
			future <- CreateResult{Err: err}
			return
		}
		kinds := arena[sessionID]
		if _, exists := kinds[kind]; exists {
			future <- CreateResult{Err: ErrDuplicateBranch}
			return
		}

		res, err := m.graph.AttachBranch(sessionID, kind)
		if err != nil {
			future <- CreateResult{Err: err}
			return
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			// The session died while the graph was attaching.
			m.graph.DetachBranch(res)
			future <- CreateResult{Err: ctxErr}
			return
		}

		if kinds == nil {
			kinds = make(map[BranchKind]*Branch, 2)
			arena[sessionID] = kinds
		}
		b := &Branch{sessionID: sessionID, kind: kind, res: res}
		kinds[kind] = b
		m.logger.Debug().Str("session_id", sessionID).Stringer("kind", kind).Msg("created branch")
		future <- CreateResult{Branch: b}
	})
	if err != nil {
		future <- CreateResult{Err: err}
	}
	return future
}

// Destroy releases the branch. Safe to call twice: teardown can race with
// a session failing on its own, so the second call is a no-op. The
// returned channel closes once the release has executed.
func (m *Manager) Destroy(b *Branch) <-chan struct{} {
	released := make(chan struct{})
	if b == nil {
		close(released)
		return released
	}

	err := m.submit(func(arena map[string]map[BranchKind]*Branch) {
		defer close(released)
		if b.destroyed {
			return
		}
		b.destroyed = true
		if kinds := arena[b.sessionID]; kinds != nil {
			delete(kinds, b.kind)
			if len(kinds) == 0 {
				delete(arena, b.sessionID)
			}
		}
		m.graph.DetachBranch(b.res)
		m.logger.Debug().Str("session_id", b.sessionID).Stringer("kind", b.kind).Msg("destroyed branch")
	})
	if err != nil {
		close(released)
	}
	return released
}
