package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railview/spotter/internal/backoff"
	"github.com/railview/spotter/internal/pipeline"
	"github.com/railview/spotter/internal/relay"
)

// fastPolicy keeps the full retry ladder under a few milliseconds so the
// exhaustion path runs quickly.
var fastPolicy = backoff.Policy{
	Base:        2 * time.Millisecond,
	Multiplier:  1.5,
	Cap:         8 * time.Millisecond,
	MaxAttempts: 5,
}

type fakeGraph struct {
	mu       sync.Mutex
	attachFn func(sessionID string, kind pipeline.BranchKind) (*pipeline.Resource, error)
	attaches map[pipeline.BranchKind]int
	detaches int
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{attaches: make(map[pipeline.BranchKind]int)}
}

func (g *fakeGraph) AttachBranch(sessionID string, kind pipeline.BranchKind) (*pipeline.Resource, error) {
	g.mu.Lock()
	g.attaches[kind]++
	fn := g.attachFn
	g.mu.Unlock()

	if fn != nil {
		return fn(sessionID, kind)
	}
	res := &pipeline.Resource{SessionID: sessionID, Kind: kind}
	if kind == pipeline.RealtimeEncode {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}, "video", "spotter",
		)
		if err != nil {
			return nil, err
		}
		res.Track = track
	}
	return res, nil
}

func (g *fakeGraph) DetachBranch(_ *pipeline.Resource) {
	g.mu.Lock()
	g.detaches++
	g.mu.Unlock()
}

func (g *fakeGraph) count(kind pipeline.BranchKind) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attaches[kind]
}

func (g *fakeGraph) detachCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.detaches
}

// signalRecorder captures everything the negotiator pushes outward.
type signalRecorder struct {
	mu         sync.Mutex
	offers     []*webrtc.SessionDescription
	candidates []string
	closed     []string
}

func (r *signalRecorder) sendOffer(d *webrtc.SessionDescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offers = append(r.offers, d)
	return nil
}

func (r *signalRecorder) sendCandidate(c *webrtc.ICECandidate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candidates = append(r.candidates, c.ToJSON().Candidate)
	return nil
}

func (r *signalRecorder) onClosed(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, reason)
}

func (r *signalRecorder) offerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.offers)
}

func (r *signalRecorder) lastOffer() *webrtc.SessionDescription {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.offers) == 0 {
		return nil
	}
	return r.offers[len(r.offers)-1]
}

func (r *signalRecorder) sentCandidates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.candidates))
	copy(out, r.candidates)
	return out
}

func (r *signalRecorder) closedReasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.closed))
	copy(out, r.closed)
	return out
}

type recordObserver struct {
	mu          sync.Mutex
	transitions []Transport
	retries     []int
}

func (o *recordObserver) StateChanged(_ string, _, to Transport) {
	o.mu.Lock()
	o.transitions = append(o.transitions, to)
	o.mu.Unlock()
}

func (o *recordObserver) RetryScheduled(_ string, retryCount int) {
	o.mu.Lock()
	o.retries = append(o.retries, retryCount)
	o.mu.Unlock()
}

func (o *recordObserver) retryCounts() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]int, len(o.retries))
	copy(out, o.retries)
	return out
}

type env struct {
	graph    *fakeGraph
	branches *pipeline.Manager
	hub      *relay.Hub
	registry *Registry
	logger   zerolog.Logger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		graph:    newFakeGraph(),
		registry: NewRegistry(),
		logger:   zerolog.Nop(),
	}
	e.branches = pipeline.NewManager(e.graph, &e.logger)
	ctx, cancel := context.WithCancel(context.Background())
	go e.branches.Run(ctx)
	t.Cleanup(func() {
		cancel()
		e.branches.Wait()
	})
	e.hub = relay.NewHub(fastPolicy, &e.logger)
	return e
}

func (e *env) negotiator(t *testing.T, id string, rec *signalRecorder, obs Observer, answerTimeout time.Duration) *Negotiator {
	t.Helper()
	n, err := NewNegotiator(id, Config{
		Policy:        fastPolicy,
		AnswerTimeout: answerTimeout,
		SendOffer:     rec.sendOffer,
		SendCandidate: rec.sendCandidate,
		OnClosed:      rec.onClosed,
		Observer:      obs,
	}, e.branches, e.hub, e.registry, &e.logger)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close("test done") })
	return n
}

func TestRetryExhaustionActivatesFallback(t *testing.T) {
	e := newEnv(t)
	rec := &signalRecorder{}
	obs := &recordObserver{}
	n := e.negotiator(t, "s1", rec, obs, 10*time.Millisecond)

	require.NoError(t, n.Start())

	require.Eventually(t, func() bool {
		return n.Status().Transport == TransportFallback
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []int{1, 2, 3, 4, 5}, obs.retryCounts())
	assert.Equal(t, 6, rec.offerCount(), "initial attempt plus five retries")

	require.Eventually(t, func() bool { return e.hub.Active("s1") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, e.graph.count(pipeline.RelaySink), "relay sink is created exactly once")
}

func TestRetryAllocatesFreshBranch(t *testing.T) {
	e := newEnv(t)
	rec := &signalRecorder{}
	obs := &recordObserver{}
	n := e.negotiator(t, "s1", rec, obs, 10*time.Millisecond)

	require.NoError(t, n.Start())

	// The answer never arrives. The first retry must release the failed
	// attempt's encode branch and negotiate again with a fresh one; a held
	// branch would make every re-create die on the duplicate check.
	require.Eventually(t, func() bool { return rec.offerCount() >= 2 }, 5*time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, e.graph.count(pipeline.RealtimeEncode), 2, "each retry negotiates on its own branch")
	assert.GreaterOrEqual(t, e.graph.detachCount(), 1, "the failed attempt's branch is released")
}

func TestRemoteRejectedSkipsRetries(t *testing.T) {
	e := newEnv(t)
	rec := &signalRecorder{}
	obs := &recordObserver{}
	n := e.negotiator(t, "s1", rec, obs, time.Hour)

	require.NoError(t, n.Start())
	require.Eventually(t, func() bool { return rec.offerCount() == 1 }, time.Second, 5*time.Millisecond)

	n.HandleRemoteRejected()

	require.Eventually(t, func() bool {
		return n.Status().Transport == TransportFallback && e.hub.Active("s1")
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, obs.retryCounts(), "an explicit rejection never burns retries")
	assert.Equal(t, 1, e.graph.count(pipeline.RelaySink))

	// A second rejection after fallback is a no-op.
	n.HandleRemoteRejected()
	assert.Equal(t, 1, e.graph.count(pipeline.RelaySink))
}

func TestCloseIsIdempotent(t *testing.T) {
	e := newEnv(t)
	rec := &signalRecorder{}
	n := e.negotiator(t, "s1", rec, &recordObserver{}, time.Hour)

	require.NoError(t, n.Start())
	n.Close("viewer gone")
	n.Close("viewer gone")

	assert.Equal(t, TransportClosed, n.Status().Transport)
	_, ok := e.registry.Get("s1")
	assert.False(t, ok, "closed sessions leave the registry")

	require.Eventually(t, func() bool { return len(rec.closedReasons()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"viewer gone"}, rec.closedReasons())

	require.ErrorIs(t, n.Start(), ErrSessionClosed)
}

func TestAnswerWithoutCredentialsIsRejected(t *testing.T) {
	e := newEnv(t)
	rec := &signalRecorder{}
	obs := &recordObserver{}
	n := e.negotiator(t, "s1", rec, obs, time.Hour)

	require.NoError(t, n.Start())
	require.Eventually(t, func() bool { return rec.offerCount() == 1 }, time.Second, 5*time.Millisecond)

	err := n.HandleAnswer(&webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"})
	require.Error(t, err)

	// The bad answer fails the attempt; the regular retry ladder takes over.
	require.Eventually(t, func() bool { return len(obs.retryCounts()) >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, obs.retryCounts()[0])
}

func TestAnswerFlushesBufferedCandidatesOnce(t *testing.T) {
	e := newEnv(t)
	rec := &signalRecorder{}
	n := e.negotiator(t, "s1", rec, &recordObserver{}, time.Hour)

	require.NoError(t, n.Start())
	require.Eventually(t, func() bool { return rec.offerCount() == 1 }, time.Second, 5*time.Millisecond)
	offer := rec.lastOffer()
	require.NotNil(t, offer)

	remote, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer remote.Close() //nolint:errcheck

	require.NoError(t, remote.SetRemoteDescription(*offer))
	answer, err := remote.CreateAnswer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(remote)
	require.NoError(t, remote.SetLocalDescription(answer))
	<-gathered

	require.NoError(t, n.HandleAnswer(remote.LocalDescription()))

	require.Eventually(t, func() bool { return len(rec.sentCandidates()) >= 1 }, 5*time.Second, 10*time.Millisecond)

	seen := make(map[string]bool)
	for _, c := range rec.sentCandidates() {
		assert.False(t, seen[c], "candidate %q sent twice", c)
		seen[c] = true
	}
}

func TestBufferedCandidatesFlushBeforeDirectSends(t *testing.T) {
	e := newEnv(t)
	rec := &signalRecorder{}

	var (
		n   *Negotiator
		gen int

		orderMu sync.Mutex
		order   []string
	)
	mkCandidate := func(addr string) *webrtc.ICECandidate {
		return &webrtc.ICECandidate{
			Foundation: addr,
			Address:    addr,
			Protocol:   webrtc.ICEProtocolUDP,
			Port:       9,
			Typ:        webrtc.ICECandidateTypeHost,
			Component:  1,
		}
	}
	sendCandidate := func(c *webrtc.ICECandidate) error {
		if c.Address == "buffered-1" {
			// Fire a candidate mid-flush. It sees the remote description
			// set, so it will send directly, but it must queue behind the
			// session lock until the buffer is drained.
			go n.onLocalCandidate(gen, mkCandidate("direct"))
			time.Sleep(5 * time.Millisecond)
		}
		orderMu.Lock()
		order = append(order, c.Address)
		orderMu.Unlock()
		return nil
	}

	var err error
	n, err = NewNegotiator("s1", Config{
		Policy:        fastPolicy,
		AnswerTimeout: time.Hour,
		SendOffer:     rec.sendOffer,
		SendCandidate: sendCandidate,
	}, e.branches, e.hub, e.registry, &e.logger)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close("test done") })

	require.NoError(t, n.Start())
	require.Eventually(t, func() bool { return rec.offerCount() == 1 }, time.Second, 5*time.Millisecond)

	n.mu.Lock()
	gen = n.generation
	n.mu.Unlock()
	n.onLocalCandidate(gen, mkCandidate("buffered-1"))
	n.onLocalCandidate(gen, mkCandidate("buffered-2"))

	remote, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer remote.Close() //nolint:errcheck

	offer := rec.lastOffer()
	require.NotNil(t, offer)
	require.NoError(t, remote.SetRemoteDescription(*offer))
	answer, err := remote.CreateAnswer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(remote)
	require.NoError(t, remote.SetLocalDescription(answer))
	<-gathered

	require.NoError(t, n.HandleAnswer(remote.LocalDescription()))

	require.Eventually(t, func() bool {
		orderMu.Lock()
		defer orderMu.Unlock()
		return indexOf(order, "direct") >= 0
	}, time.Second, 5*time.Millisecond)

	orderMu.Lock()
	defer orderMu.Unlock()
	directAt := indexOf(order, "direct")
	assert.Greater(t, directAt, indexOf(order, "buffered-1"), "direct send overtook the flush")
	assert.Greater(t, directAt, indexOf(order, "buffered-2"), "direct send overtook the flush")
}

func indexOf(list []string, want string) int {
	for i, v := range list {
		if v == want {
			return i
		}
	}
	return -1
}

func TestPostConnectFlapUsesOwnBudget(t *testing.T) {
	e := newEnv(t)
	rec := &signalRecorder{}
	obs := &recordObserver{}
	n := e.negotiator(t, "s1", rec, obs, time.Hour)

	// An established connection that drops must not inherit an exhausted
	// pre-connect budget.
	n.mu.Lock()
	n.sess.Transport = TransportRealtime
	n.sess.RetryCount = fastPolicy.MaxAttempts
	n.failAttemptLocked(ErrTransportFailed)
	transport := n.sess.Transport
	flaps := n.sess.FlapCount
	n.mu.Unlock()

	assert.Equal(t, TransportNegotiating, transport, "a first flap renegotiates instead of falling back")
	assert.Equal(t, 1, flaps)
}

func TestBranchUnavailableClosesSession(t *testing.T) {
	e := newEnv(t)
	e.graph.attachFn = func(string, pipeline.BranchKind) (*pipeline.Resource, error) {
		return nil, pipeline.ErrEncoderUnavailable
	}
	rec := &signalRecorder{}
	n := e.negotiator(t, "s1", rec, &recordObserver{}, time.Hour)

	require.NoError(t, n.Start())

	require.Eventually(t, func() bool {
		return n.Status().Transport == TransportClosed
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"branch-unavailable"}, rec.closedReasons())
	_, ok := e.registry.Get("s1")
	assert.False(t, ok)
	assert.Zero(t, rec.offerCount(), "no offer goes out without a media branch")
}

func TestSessionsFailIndependently(t *testing.T) {
	e := newEnv(t)
	e.graph.attachFn = func(sessionID string, kind pipeline.BranchKind) (*pipeline.Resource, error) {
		if sessionID == "doomed" {
			return nil, pipeline.ErrEncoderUnavailable
		}
		res := &pipeline.Resource{SessionID: sessionID, Kind: kind}
		if kind == pipeline.RealtimeEncode {
			track, err := webrtc.NewTrackLocalStaticSample(
				webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}, "video", "spotter",
			)
			if err != nil {
				return nil, err
			}
			res.Track = track
		}
		return res, nil
	}

	ids := []string{"doomed"}
	for i := 0; i < 50; i++ {
		ids = append(ids, fmt.Sprintf("s%02d", i))
	}
	recs := make(map[string]*signalRecorder, len(ids))
	for _, id := range ids {
		recs[id] = &signalRecorder{}
		n := e.negotiator(t, id, recs[id], &recordObserver{}, time.Hour)
		require.NoError(t, n.Start())
	}

	require.Eventually(t, func() bool {
		_, ok := e.registry.Get("doomed")
		return !ok
	}, 5*time.Second, 10*time.Millisecond)

	for _, id := range ids[1:] {
		id := id
		n, ok := e.registry.Get(id)
		require.True(t, ok, "session %s must survive its neighbour's failure", id)
		assert.Equal(t, TransportNegotiating, n.Status().Transport)
		require.Eventually(t, func() bool { return recs[id].offerCount() == 1 },
			time.Second, 5*time.Millisecond)
	}
}

func TestDuplicateSessionIDRejected(t *testing.T) {
	e := newEnv(t)
	rec := &signalRecorder{}
	e.negotiator(t, "s1", rec, &recordObserver{}, time.Hour)

	_, err := NewNegotiator("s1", Config{Policy: fastPolicy}, e.branches, e.hub, e.registry, &e.logger)
	require.Error(t, err)
}
