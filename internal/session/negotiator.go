package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/railview/spotter/internal/backoff"
	"github.com/railview/spotter/internal/pipeline"
	"github.com/railview/spotter/internal/relay"
	"github.com/railview/spotter/internal/signal"
)

// SendDescriptionFunc delivers a local description to the remote peer.
type SendDescriptionFunc func(*webrtc.SessionDescription) error

// SendCandidateFunc delivers a local ICE candidate to the remote peer.
type SendCandidateFunc func(*webrtc.ICECandidate) error

// ClosedFunc announces session teardown to the remote peer.
type ClosedFunc func(reason string)

// Config carries the per-deployment knobs and signaling bindings of one
// negotiator. SendOffer/SendCandidate are only required for the
// push-variant flow; the pull variant returns its answer synchronously.
type Config struct {
	WebRTC        webrtc.Configuration
	Policy        backoff.Policy
	AnswerTimeout time.Duration

	SendOffer     SendDescriptionFunc
	SendCandidate SendCandidateFunc
	OnClosed      ClosedFunc
	Observer      Observer
}

// Negotiator is the per-session state machine:
//
//	IDLE -> NEGOTIATING -> REALTIME -> {NEGOTIATING | FALLBACK} -> CLOSED
//
// All transitions for one session are serialized behind mu; different
// sessions run fully in parallel. FALLBACK ends the realtime path but
// keeps the session alive under the relay until it is explicitly closed.
type Negotiator struct {
	sess     *Session
	cfg      Config
	branches *pipeline.Manager
	relayHub *relay.Hub
	registry *Registry
	logger   zerolog.Logger

	mu sync.Mutex
	// generation tags the current attempt; async completions carrying a
	// stale generation are discarded instead of mutating a later attempt.
	generation int
	pc         *webrtc.PeerConnection

	realtimeBranch *pipeline.Branch
	relayBranch    *pipeline.Branch
	relayRetries   int

	retryTimer    *time.Timer
	answerTimer   *time.Timer
	attemptCancel context.CancelFunc
}

// NewNegotiator creates the state machine for one session and registers
// it. The returned negotiator is in IDLE until Start or StartWithOffer.
func NewNegotiator(
	id string,
	cfg Config,
	branches *pipeline.Manager,
	relayHub *relay.Hub,
	registry *Registry,
	logger *zerolog.Logger,
) (*Negotiator, error) {
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = backoff.Default
	}
	if cfg.AnswerTimeout == 0 {
		cfg.AnswerTimeout = 10 * time.Second
	}
	n := &Negotiator{
		sess:     &Session{ID: id, Transport: TransportIdle},
		cfg:      cfg,
		branches: branches,
		relayHub: relayHub,
		registry: registry,
		logger:   logger.With().Str("component", "negotiator").Str("session_id", id).Logger(),
	}
	if !registry.Register(n) {
		return nil, fmt.Errorf("session %s already registered", id)
	}
	return n, nil
}

// ID returns the session identifier.
func (n *Negotiator) ID() string { return n.sess.ID }

// Status reports the observable session state.
func (n *Negotiator) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{ID: n.sess.ID, Transport: n.sess.Transport, RetryCount: n.sess.RetryCount}
}

// Start begins asynchronous push-variant negotiation: it requests an
// encode branch, then sends the capability offer over the signaling
// channel and waits (without blocking the caller) for the answer.
func (n *Negotiator) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sess.Transport == TransportClosed {
		return ErrSessionClosed
	}
	n.transitionLocked(TransportNegotiating)
	n.startAttemptLocked()
	return nil
}

// startAttemptLocked kicks one negotiation attempt under a fresh
// generation. Branch creation is asynchronous; everything else follows
// from its completion.
func (n *Negotiator) startAttemptLocked() {
	n.generation++
	gen := n.generation

	ctx, cancel := context.WithCancel(context.Background())
	n.attemptCancel = cancel
	future := n.branches.Create(ctx, n.sess.ID, pipeline.RealtimeEncode)
	go n.awaitEncodeBranch(ctx, gen, future)
}

func (n *Negotiator) awaitEncodeBranch(ctx context.Context, gen int, future <-chan pipeline.CreateResult) {
	var res pipeline.CreateResult
	select {
	case <-ctx.Done():
		return
	case res = <-future:
	}

	n.mu.Lock()
	if n.staleLocked(gen) {
		n.mu.Unlock()
		if res.Branch != nil {
			n.branches.Destroy(res.Branch)
		}
		return
	}
	if res.Err != nil {
		n.failAttemptLocked(res.Err)
		n.mu.Unlock()
		return
	}
	n.realtimeBranch = res.Branch

	offer, err := n.negotiateLocked(gen)
	sendOffer := n.cfg.SendOffer
	n.mu.Unlock()

	if err == nil && sendOffer != nil {
		// Network I/O stays outside the session lock.
		err = sendOffer(offer)
	}
	if err != nil {
		n.logger.Err(err).Msg("negotiation attempt failed before answer")
		n.failAttempt(gen, ErrTransportFailed)
		return
	}

	n.mu.Lock()
	if !n.staleLocked(gen) {
		n.answerTimer = time.AfterFunc(n.cfg.AnswerTimeout, func() {
			n.failAttempt(gen, ErrNegotiationTimeout)
		})
	}
	n.mu.Unlock()
}

// negotiateLocked builds the peer connection and the local offer. The
// offer lists H264 first via the attached track so every viewer can pick
// the passthrough path.
func (n *Negotiator) negotiateLocked(gen int) (*webrtc.SessionDescription, error) {
	pc, err := webrtc.NewPeerConnection(n.cfg.WebRTC)
	if err != nil {
		return nil, fmt.Errorf("could not create PeerConnection: %w", err)
	}

	if track := n.realtimeBranch.Resource().Track; track != nil {
		sender, err := pc.AddTrack(track)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("could not add track: %w", err)
		}
		go n.processRTCP(sender)
	}

	n.installCallbacksLocked(pc, gen)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("could not create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("could not set local description: %w", err)
	}

	n.pc = pc
	return pc.LocalDescription(), nil
}

func (n *Negotiator) installCallbacksLocked(pc *webrtc.PeerConnection, gen int) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		n.onLocalCandidate(gen, c)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		n.logger.Debug().Str("state", state.String()).Msg("ICE connection state changed")
		switch state {
		case webrtc.ICEConnectionStateConnected:
			n.onConnected(gen)
		case webrtc.ICEConnectionStateFailed:
			n.failAttempt(gen, ErrTransportFailed)
		}
	})
}

// onLocalCandidate buffers candidates until the remote description is
// set, then sends directly. Buffered candidates are flushed in their
// original order by HandleAnswer and never resent.
func (n *Negotiator) onLocalCandidate(gen int, c *webrtc.ICECandidate) {
	n.mu.Lock()
	if n.staleLocked(gen) {
		n.mu.Unlock()
		return
	}
	if !n.sess.RemoteDescriptionSet {
		n.sess.PendingCandidates = append(n.sess.PendingCandidates, c)
		n.mu.Unlock()
		return
	}
	send := n.cfg.SendCandidate
	n.mu.Unlock()

	if send != nil {
		if err := send(c); err != nil {
			n.logger.Err(err).Msg("could not send candidate")
		}
	}
}

// HandleAnswer applies the remote answer of the in-flight attempt. An
// answer without ICE credentials is rejected whole; the attempt then
// fails closed through the regular retry path.
func (n *Negotiator) HandleAnswer(desc *webrtc.SessionDescription) error {
	if err := signal.ValidateDescription(desc); err != nil {
		n.mu.Lock()
		gen := n.generation
		n.mu.Unlock()
		n.failAttempt(gen, ErrTransportFailed)
		return err
	}

	n.mu.Lock()
	if n.sess.Transport == TransportClosed {
		n.mu.Unlock()
		return ErrSessionClosed
	}
	pc := n.pc
	if pc == nil {
		n.mu.Unlock()
		return ErrNoActiveAttempt
	}
	if n.answerTimer != nil {
		n.answerTimer.Stop()
		n.answerTimer = nil
	}
	if err := pc.SetRemoteDescription(*desc); err != nil {
		gen := n.generation
		n.mu.Unlock()
		n.failAttempt(gen, ErrTransportFailed)
		return fmt.Errorf("could not set remote description: %w", err)
	}
	n.sess.RemoteDescriptionSet = true

	// The flush stays under the lock: a candidate gathered concurrently
	// sees RemoteDescriptionSet and sends directly, so it must not be able
	// to overtake the buffered ones.
	if send := n.cfg.SendCandidate; send != nil {
		for _, c := range n.sess.PendingCandidates {
			if err := send(c); err != nil {
				n.logger.Err(err).Msg("could not flush pending candidate")
			}
		}
	}
	flushed := len(n.sess.PendingCandidates)
	n.sess.PendingCandidates = nil
	n.mu.Unlock()

	n.logger.Info().Int("flushed_candidates", flushed).Msg("remote answer applied")
	return nil
}

// HandleRemoteCandidate adds a candidate received from the peer.
// Candidates for one session arrive in order; interleaving across
// sessions is fine.
func (n *Negotiator) HandleRemoteCandidate(candidate string) error {
	n.mu.Lock()
	pc := n.pc
	n.mu.Unlock()
	if pc == nil {
		return ErrNoActiveAttempt
	}
	if err := pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate}); err != nil {
		return fmt.Errorf("could not add ICE candidate: %w", err)
	}
	return nil
}

// HandleRemoteRejected reacts to an explicit "transport unsupported"
// signal: no retry loop, the session drops straight to the relay.
func (n *Negotiator) HandleRemoteRejected() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sess.Transport == TransportClosed || n.sess.Transport == TransportFallback {
		return
	}
	n.logger.Info().Msg("remote rejected realtime transport, activating fallback")
	n.cleanupAttemptLocked()
	n.enterFallbackLocked()
}

func (n *Negotiator) onConnected(gen int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.staleLocked(gen) {
		return
	}
	n.transitionLocked(TransportRealtime)
	// Pre-connect failures are forgiven once the transport stands.
	n.sess.RetryCount = 0
}

// failAttempt serializes a transport failure into the state machine.
func (n *Negotiator) failAttempt(gen int, cause error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.staleLocked(gen) {
		return
	}
	n.failAttemptLocked(cause)
}

// failAttemptLocked applies the retry policy. Pre-connect failures and
// post-connect flaps use separate counters against the same policy.
// Branch allocation failures share the backoff but end in session close
// rather than fallback, because the relay needs a branch too.
func (n *Negotiator) failAttemptLocked(cause error) {
	wasRealtime := n.sess.Transport == TransportRealtime
	branchFailure := errors.Is(cause, pipeline.ErrEncoderUnavailable) ||
		errors.Is(cause, pipeline.ErrPipelineNotRunning)

	n.cleanupAttemptLocked()

	counter := &n.sess.RetryCount
	if wasRealtime {
		counter = &n.sess.FlapCount
	}

	delay, exhausted := n.cfg.Policy.Next(*counter)
	if exhausted {
		if branchFailure {
			n.logger.Error().Err(cause).Msg("media pipeline kept refusing a branch, closing session")
			n.closeLocked("branch-unavailable")
			return
		}
		n.logger.Info().Err(cause).Msg("retry budget exhausted, activating fallback")
		n.enterFallbackLocked()
		return
	}

	*counter++
	n.transitionLocked(TransportNegotiating)
	if n.cfg.Observer != nil {
		n.cfg.Observer.RetryScheduled(n.sess.ID, *counter)
	}
	n.logger.Info().
		Err(cause).
		Dur("delay", delay).
		Int("retry_count", *counter).
		Msg("scheduling negotiation retry")

	// cleanupAttemptLocked bumped the generation; the timer must carry
	// the new one or it would discard itself as stale.
	gen := n.generation
	n.retryTimer = time.AfterFunc(delay, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.sess.Transport != TransportNegotiating || n.staleLocked(gen) {
			return
		}
		n.startAttemptLocked()
	})
}

// enterFallbackLocked brings the relay sink up; callers have already torn
// the realtime leg down via cleanupAttemptLocked. The RELAY_SINK branch is
// created exactly once.
func (n *Negotiator) enterFallbackLocked() {
	if n.relayBranch != nil || n.sess.Transport == TransportFallback {
		return
	}
	n.transitionLocked(TransportFallback)
	n.requestRelayBranchLocked()
}

func (n *Negotiator) requestRelayBranchLocked() {
	n.generation++
	gen := n.generation

	ctx, cancel := context.WithCancel(context.Background())
	n.attemptCancel = cancel
	future := n.branches.Create(ctx, n.sess.ID, pipeline.RelaySink)

	go func() {
		var res pipeline.CreateResult
		select {
		case <-ctx.Done():
			return
		case res = <-future:
		}

		n.mu.Lock()
		defer n.mu.Unlock()
		if n.staleLocked(gen) {
			if res.Branch != nil {
				n.branches.Destroy(res.Branch)
			}
			return
		}
		if res.Err != nil {
			delay, exhausted := n.cfg.Policy.Next(n.relayRetries)
			if exhausted {
				n.logger.Error().Err(res.Err).Msg("no relay branch either, closing session")
				n.closeLocked("branch-unavailable")
				return
			}
			n.relayRetries++
			n.retryTimer = time.AfterFunc(delay, func() {
				n.mu.Lock()
				defer n.mu.Unlock()
				if n.sess.Transport != TransportFallback || n.staleLocked(gen) {
					return
				}
				n.requestRelayBranchLocked()
			})
			return
		}

		n.relayBranch = res.Branch
		n.relayHub.Activate(n.sess.ID)
		n.logger.Info().Msg("relay sink attached, fallback streaming live")
	}()
}

// StartWithOffer runs the pull-variant flow: the client is the offerer
// and the answer is returned synchronously, complete with gathered
// candidates, so the HTTP handler can ship it in one response. Branch
// creation blocks here instead of going through the retry loop; HTTP
// clients retry by re-posting.
func (n *Negotiator) StartWithOffer(ctx context.Context, offer *webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := signal.ValidateDescription(offer); err != nil {
		return nil, err
	}

	n.mu.Lock()
	if n.sess.Transport == TransportClosed {
		n.mu.Unlock()
		return nil, ErrSessionClosed
	}
	n.transitionLocked(TransportNegotiating)
	n.generation++
	gen := n.generation
	n.mu.Unlock()

	res := <-n.branches.Create(ctx, n.sess.ID, pipeline.RealtimeEncode)
	if res.Err != nil {
		return nil, res.Err
	}

	n.mu.Lock()
	if n.staleLocked(gen) {
		n.mu.Unlock()
		n.branches.Destroy(res.Branch)
		return nil, ErrSessionClosed
	}
	n.realtimeBranch = res.Branch

	pc, err := webrtc.NewPeerConnection(n.cfg.WebRTC)
	if err != nil {
		n.mu.Unlock()
		return nil, fmt.Errorf("could not create PeerConnection: %w", err)
	}
	if track := n.realtimeBranch.Resource().Track; track != nil {
		sender, err := pc.AddTrack(track)
		if err != nil {
			n.mu.Unlock()
			_ = pc.Close()
			return nil, fmt.Errorf("could not add track: %w", err)
		}
		go n.processRTCP(sender)
	}
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		n.logger.Debug().Str("state", state.String()).Msg("ICE connection state changed")
		switch state {
		case webrtc.ICEConnectionStateConnected:
			n.onConnected(gen)
		case webrtc.ICEConnectionStateFailed:
			n.failAttempt(gen, ErrTransportFailed)
		}
	})
	n.pc = pc
	n.mu.Unlock()

	if err := pc.SetRemoteDescription(*offer); err != nil {
		return nil, fmt.Errorf("could not set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("could not create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("could not set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	n.mu.Lock()
	n.sess.RemoteDescriptionSet = true
	n.mu.Unlock()
	return pc.LocalDescription(), nil
}

// Close tears down whichever branches exist and transitions to CLOSED.
// Idempotent; CLOSED is absorbing.
func (n *Negotiator) Close(reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closeLocked(reason)
}

func (n *Negotiator) closeLocked(reason string) {
	if n.sess.Transport == TransportClosed {
		return
	}
	n.cleanupAttemptLocked()

	if fb := n.relayBranch; fb != nil {
		n.relayBranch = nil
		n.branches.Destroy(fb)
	}
	n.relayHub.Deactivate(n.sess.ID)
	n.transitionLocked(TransportClosed)

	if n.cfg.OnClosed != nil {
		go n.cfg.OnClosed(reason)
	}
	n.registry.Unregister(n.sess.ID)
	n.logger.Info().Str("reason", reason).Msg("session closed")
}

// cleanupAttemptLocked cancels the scheduled retry, the in-flight branch
// request and the current peer connection, and releases the attempt's
// encode branch so the next attempt can allocate a fresh one. Invalidates
// the generation so any late async completion is discarded.
func (n *Negotiator) cleanupAttemptLocked() {
	n.generation++
	if n.retryTimer != nil {
		n.retryTimer.Stop()
		n.retryTimer = nil
	}
	if n.answerTimer != nil {
		n.answerTimer.Stop()
		n.answerTimer = nil
	}
	if n.attemptCancel != nil {
		n.attemptCancel()
		n.attemptCancel = nil
	}
	if rb := n.realtimeBranch; rb != nil {
		// The release is enqueued on the manager's op channel here, so it
		// runs before any Create submitted by a later attempt.
		n.realtimeBranch = nil
		n.branches.Destroy(rb)
	}
	if pc := n.pc; pc != nil {
		n.pc = nil
		go func() {
			if err := closePeerConnection(pc); err != nil {
				n.logger.Err(err).Msg("could not close peer connection")
			}
		}()
	}
	n.sess.RemoteDescriptionSet = false
	n.sess.PendingCandidates = nil
}

func (n *Negotiator) staleLocked(gen int) bool {
	return gen != n.generation || n.sess.Transport == TransportClosed
}

func (n *Negotiator) transitionLocked(to Transport) {
	from := n.sess.Transport
	if from == to {
		return
	}
	n.sess.Transport = to
	if n.cfg.Observer != nil {
		n.cfg.Observer.StateChanged(n.sess.ID, from, to)
	}
	n.logger.Debug().Stringer("from", from).Stringer("to", to).Msg("transport transition")
}

// processRTCP drains sender reports from the viewer. Interceptors only
// run when someone reads; PLIs are surfaced at debug level for encoder
// diagnosis.
func (n *Negotiator) processRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				_ = sender.Stop()
			}
			return
		}
		for _, pkt := range packets {
			if pli, ok := pkt.(*rtcp.PictureLossIndication); ok {
				n.logger.Debug().Uint32("ssrc", pli.MediaSSRC).Msg("viewer requested a keyframe")
			}
		}
	}
}

// closePeerConnection stops RTP senders and removes their tracks before
// closing, so the pipeline side releases cleanly.
func closePeerConnection(pc *webrtc.PeerConnection) error {
	for _, sender := range pc.GetSenders() {
		if err := sender.Stop(); err != nil {
			return fmt.Errorf("could not stop RTP sender: %w", err)
		}
		if err := pc.RemoveTrack(sender); err != nil {
			return fmt.Errorf("could not remove track: %w", err)
		}
	}
	return pc.Close()
}
