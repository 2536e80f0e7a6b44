// Package relay implements the fallback transport: periodic encoded
// frames pushed to each fallback session over its own channel. Delivery
// is best effort, at most one frame is in flight per session and a slow
// client only ever drops its own frames.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/railview/spotter/internal/backoff"
)

var (
	// ErrSessionInactive is returned when no fallback session exists for
	// the requested id.
	ErrSessionInactive = errors.New("no active fallback session")

	// ErrChannelBusy is returned when a session already has a frame
	// channel attached.
	ErrChannelBusy = errors.New("relay channel already attached")

	// ErrRetryLater is returned while the session's reconnect backoff
	// window is still open.
	ErrRetryLater = errors.New("relay reconnect backoff in effect")
)

// FrameSample is one relay unit. It is consumed once and discarded.
type FrameSample struct {
	SessionID string
	Payload   []byte
	Sequence  uint64
}

// FrameWriter delivers one frame to the remote client.
type FrameWriter interface {
	Write(ctx context.Context, payload []byte) error
}

// Hub fans frames out to fallback sessions, keyed by session id.
type Hub struct {
	policy backoff.Policy
	logger zerolog.Logger

	mu       sync.Mutex
	conduits map[string]*conduit
}

// NewHub returns an empty hub using the given reconnect policy.
func NewHub(policy backoff.Policy, logger *zerolog.Logger) *Hub {
	return &Hub{
		policy:   policy,
		logger:   logger.With().Str("component", "relay-hub").Logger(),
		conduits: make(map[string]*conduit),
	}
}

// Activate starts relaying for a session that entered fallback.
// Activating twice is a no-op.
func (h *Hub) Activate(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conduits[sessionID]; ok {
		return
	}
	h.conduits[sessionID] = newConduit(sessionID, h.policy, &h.logger)
	h.logger.Info().Str("session_id", sessionID).Msg("fallback relay activated")
}

// Deactivate stops relaying for a session. Idempotent.
func (h *Hub) Deactivate(sessionID string) {
	h.mu.Lock()
	c, ok := h.conduits[sessionID]
	delete(h.conduits, sessionID)
	h.mu.Unlock()
	if ok {
		c.close()
		h.logger.Info().Str("session_id", sessionID).Msg("fallback relay deactivated")
	}
}

// Active reports whether a session currently relays.
func (h *Hub) Active(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conduits[sessionID]
	return ok
}

// Publish offers a frame to the addressed session. The frame replaces any
// undelivered predecessor; frames are never queued.
func (h *Hub) Publish(sample FrameSample) {
	h.mu.Lock()
	c, ok := h.conduits[sample.SessionID]
	h.mu.Unlock()
	if ok {
		c.offer(sample)
	}
}

// FrameFunc adapts Publish to the pipeline's relay-sink callback.
func (h *Hub) FrameFunc() func(sessionID string, payload []byte, seq uint64) {
	return func(sessionID string, payload []byte, seq uint64) {
		h.Publish(FrameSample{SessionID: sessionID, Payload: payload, Sequence: seq})
	}
}

// Attach binds a frame channel to a fallback session and pumps frames
// until the writer errors, the session is deactivated, or ctx is done.
// After a write error the session's own backoff gates the next attach.
func (h *Hub) Attach(ctx context.Context, sessionID string, w FrameWriter) error {
	h.mu.Lock()
	c, ok := h.conduits[sessionID]
	h.mu.Unlock()
	if !ok {
		return ErrSessionInactive
	}
	return c.pump(ctx, w)
}

// conduit is the per-session relay state. Each conduit carries its own
// reconnect counter, independent of every other session.
type conduit struct {
	sessionID string
	policy    backoff.Policy
	logger    *zerolog.Logger

	frames chan FrameSample
	closed chan struct{}

	mu         sync.Mutex
	attached   bool
	retryCount int
	notBefore  time.Time
	closeOnce  sync.Once
}

func newConduit(sessionID string, policy backoff.Policy, logger *zerolog.Logger) *conduit {
	return &conduit{
		sessionID: sessionID,
		policy:    policy,
		logger:    logger,
		frames:    make(chan FrameSample, 1),
		closed:    make(chan struct{}),
	}
}

func (c *conduit) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// offer replaces the in-flight frame with the newer one.
func (c *conduit) offer(s FrameSample) {
	select {
	case c.frames <- s:
		return
	default:
	}
	select {
	case <-c.frames:
	default:
	}
	select {
	case c.frames <- s:
	default:
	}
}

func (c *conduit) pump(ctx context.Context, w FrameWriter) error {
	c.mu.Lock()
	if c.attached {
		c.mu.Unlock()
		return ErrChannelBusy
	}
	if wait := time.Until(c.notBefore); wait > 0 {
		c.mu.Unlock()
		return ErrRetryLater
	}
	c.attached = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.attached = false
		c.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		case s := <-c.frames:
			if err := w.Write(ctx, s.Payload); err != nil {
				c.scheduleReconnect()
				return err
			}
			c.mu.Lock()
			c.retryCount = 0
			c.mu.Unlock()
		}
	}
}

// scheduleReconnect opens the backoff window before the next attach.
// Exhaustion only clamps the delay: the relay keeps trying until the
// session itself is closed.
func (c *conduit) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	delay, _ := c.policy.Next(c.retryCount)
	c.retryCount++
	c.notBefore = time.Now().Add(delay)
	c.logger.Debug().
		Str("session_id", c.sessionID).
		Dur("delay", delay).
		Int("retry_count", c.retryCount).
		Msg("relay channel errored, backing off")
}

// WebsocketWriter adapts a websocket connection to FrameWriter, one
// binary message per frame, no envelope.
type WebsocketWriter struct {
	Conn *websocket.Conn
}

func (w WebsocketWriter) Write(ctx context.Context, payload []byte) error {
	return w.Conn.Write(ctx, websocket.MessageBinary, payload)
}
