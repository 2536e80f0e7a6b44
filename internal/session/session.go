// Package session drives the per-client live-transport lifecycle: the
// negotiation state machine, its retry policy, and the registry of
// active sessions. One Negotiator instance exists per client; sessions
// never share mutable state except through the branch manager and the
// registry.
package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v3"
)

// Transport is the current delivery mechanism of a session.
type Transport int

const (
	TransportIdle Transport = iota
	TransportNegotiating
	TransportRealtime
	TransportFallback
	TransportClosed
)

func (t Transport) String() string {
	switch t {
	case TransportIdle:
		return "idle"
	case TransportNegotiating:
		return "negotiating"
	case TransportRealtime:
		return "realtime"
	case TransportFallback:
		return "fallback"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the transport as its readable name for the status
// endpoint.
func (t Transport) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// UnmarshalJSON parses the readable name back, for status endpoint
// clients.
func (t *Transport) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for _, known := range []Transport{TransportIdle, TransportNegotiating, TransportRealtime, TransportFallback, TransportClosed} {
		if known.String() == name {
			*t = known
			return nil
		}
	}
	return fmt.Errorf("unknown transport %q", name)
}

var (
	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrNegotiationTimeout marks an attempt with no answer inside the
	// window. Retried.
	ErrNegotiationTimeout = errors.New("timed out waiting for answer")

	// ErrTransportFailed marks an established connection that degraded.
	// Retried.
	ErrTransportFailed = errors.New("realtime transport failed")

	// ErrRemoteRejected marks an explicit incompatibility signal from the
	// peer. Never retried, the session goes straight to fallback.
	ErrRemoteRejected = errors.New("remote rejected realtime transport")

	// ErrNoActiveAttempt is returned when an answer or candidate arrives
	// with no negotiation in flight.
	ErrNoActiveAttempt = errors.New("no negotiation attempt in flight")
)

// Session is the per-client state the negotiator mutates. All fields are
// guarded by the owning Negotiator; transitions for one session never run
// concurrently.
type Session struct {
	// ID is the opaque identifier minted when the client requested
	// streaming.
	ID string

	Transport  Transport
	RetryCount int

	// FlapCount tracks post-connect drops separately from pre-connect
	// failures, so one flaky established connection does not eat the
	// whole pre-connect retry budget.
	FlapCount int

	// PendingCandidates buffers local candidates until the remote
	// description exists. Flushed in generation order, exactly once.
	PendingCandidates []*webrtc.ICECandidate

	RemoteDescriptionSet bool
}

// Status is the observable slice of a session.
type Status struct {
	ID         string    `json:"id"`
	Transport  Transport `json:"transport"`
	RetryCount int       `json:"retryCount"`
}

// Observer receives lifecycle notifications, used for metrics.
// Implementations must not call back into the negotiator.
type Observer interface {
	StateChanged(sessionID string, from, to Transport)
	RetryScheduled(sessionID string, retryCount int)
}
