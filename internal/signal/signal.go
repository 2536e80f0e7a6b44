// Package signal defines the JSON envelope exchanged over the push-variant
// signaling channels (websocket and MQTT) and the SDP validation shared by
// both wire variants.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v3"
)

// Message types carried over a signaling channel.
const (
	TypeOffer         = "offer"
	TypeAnswer        = "answer"
	TypeCandidate     = "candidate"
	TypeError         = "error"
	TypeSessionClosed = "session-closed"
)

// Error reasons a remote peer may put in a TypeError message.
const (
	ReasonUnsupported = "transport-unsupported"
)

var (
	// ErrMalformed marks payloads that fail to parse. Per the error policy
	// these are logged and ignored, the connection is kept.
	ErrMalformed = errors.New("malformed signaling message")

	// ErrMissingICECredentials marks a description without the negotiation
	// secret. Such answers are rejected outright, never partially applied.
	ErrMissingICECredentials = errors.New("description lacks ICE credentials")
)

// Message is the envelope for push-variant signaling.
type Message struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Encode marshals a message for the wire.
func Encode(msg *Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("could not encode signaling message: %w", err)
	}
	return b, nil
}

// Decode parses a wire payload into a message.
func Decode(payload []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return &msg, nil
}

// OfferMessage wraps a local offer for a session.
func OfferMessage(sessionID string, sdp *webrtc.SessionDescription) *Message {
	return &Message{Type: TypeOffer, SessionID: sessionID, SDP: sdp.SDP}
}

// AnswerMessage wraps a local answer for a session.
func AnswerMessage(sessionID string, sdp *webrtc.SessionDescription) *Message {
	return &Message{Type: TypeAnswer, SessionID: sessionID, SDP: sdp.SDP}
}

// CandidateMessage wraps a local ICE candidate for a session.
func CandidateMessage(sessionID string, candidate *webrtc.ICECandidate) *Message {
	return &Message{Type: TypeCandidate, SessionID: sessionID, Candidate: candidate.ToJSON().Candidate}
}

// ClosedMessage announces session teardown to the remote peer.
func ClosedMessage(sessionID, reason string) *Message {
	return &Message{Type: TypeSessionClosed, SessionID: sessionID, Reason: reason}
}

// Answer extracts and validates the remote answer carried by a message.
func (m *Message) Answer() (*webrtc.SessionDescription, error) {
	if m.Type != TypeAnswer {
		return nil, fmt.Errorf("%w: message type %q is not an answer", ErrMalformed, m.Type)
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP}
	if err := ValidateDescription(&desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

// Offer extracts and validates the remote offer carried by a message.
func (m *Message) Offer() (*webrtc.SessionDescription, error) {
	if m.Type != TypeOffer {
		return nil, fmt.Errorf("%w: message type %q is not an offer", ErrMalformed, m.Type)
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: m.SDP}
	if err := ValidateDescription(&desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

// ValidateDescription checks that a remote description carries the ICE
// ufrag/pwd pair. Old transport stacks have been seen emitting answers
// without them; accepting one stalls the connection forever.
func ValidateDescription(desc *webrtc.SessionDescription) error {
	if desc == nil || desc.SDP == "" {
		return fmt.Errorf("%w: empty description", ErrMalformed)
	}
	if !strings.Contains(desc.SDP, "a=ice-ufrag:") || !strings.Contains(desc.SDP, "a=ice-pwd:") {
		return ErrMissingICECredentials
	}
	return nil
}
