package stream

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pion/webrtc/v3"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/railview/spotter/internal/relay"
	"github.com/railview/spotter/internal/session"
	"github.com/railview/spotter/internal/signal"
	"github.com/railview/spotter/internal/stream/httpx"
)

// handleSignalSocket runs the push variant over a websocket: the server
// mints the session, offers first, and keeps signaling over the same
// connection until either side goes away.
func (s *Service) handleSignalSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.logger.Err(err).Msg("could not accept websocket")
			return
		}
		defer c.Close(websocket.StatusInternalError, "signaling ended") //nolint:errcheck

		ctx := r.Context()
		id := uuid.NewString()
		logger := s.logger.With().Str("session_id", id).Logger()

		n, err := session.NewNegotiator(id, session.Config{
			WebRTC:        s.webrtcConfig(),
			Policy:        s.policy,
			AnswerTimeout: s.answerTimeout(),
			SendOffer: func(d *webrtc.SessionDescription) error {
				return wsjson.Write(ctx, c, signal.OfferMessage(id, d))
			},
			SendCandidate: func(cand *webrtc.ICECandidate) error {
				return wsjson.Write(ctx, c, signal.CandidateMessage(id, cand))
			},
			OnClosed: func(reason string) {
				_ = wsjson.Write(ctx, c, signal.ClosedMessage(id, reason))
			},
			Observer: s.metrics,
		}, s.branches, s.hub, s.registry, &s.logger)
		if err != nil {
			logger.Err(err).Msg("could not register session")
			c.Close(websocket.StatusPolicyViolation, "session exists") //nolint:errcheck
			return
		}
		defer n.Close("signal channel closed")

		if err := n.Start(); err != nil {
			logger.Err(err).Msg("could not start negotiation")
			return
		}
		logger.Info().Msg("push-variant session started")

		for {
			_, payload, err := c.Read(ctx)
			if err != nil {
				logger.Debug().Err(err).Msg("signal channel closed")
				return
			}
			msg, err := signal.Decode(payload)
			if err != nil {
				// Malformed payloads never tear the channel down.
				logger.Warn().Err(err).Msg("dropped malformed signaling payload")
				continue
			}
			s.dispatchSignal(n, msg, &logger)
		}
	}
}

// handleRelaySocket binds a websocket to a fallback session's frame
// channel. The socket carries one binary message per frame, no envelope.
func (s *Service) handleRelaySocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if !s.hub.Active(id) {
			httpx.Error(w, httpx.ErrUnknownSession, http.StatusNotFound)
			return
		}

		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.logger.Err(err).Msg("could not accept websocket")
			return
		}

		err = s.hub.Attach(r.Context(), id, relay.WebsocketWriter{Conn: c})
		switch {
		case err == nil:
			c.Close(websocket.StatusNormalClosure, "session ended") //nolint:errcheck
		case err == relay.ErrChannelBusy:
			c.Close(websocket.StatusPolicyViolation, "frame channel already attached") //nolint:errcheck
		case err == relay.ErrRetryLater:
			c.Close(websocket.StatusTryAgainLater, "reconnect backoff in effect") //nolint:errcheck
		default:
			s.logger.Debug().Err(err).Str("session_id", id).Msg("relay channel ended")
			c.Close(websocket.StatusInternalError, "frame delivery failed") //nolint:errcheck
		}
	}
}
