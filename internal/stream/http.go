package stream

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/railview/spotter/internal/pipeline"
	"github.com/railview/spotter/internal/session"
	"github.com/railview/spotter/internal/signal"
	"github.com/railview/spotter/internal/stream/httpx"
)

// handleCreateSession runs the pull variant: the client posts its offer
// and gets the answer back in one round trip, with the session resource
// in the Location header.
func (s *Service) handleCreateSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg signal.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			httpx.Error(w, httpx.ErrUnmarshalJSON, http.StatusBadRequest)
			return
		}
		offer, err := msg.Offer()
		if err != nil {
			httpx.Error(w, httpx.ErrInvalidDescription, http.StatusBadRequest)
			return
		}

		id := uuid.NewString()
		logger := s.logger.With().Str("session_id", id).Logger()
		n, err := session.NewNegotiator(id, session.Config{
			WebRTC:        s.webrtcConfig(),
			Policy:        s.policy,
			AnswerTimeout: s.answerTimeout(),
			Observer:      s.metrics,
		}, s.branches, s.hub, s.registry, &s.logger)
		if err != nil {
			logger.Err(err).Msg("could not register session")
			httpx.Error(w, httpx.ErrUnknownSession, http.StatusInternalServerError)
			return
		}

		answer, err := n.StartWithOffer(r.Context(), offer)
		if err != nil {
			n.Close("negotiation failed")
			logger.Err(err).Msg("pull negotiation failed")
			if errors.Is(err, pipeline.ErrEncoderUnavailable) || errors.Is(err, pipeline.ErrPipelineNotRunning) {
				httpx.Error(w, httpx.ErrBranchUnavailable, http.StatusServiceUnavailable)
				return
			}
			httpx.Error(w, httpx.ErrInvalidDescription, http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Location", "/v1/stream/sessions/"+id)
		w.WriteHeader(http.StatusCreated)
		if err := json.NewEncoder(w).Encode(signal.AnswerMessage(id, answer)); err != nil {
			logger.Err(err).Msg("could not encode json response body")
			return
		}
		logger.Debug().Msg("sent answer to client")
	}
}

// handleAddCandidate accepts one incremental candidate fragment against
// an existing session resource.
func (s *Service) handleAddCandidate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, ok := s.registry.Get(mux.Vars(r)["id"])
		if !ok {
			httpx.Error(w, httpx.ErrUnknownSession, http.StatusNotFound)
			return
		}

		var msg signal.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			httpx.Error(w, httpx.ErrUnmarshalJSON, http.StatusBadRequest)
			return
		}
		if msg.Type != signal.TypeCandidate || msg.Candidate == "" {
			httpx.Error(w, httpx.ErrInvalidDescription, http.StatusBadRequest)
			return
		}

		if err := n.HandleRemoteCandidate(msg.Candidate); err != nil {
			if errors.Is(err, session.ErrNoActiveAttempt) {
				httpx.Error(w, httpx.ErrSessionClosed, http.StatusConflict)
				return
			}
			httpx.Error(w, httpx.ErrInvalidDescription, http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Service) handleDeleteSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, ok := s.registry.Get(mux.Vars(r)["id"])
		if !ok {
			httpx.Error(w, httpx.ErrUnknownSession, http.StatusNotFound)
			return
		}
		n.Close("client request")
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Service) handleSessionStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, ok := s.registry.Get(mux.Vars(r)["id"])
		if !ok {
			httpx.Error(w, httpx.ErrUnknownSession, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(n.Status()); err != nil {
			s.logger.Err(err).Msg("could not encode json response body")
		}
	}
}

func (s *Service) handleListSessions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.registry.Snapshot()); err != nil {
			s.logger.Err(err).Msg("could not encode json response body")
		}
	}
}
