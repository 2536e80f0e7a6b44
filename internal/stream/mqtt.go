package stream

import (
	"fmt"
	"path"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pion/webrtc/v3"

	"github.com/railview/spotter/internal/session"
	"github.com/railview/spotter/internal/signal"
)

// signalOverMQTT wires the push variant over a broker for deployments
// without a direct websocket path to the service.
//
// Topic scheme, every topic suffixed with /{sessionID}:
//
//	<start>/<id>  client requests a session
//	<send>/<id>   local offers, candidates and session-closed
//	<recv>/<id>   remote answers, candidates and errors
func (s *Service) signalOverMQTT() error {
	topics := s.config.SignalTopicConfigOptions
	startTopic := topics.StartTopicPrefix + "/+"
	token := s.client.Subscribe(startTopic, byte(topics.Qos), func(_ mqtt.Client, m mqtt.Message) {
		s.startBrokerSession(path.Base(m.Topic()))
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("could not subscribe to %s: %w", startTopic, token.Error())
	}
	s.logger.Info().Str("topic", startTopic).Msg("listening for broker session requests")
	return nil
}

func (s *Service) startBrokerSession(id string) {
	topics := s.config.SignalTopicConfigOptions
	sendTopic := topics.SendTopicPrefix + "/" + id
	recvTopic := topics.RecvTopicPrefix + "/" + id
	logger := s.logger.With().Str("session_id", id).Logger()

	publish := func(msg *signal.Message) error {
		payload, err := signal.Encode(msg)
		if err != nil {
			return err
		}
		t := s.client.Publish(sendTopic, byte(topics.Qos), topics.Retained, payload)
		// Handle the token in a goroutine so signaling keeps flowing
		// regardless of delivery status.
		go func() {
			<-t.Done()
			if t.Error() != nil {
				logger.Err(t.Error()).Msgf("could not publish to %s", sendTopic)
			}
		}()
		return nil
	}

	n, err := session.NewNegotiator(id, session.Config{
		WebRTC:        s.webrtcConfig(),
		Policy:        s.policy,
		AnswerTimeout: s.answerTimeout(),
		SendOffer: func(d *webrtc.SessionDescription) error {
			return publish(signal.OfferMessage(id, d))
		},
		SendCandidate: func(c *webrtc.ICECandidate) error {
			return publish(signal.CandidateMessage(id, c))
		},
		OnClosed: func(reason string) {
			_ = publish(signal.ClosedMessage(id, reason))
			s.client.Unsubscribe(recvTopic)
		},
		Observer: s.metrics,
	}, s.branches, s.hub, s.registry, &s.logger)
	if err != nil {
		// Retained or duplicated start requests land here; the live
		// session wins.
		logger.Debug().Err(err).Msg("ignored duplicate session request")
		return
	}

	t := s.client.Subscribe(recvTopic, byte(topics.Qos), func(_ mqtt.Client, m mqtt.Message) {
		msg, err := signal.Decode(m.Payload())
		if err != nil {
			logger.Warn().Err(err).Msg("dropped malformed signaling payload")
			return
		}
		s.dispatchSignal(n, msg, &logger)
	})
	go func() {
		<-t.Done()
		if t.Error() != nil {
			logger.Err(t.Error()).Msgf("could not subscribe to %s", recvTopic)
			n.Close("signaling unavailable")
			return
		}
		logger.Info().Msgf("subscribed to %s", recvTopic)
	}()

	if err := n.Start(); err != nil {
		logger.Err(err).Msg("could not start negotiation")
	}
}
