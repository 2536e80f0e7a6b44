// Package stream wires the session manager's outer surface: the pull
// and push signaling variants, the fallback frame relay endpoint, the
// status and metrics endpoints, and the media pipeline every session
// branches off.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/mux"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/railview/spotter/internal/backoff"
	"github.com/railview/spotter/internal/pipeline"
	"github.com/railview/spotter/internal/relay"
	"github.com/railview/spotter/internal/session"
	"github.com/railview/spotter/internal/signal"
	"github.com/railview/spotter/internal/stream/cfg"
	"github.com/railview/spotter/pkg/mqttclient"
)

// Service owns one media pipeline and every session negotiating against
// it. Sessions come and go over HTTP, websocket or MQTT; the service
// itself only stops when its context does.
type Service struct {
	config cfg.ConfigOptions
	client mqtt.Client
	logger zerolog.Logger

	policy   backoff.Policy
	registry *session.Registry
	branches *pipeline.Manager
	media    *pipeline.MediaPipeline
	hub      *relay.Hub
	metrics  *Metrics
	prom     *prometheus.Registry
}

// New builds a stream service from config. The MQTT client is optional
// and taken from ctx; without one only the HTTP surface is served.
func New(ctx context.Context, config cfg.ConfigOptions) (*Service, error) {
	logger := log.Ctx(ctx).With().Str("component", "stream").Logger()

	media, err := pipeline.NewMediaPipeline(pipeline.MediaConfig{
		Protocol: config.Protocol,
		Address:  config.Address,
		OnDemand: config.OnDemand,
	}, &logger)
	if err != nil {
		return nil, fmt.Errorf("could not build media pipeline: %w", err)
	}

	policy := backoff.Policy{
		Base:        time.Duration(config.BackoffBaseMillis) * time.Millisecond,
		Multiplier:  config.BackoffMultiplier,
		Cap:         time.Duration(config.BackoffCapMillis) * time.Millisecond,
		MaxAttempts: config.MaxAttempts,
	}
	if policy.MaxAttempts == 0 {
		policy = backoff.Default
	}

	prom := prometheus.NewRegistry()
	svc := &Service{
		config:   config,
		client:   mqttclient.FromContext(ctx),
		logger:   logger,
		policy:   policy,
		registry: session.NewRegistry(),
		media:    media,
		hub:      relay.NewHub(policy, &logger),
		metrics:  NewMetrics(prom),
		prom:     prom,
	}
	svc.branches = pipeline.NewManager(media, &logger)
	media.SetFrameFunc(svc.hub.FrameFunc())
	return svc, nil
}

// Run serves until ctx is cancelled, then closes every session and shuts
// the HTTP server down.
func (s *Service) Run(ctx context.Context) error {
	s.media.Start(ctx)
	go s.branches.Run(ctx)

	if s.client != nil {
		if err := s.signalOverMQTT(); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:    s.config.Host + ":" + strconv.Itoa(s.config.Port),
		Handler: s.router(),
	}
	errChan := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", srv.Addr).Msg("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	s.registry.CloseAll("server shutdown")
	s.media.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("could not shut down HTTP server: %w", err)
	}
	s.branches.Wait()
	s.logger.Info().Msg("stream service stopped")
	return nil
}

func (s *Service) router() *mux.Router {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1/stream").Subrouter()
	v1.HandleFunc("/sessions", s.handleCreateSession()).Methods(http.MethodPost)
	v1.HandleFunc("/sessions", s.handleListSessions()).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", s.handleSessionStatus()).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", s.handleAddCandidate()).Methods(http.MethodPatch)
	v1.HandleFunc("/sessions/{id}", s.handleDeleteSession()).Methods(http.MethodDelete)
	v1.HandleFunc("/signal", s.handleSignalSocket())
	v1.HandleFunc("/relay/{id}", s.handleRelaySocket())
	r.Handle("/metrics", promhttp.HandlerFor(s.prom, promhttp.HandlerOpts{}))
	return r
}

func (s *Service) webrtcConfig() webrtc.Configuration {
	if s.config.ICEServer == "" {
		return webrtc.Configuration{}
	}
	ice := webrtc.ICEServer{URLs: []string{s.config.ICEServer}}
	if s.config.WebRTCConfigOptions.Username != "" {
		ice.Username = s.config.WebRTCConfigOptions.Username
		ice.Credential = s.config.Credential
		ice.CredentialType = webrtc.ICECredentialTypePassword
	}
	return webrtc.Configuration{ICEServers: []webrtc.ICEServer{ice}}
}

func (s *Service) answerTimeout() time.Duration {
	return time.Duration(s.config.AnswerTimeoutSeconds) * time.Second
}

// dispatchSignal routes one push-variant envelope into the session.
// Malformed or unexpected messages are logged and dropped, never fatal to
// the channel.
func (s *Service) dispatchSignal(n *session.Negotiator, msg *signal.Message, logger *zerolog.Logger) {
	switch msg.Type {
	case signal.TypeAnswer:
		desc := &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}
		if err := n.HandleAnswer(desc); err != nil {
			logger.Warn().Err(err).Msg("rejected remote answer")
		}
	case signal.TypeCandidate:
		if err := n.HandleRemoteCandidate(msg.Candidate); err != nil {
			logger.Warn().Err(err).Msg("dropped remote candidate")
		}
	case signal.TypeError:
		if msg.Reason == signal.ReasonUnsupported {
			n.HandleRemoteRejected()
			return
		}
		logger.Warn().Str("reason", msg.Reason).Msg("remote reported an error")
	case signal.TypeSessionClosed:
		n.Close("remote closed")
	default:
		logger.Warn().Str("type", msg.Type).Msg("dropped signaling message of unexpected type")
	}
}
