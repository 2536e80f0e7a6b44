package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/randutil"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/rs/zerolog"
)

// Source protocols.
const (
	ProtocolRTP  = "rtp"
	ProtocolRTSP = "rtsp"
	ProtocolRTMP = "rtmp"
)

// WriteFunc accepts one produced media unit from a running source.
type WriteFunc func(Sample) error

// sourceFunc consumes a media feed at address and pushes its units through
// write until ctx is done or the feed errors.
type sourceFunc func(ctx context.Context, address string, write WriteFunc, logger *zerolog.Logger) error

// MediaConfig selects and addresses the media source.
type MediaConfig struct {
	// Protocol is one of rtp, rtsp, rtmp.
	Protocol string
	// Address is a host:port listen address for rtp/rtmp or an rtsp:// URL.
	Address string
	// OnDemand delays the source until the first branch attaches and stops
	// it when the last one detaches.
	OnDemand bool
}

// MediaPipeline is the Graph implementation backed by a live video source.
// Encode branches each get their own local track; relay sinks get every
// keyframe as an encoded still.
type MediaPipeline struct {
	cfg    MediaConfig
	source sourceFunc
	logger zerolog.Logger

	mu        sync.Mutex
	stopped   bool
	cancel    context.CancelFunc
	sourceCtx context.Context
	branches  map[*Resource]struct{}
	onFrame   FrameFunc
	seq       uint64
}

// NewMediaPipeline builds a pipeline for the configured protocol.
func NewMediaPipeline(cfg MediaConfig, logger *zerolog.Logger) (*MediaPipeline, error) {
	p := &MediaPipeline{
		cfg:      cfg,
		logger:   logger.With().Str("component", "media-pipeline").Str("protocol", cfg.Protocol).Logger(),
		branches: make(map[*Resource]struct{}),
	}
	switch cfg.Protocol {
	case ProtocolRTP:
		p.source = rtpListener
	case ProtocolRTSP:
		p.source = consumeRTSP
	case ProtocolRTMP:
		p.source = consumeRTMP
	default:
		return nil, fmt.Errorf("unknown source protocol %q", cfg.Protocol)
	}
	return p, nil
}

// SetFrameFunc installs the relay-sink frame callback. Must be called
// before branches attach.
func (p *MediaPipeline) SetFrameFunc(f FrameFunc) {
	p.mu.Lock()
	p.onFrame = f
	p.mu.Unlock()
}

// Start launches the source unless it is on-demand.
func (p *MediaPipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sourceCtx = ctx
	if !p.cfg.OnDemand {
		p.startSourceLocked()
	}
}

// Stop ends the source and refuses further attachments.
func (p *MediaPipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	p.stopSourceLocked()
}

func (p *MediaPipeline) startSourceLocked() {
	if p.cancel != nil || p.sourceCtx == nil {
		return
	}
	ctx, cancel := context.WithCancel(p.sourceCtx)
	p.cancel = cancel
	go func() {
		p.logger.Info().Str("address", p.cfg.Address).Msg("starting media source")
		if err := p.source(ctx, p.cfg.Address, p.writeSample, &p.logger); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Err(err).Msg("media source exited")
		}
	}()
}

func (p *MediaPipeline) stopSourceLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
		p.logger.Info().Msg("stopped media source")
	}
}

// AttachBranch allocates the server-side resource for one session branch.
func (p *MediaPipeline) AttachBranch(sessionID string, kind BranchKind) (*Resource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped || p.sourceCtx == nil {
		return nil, ErrPipelineNotRunning
	}

	res := &Resource{SessionID: sessionID, Kind: kind}
	if kind == RealtimeEncode {
		track, err := p.newLocalTrack()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncoderUnavailable, err)
		}
		res.Track = track
	}

	p.branches[res] = struct{}{}
	if p.cfg.OnDemand && len(p.branches) == 1 {
		p.startSourceLocked()
	}
	p.logger.Debug().Str("session_id", sessionID).Stringer("kind", kind).Msg("attached branch")
	return res, nil
}

// DetachBranch releases a resource. Unknown resources are ignored so a
// detach racing a pipeline drain stays harmless.
func (p *MediaPipeline) DetachBranch(res *Resource) {
	if res == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.branches[res]; !ok {
		return
	}
	delete(p.branches, res)
	if p.cfg.OnDemand && len(p.branches) == 0 {
		p.stopSourceLocked()
	}
	p.logger.Debug().Str("session_id", res.SessionID).Stringer("kind", res.Kind).Msg("detached branch")
}

// newLocalTrack creates the per-branch video track. H264 first: every
// deployed viewer decodes it and it keeps the encode path passthrough.
func (p *MediaPipeline) newLocalTrack() (webrtc.TrackLocal, error) {
	gen := randutil.NewMathRandomGenerator()
	id := fmt.Sprintf("video-%d", gen.Uint32())
	stream := fmt.Sprintf("spotter-%d", gen.Uint32())
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}

	if p.cfg.Protocol == ProtocolRTP {
		return webrtc.NewTrackLocalStaticRTP(capability, id, stream)
	}
	return webrtc.NewTrackLocalStaticSample(capability, id, stream)
}

// writeSample fans one produced unit out to every attached branch.
// Slow or gone peers surface io.ErrClosedPipe, which is fine: nothing is
// connected on that track yet or anymore.
func (p *MediaPipeline) writeSample(s Sample) error {
	p.mu.Lock()
	onFrame := p.onFrame
	targets := make([]*Resource, 0, len(p.branches))
	for res := range p.branches {
		targets = append(targets, res)
	}
	var seq uint64
	if s.Keyframe {
		p.seq++
		seq = p.seq
	}
	p.mu.Unlock()

	for _, res := range targets {
		switch res.Kind {
		case RealtimeEncode:
			if err := p.writeTrack(res.Track, s); err != nil {
				p.logger.Err(err).Str("session_id", res.SessionID).Msg("could not write track")
			}
		case RelaySink:
			if s.Keyframe && onFrame != nil {
				onFrame(res.SessionID, s.Data, seq)
			}
		}
	}
	return nil
}

func (p *MediaPipeline) writeTrack(track webrtc.TrackLocal, s Sample) error {
	if s.RTP {
		if t, ok := track.(*webrtc.TrackLocalStaticRTP); ok {
			if _, err := t.Write(s.Data); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				return err
			}
		}
		return nil
	}
	if t, ok := track.(*webrtc.TrackLocalStaticSample); ok {
		if err := t.WriteSample(media.Sample{Data: s.Data, Duration: s.Duration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return err
		}
	}
	return nil
}
