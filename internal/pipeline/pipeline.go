// Package pipeline owns the server-side media resources bound to streaming
// sessions. The Manager is the only writer of the branch arena; every
// mutation is marshalled onto its goroutine because the underlying media
// graph tolerates a single mutating context only.
package pipeline

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v3"
)

// BranchKind selects the media path a branch feeds.
type BranchKind int

const (
	// RealtimeEncode feeds a low-latency WebRTC video track.
	RealtimeEncode BranchKind = iota
	// RelaySink receives periodic encoded frames for the fallback relay.
	RelaySink
)

func (k BranchKind) String() string {
	switch k {
	case RealtimeEncode:
		return "realtime-encode"
	case RelaySink:
		return "relay-sink"
	default:
		return "unknown"
	}
}

var (
	// ErrDuplicateBranch is returned when a session already holds a branch
	// of the requested kind.
	ErrDuplicateBranch = errors.New("duplicate branch for session")

	// ErrEncoderUnavailable is returned when the media graph cannot
	// allocate encode resources.
	ErrEncoderUnavailable = errors.New("encoder unavailable")

	// ErrPipelineNotRunning is returned when the media graph is not up.
	ErrPipelineNotRunning = errors.New("pipeline not running")

	// ErrManagerClosed is returned for operations submitted after shutdown.
	ErrManagerClosed = errors.New("branch manager closed")
)

// Sample is one produced media unit flowing out of the source.
type Sample struct {
	Data     []byte
	Duration time.Duration
	Keyframe bool
	// RTP marks raw RTP packets (UDP listener source) as opposed to
	// elementary access units (RTSP/RTMP sources).
	RTP bool
}

// Resource is the pipeline-side handle backing one branch.
type Resource struct {
	SessionID string
	Kind      BranchKind

	// Track is set for RealtimeEncode resources and is fed by the running
	// media source until the branch is detached.
	Track webrtc.TrackLocal
}

// FrameFunc is invoked once per produced frame for every attached
// RelaySink branch.
type FrameFunc func(sessionID string, payload []byte, seq uint64)

// Graph is the media pipeline collaborator the Manager drives. The real
// implementation is MediaPipeline; tests substitute fakes.
type Graph interface {
	AttachBranch(sessionID string, kind BranchKind) (*Resource, error)
	DetachBranch(res *Resource)
}
