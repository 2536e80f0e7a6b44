package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/deepch/vdk/av"
	"github.com/deepch/vdk/codec/h264parser"
	"github.com/deepch/vdk/format/rtspv2"
	"github.com/rs/zerolog"
)

const rtspDialTimeout = 3 * time.Second

// consumeRTSP pulls an H264 feed from an RTSP server and emits Annex-B
// access units. Keyframes get SPS/PPS prepended so they are decodable in
// isolation, which is what makes them usable as relay stills.
func consumeRTSP(ctx context.Context, address string, write WriteFunc, logger *zerolog.Logger) error {
	annexbNALUStartCode := []byte{0x00, 0x00, 0x00, 0x01}

	logger.Info().Str("address", address).Msg("dialing RTSP server")
	session, err := rtspv2.Dial(rtspv2.RTSPClientOptions{
		URL:              address,
		DialTimeout:      rtspDialTimeout,
		ReadWriteTimeout: rtspDialTimeout,
		DisableAudio:     true,
	})
	if err != nil {
		return fmt.Errorf("rtsp dial error: %w", err)
	}
	defer session.Close()

	codecs := session.CodecData
	if len(codecs) == 0 || codecs[0].Type() != av.H264 {
		return fmt.Errorf("rtsp feed must begin with an H264 stream")
	}
	h264Codec, ok := codecs[0].(h264parser.CodecData)
	if !ok {
		return fmt.Errorf("rtsp feed carries no H264 codec data")
	}
	if len(codecs) > 1 {
		logger.Info().Int("streams", len(codecs)).Msg("ignoring all but the first stream")
	}

	var previousTime time.Duration
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt := <-session.OutgoingPacketQueue:
			if pkt.Idx != 0 {
				// Audio or secondary stream.
				continue
			}

			data := pkt.Data[4:]
			if pkt.IsKeyFrame {
				data = append(annexbNALUStartCode, data...)
				data = append(h264Codec.PPS(), data...)
				data = append(annexbNALUStartCode, data...)
				data = append(h264Codec.SPS(), data...)
				data = append(annexbNALUStartCode, data...)
			}

			duration := pkt.Time - previousTime
			previousTime = pkt.Time

			if err := write(Sample{Data: data, Duration: duration, Keyframe: pkt.IsKeyFrame}); err != nil {
				return fmt.Errorf("could not write sample: %w", err)
			}
		}
	}
}
