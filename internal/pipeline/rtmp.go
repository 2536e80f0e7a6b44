package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
	flvtag "github.com/yutopp/go-flv/tag"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

const (
	headerLengthField = 4
	spsID             = 0x67
	ppsID             = 0x68
)

// consumeRTMP accepts one RTMP publisher and converts its FLV video tags
// into Annex-B access units.
func consumeRTMP(ctx context.Context, address string, write WriteFunc, logger *zerolog.Logger) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen tcp at %s: %w", address, err)
	}
	defer func() {
		if err := l.Close(); err != nil {
			logger.Err(err).Msg("could not close listener")
		}
	}()

	s := rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: func(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
			return conn, &rtmp.ConnConfig{
				Handler: &rtmpHandler{
					write:  write,
					logger: logger,
				},
				ControlState: rtmp.StreamControlStateConfig{
					DefaultBandwidthWindowSize: 6 * 1024 * 1024 / 8,
				},
				Logger: logrus.StandardLogger(),
			}
		},
	})
	defer func() {
		if err := s.Close(); err != nil {
			logger.Err(err).Msg("could not close rtmp server")
		}
	}()

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	logger.Info().Str("address", address).Msg("starting rtmp ingest server")
	if err := s.Serve(l); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

type rtmpHandler struct {
	rtmp.DefaultHandler

	write WriteFunc

	sps []byte
	pps []byte

	logger *zerolog.Logger
}

func (h *rtmpHandler) OnConnect(timestamp uint32, _ *rtmpmsg.NetConnectionConnect) error {
	h.logger.Info().Msg("rtmp client is connecting")
	return nil
}

func (h *rtmpHandler) OnCreateStream(timestamp uint32, _ *rtmpmsg.NetConnectionCreateStream) error {
	h.logger.Info().Msg("rtmp client is creating stream")
	return nil
}

func (h *rtmpHandler) OnPublish(ctx *rtmp.StreamContext, timestamp uint32, cmd *rtmpmsg.NetStreamPublish) error {
	h.logger.Info().Msg("rtmp client is publishing stream")

	if cmd.PublishingName == "" {
		return errors.New("PublishingName is empty")
	}
	return nil
}

func (h *rtmpHandler) OnVideo(timestamp uint32, payload io.Reader) error {
	var video flvtag.VideoData
	if err := flvtag.DecodeVideoData(payload, &video); err != nil {
		return err
	}

	data := new(bytes.Buffer)
	if _, err := io.Copy(data, video.Data); err != nil {
		return err
	}

	hasSpsPps := false
	outBuf := []byte{}
	videoBuffer := data.Bytes()

	switch video.AVCPacketType {
	case flvtag.AVCPacketTypeNALU:
		for offset := 0; offset < len(videoBuffer); {
			bufferLength := int(binary.BigEndian.Uint32(videoBuffer[offset : offset+headerLengthField]))
			if offset+bufferLength >= len(videoBuffer) {
				break
			}

			offset += headerLengthField

			if videoBuffer[offset] == spsID {
				hasSpsPps = true
				h.sps = append(annexBPrefix(), videoBuffer[offset:offset+bufferLength]...)
			} else if videoBuffer[offset] == ppsID {
				hasSpsPps = true
				h.pps = append(annexBPrefix(), videoBuffer[offset:offset+bufferLength]...)
			}

			outBuf = append(outBuf, annexBPrefix()...)
			outBuf = append(outBuf, videoBuffer[offset:offset+bufferLength]...)

			offset += bufferLength
		}
	case flvtag.AVCPacketTypeSequenceHeader:
		const spsCountOffset = 5
		spsCount := videoBuffer[spsCountOffset] & 0x1F
		offset := 6
		h.sps = []byte{}
		for i := 0; i < int(spsCount); i++ {
			spsLen := binary.BigEndian.Uint16(videoBuffer[offset : offset+2])
			offset += 2
			if videoBuffer[offset] != spsID {
				return errors.New("failed to parse SPS")
			}
			h.sps = append(h.sps, annexBPrefix()...)
			h.sps = append(h.sps, videoBuffer[offset:offset+int(spsLen)]...)
			offset += int(spsLen)
		}
		ppsCount := videoBuffer[offset]
		offset++
		for i := 0; i < int(ppsCount); i++ {
			ppsLen := binary.BigEndian.Uint16(videoBuffer[offset : offset+2])
			offset += 2
			if videoBuffer[offset] != ppsID {
				return errors.New("failed to parse PPS")
			}
			h.sps = append(h.sps, annexBPrefix()...)
			h.sps = append(h.sps, videoBuffer[offset:offset+int(ppsLen)]...)
			offset += int(ppsLen)
		}
		return nil
	default:
		h.logger.Warn().Uint8("AVCPacketType", uint8(video.AVCPacketType)).Msg("unknown type")
		return nil
	}

	keyframe := video.FrameType == flvtag.FrameTypeKeyFrame
	// An unadorned keyframe still needs its SPS/PPS.
	if keyframe && !hasSpsPps {
		outBuf = append(append(h.sps, h.pps...), outBuf...)
	}

	return h.write(Sample{
		Data:     outBuf,
		Duration: time.Second / 30,
		Keyframe: keyframe,
	})
}

func (h *rtmpHandler) OnClose() {
	h.logger.Info().Msg("closing rtmp client connection")
}

func annexBPrefix() []byte {
	return []byte{0x00, 0x00, 0x00, 0x01}
}
