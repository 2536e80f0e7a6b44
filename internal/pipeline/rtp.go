package pipeline

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"
)

// rtpListener consumes a raw RTP stream over UDP. Packets pass through
// untouched, so branches fed by this source use RTP tracks and the relay
// path never sees a keyframe still from it.
func rtpListener(ctx context.Context, address string, write WriteFunc, logger *zerolog.Logger) error {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return fmt.Errorf("could not resolve %s as a udp address: %w", address, err)
	}

	listener, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen UDP: %w", err)
	}
	defer listener.Close()
	logger.Info().Str("address", udpAddr.String()).Msg("UDP listener started")

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	buf := make([]byte, 1600) // UDP MTU
	for {
		n, _, err := listener.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("error during read: %w", err)
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		if err := write(Sample{Data: pkt, RTP: true}); err != nil {
			return fmt.Errorf("could not write sample: %w", err)
		}
	}
}
