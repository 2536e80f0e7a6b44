// Package turn embeds a TURN server so viewers behind strict NATs can
// still reach the realtime transport.
package turn

import (
	"fmt"
	"net"
	"strconv"

	"github.com/pion/turn/v2"
	"github.com/rs/zerolog"
)

// Serve starts a udp4 TURN server with long-term credentials for one
// static user. The caller owns the returned server and must Close it.
func Serve(logger *zerolog.Logger, cfg *ConfigOptions) (*turn.Server, error) {
	relayIP := net.ParseIP(cfg.PublicIP)
	if relayIP == nil {
		return nil, fmt.Errorf("invalid public IP %q", cfg.PublicIP)
	}

	conn, err := net.ListenPacket("udp4", "0.0.0.0:"+strconv.Itoa(cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("could not create udp4 listener: %w", err)
	}

	// Keys are derived once; only the hash lives in memory.
	authKeys := map[string][]byte{
		cfg.Username: turn.GenerateAuthKey(cfg.Username, cfg.Realm, cfg.Password),
	}

	srv, err := turn.NewServer(turn.ServerConfig{
		LoggerFactory: &loggerFactory{logger: logger},
		Realm:         cfg.Realm,
		AuthHandler: func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
			key, ok := authKeys[username]
			return key, ok
		},
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: conn,
				RelayAddressGenerator: &turn.RelayAddressGeneratorPortRange{
					// Advertise the public IP, listen on every interface.
					RelayAddress: relayIP,
					Address:      "0.0.0.0",
					MinPort:      uint16(cfg.RelayMinPort),
					MaxPort:      uint16(cfg.RelayMaxPort),
				},
			},
		},
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("could not create TURN server: %w", err)
	}

	logger.Info().
		Int("port", cfg.Port).
		Str("public_ip", cfg.PublicIP).
		Uint("relay_min_port", cfg.RelayMinPort).
		Uint("relay_max_port", cfg.RelayMaxPort).
		Msg("TURN server listening")
	return srv, nil
}
