package stream

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"

	"github.com/railview/spotter/internal/stream"
	"github.com/railview/spotter/internal/stream/cfg"
	"github.com/railview/spotter/pkg/logging"
	"github.com/railview/spotter/pkg/mqttclient"
)

const configFlagName = "config"

// Command returns the stream command.
func Command() *cli.Command {
	ctx := context.Background()

	var (
		logger zerolog.Logger
		mc     mqtt.Client

		mqttConfigOptions    mqttclient.ConfigOptions
		serviceConfigOptions cfg.ConfigOptions
	)

	flags := func() (flags []cli.Flag) {
		for _, v := range [][]cli.Flag{
			loadConfigFlag(),
			serverFlags(&serviceConfigOptions.ServerConfigOptions),
			webRTCFlags(&serviceConfigOptions.WebRTCConfigOptions),
			pipelineFlags(&serviceConfigOptions.PipelineConfigOptions),
			sessionFlags(&serviceConfigOptions.SessionConfigOptions),
			mqttFlags(&mqttConfigOptions),
			signalTopicFlags(&serviceConfigOptions.SignalTopicConfigOptions),
		} {
			flags = append(flags, v...)
		}
		return
	}()

	return &cli.Command{
		Name:  "stream",
		Usage: "stream serves live video sessions over negotiated realtime transport with frame-relay fallback",
		Flags: flags,
		Before: func(c *cli.Context) error {
			if err := altsrc.InitInputSourceWithContext(
				flags,
				altsrc.NewTomlSourceFromFlagFunc(configFlagName),
			)(c); err != nil {
				return err
			}

			// Set up logger.
			logging.SetDebugMode(c.Bool("debug"))
			logger = log.With().Str("service", "spotter").Str("command", "stream").Logger()
			ctx = logger.WithContext(ctx)

			// The broker is optional; without one the push variant runs
			// over websocket only.
			if mqttConfigOptions.Server != "" {
				mc = mqttclient.NewClient(ctx, mqttConfigOptions)
				if err := mqttclient.CheckConnectivity(mc, 3*time.Second); err != nil {
					return err
				}
				ctx = mqttclient.WithContext(ctx, mc)
			}
			return nil
		},
		Action: func(c *cli.Context) error {
			svc, err := stream.New(ctx, serviceConfigOptions)
			if err != nil {
				return err
			}

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigs
				logger.Info().Str("signal", sig.String()).Msg("shutting down")
				cancel()
			}()

			return svc.Run(runCtx)
		},
		After: func(c *cli.Context) error {
			if mc != nil {
				mc.Disconnect(1000)
			}
			logger.Info().Msg("exits")
			return nil
		},
	}
}

// loadConfigFlag sets a config file path for app command.
// Note: you can't set any other flags' `Required` value to `true`,
// As it conflicts with this flag. You can set only either this flag or specifically the other flags but not both.
func loadConfigFlag() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        configFlagName,
			Aliases:     []string{"c"},
			Usage:       "Config file path",
			Value:       "config/config.toml",
			DefaultText: "config/config.toml",
		},
	}
}

func serverFlags(options *cfg.ServerConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "server.host",
			Usage:       "HTTP server listen host",
			Value:       "0.0.0.0",
			DefaultText: "0.0.0.0",
			Destination: &options.Host,
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:        "server.port",
			Usage:       "HTTP server listen port",
			Value:       8080,
			DefaultText: "8080",
			Destination: &options.Port,
		}),
	}
}

func webRTCFlags(options *cfg.WebRTCConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "webrtc.ice_server",
			Usage:       "ICE server address for webRTC",
			Value:       "stun:stun.l.google.com:19302",
			DefaultText: "stun:stun.l.google.com:19302",
			Destination: &options.ICEServer,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "webrtc.ice_server_username",
			Usage:       "ICE server username for webRTC",
			Value:       "",
			DefaultText: "",
			Destination: &options.Username,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "webrtc.ice_server_credential",
			Usage:       "ICE server credential for webRTC",
			Value:       "",
			DefaultText: "",
			Destination: &options.Credential,
		}),
	}
}

func pipelineFlags(options *cfg.PipelineConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "pipeline.protocol",
			Usage:       "Media source protocol, one of rtp, rtsp, rtmp",
			Value:       "rtsp",
			DefaultText: "rtsp",
			Destination: &options.Protocol,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "pipeline.address",
			Usage:       "Media source address, an rtsp:// URL or a host:port listen address",
			Value:       "",
			Destination: &options.Address,
		}),
		altsrc.NewBoolFlag(&cli.BoolFlag{
			Name:        "pipeline.on_demand",
			Usage:       "Consume the media source only while sessions are attached",
			Value:       true,
			DefaultText: "true",
			Destination: &options.OnDemand,
		}),
	}
}

func sessionFlags(options *cfg.SessionConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:        "session.backoff_base_ms",
			Usage:       "First retry delay in milliseconds",
			Value:       1000,
			DefaultText: "1000",
			Destination: &options.BackoffBaseMillis,
		}),
		altsrc.NewFloat64Flag(&cli.Float64Flag{
			Name:        "session.backoff_multiplier",
			Usage:       "Retry delay growth factor",
			Value:       1.5,
			DefaultText: "1.5",
			Destination: &options.BackoffMultiplier,
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:        "session.backoff_cap_ms",
			Usage:       "Upper bound on the retry delay in milliseconds",
			Value:       10000,
			DefaultText: "10000",
			Destination: &options.BackoffCapMillis,
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:        "session.max_attempts",
			Usage:       "Retries before a session drops to the frame relay",
			Value:       5,
			DefaultText: "5",
			Destination: &options.MaxAttempts,
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:        "session.answer_timeout_sec",
			Usage:       "Seconds to wait for a remote answer per attempt",
			Value:       10,
			DefaultText: "10",
			Destination: &options.AnswerTimeoutSeconds,
		}),
	}
}

func mqttFlags(options *mqttclient.ConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "mqtt.server",
			Usage:       "MQTT server address, empty disables broker signaling",
			Value:       "",
			Destination: &options.Server,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "mqtt.clientID",
			Usage:       "MQTT client id",
			Value:       "spotter_stream",
			DefaultText: "spotter_stream",
			Destination: &options.ClientID,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "mqtt.username",
			Usage:       "MQTT broker username",
			Value:       "",
			Destination: &options.Username,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "mqtt.password",
			Usage:       "MQTT broker password",
			Value:       "",
			Destination: &options.Password,
		}),
	}
}

func signalTopicFlags(options *cfg.SignalTopicConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "signal_topic.start_prefix",
			Usage:       "MQTT topic prefix clients request sessions on",
			Value:       "/spotter/stream/signal/start",
			DefaultText: "/spotter/stream/signal/start",
			Destination: &options.StartTopicPrefix,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "signal_topic.send_prefix",
			Usage:       "MQTT topic prefix for outgoing offers and candidates, the client's receive topic",
			Value:       "/spotter/stream/signal/send",
			DefaultText: "/spotter/stream/signal/send",
			Destination: &options.SendTopicPrefix,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "signal_topic.recv_prefix",
			Usage:       "MQTT topic prefix for incoming answers and candidates, the client's send topic",
			Value:       "/spotter/stream/signal/recv",
			DefaultText: "/spotter/stream/signal/recv",
			Destination: &options.RecvTopicPrefix,
		}),
		altsrc.NewUintFlag(&cli.UintFlag{
			Name:        "signal_topic.qos",
			Usage:       "MQTT qos for signaling",
			Value:       0,
			DefaultText: "0",
			Destination: &options.Qos,
		}),
		altsrc.NewBoolFlag(&cli.BoolFlag{
			Name:        "signal_topic.retained",
			Usage:       "MQTT retained flag for signaling",
			Value:       false,
			DefaultText: "false",
			Destination: &options.Retained,
		}),
	}
}
