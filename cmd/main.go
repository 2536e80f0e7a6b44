package main

import (
	"math/rand"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/railview/spotter/cmd/internal/build"
	"github.com/railview/spotter/cmd/stream"
	"github.com/railview/spotter/cmd/turn"
)

func init() {
	rand.Seed(time.Now().UTC().UnixNano())
}

func main() {
	if err := run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("spotter exited")
	}
}

func run(args []string) error {
	app := &cli.App{
		Name:  "spotter",
		Usage: "spotter serves live video sessions with negotiated realtime transport and frame-relay fallback",
		Flags: []cli.Flag{ // Global flags.
			&cli.BoolFlag{
				Name:        "debug",
				Value:       false,
				Usage:       "enable debug mode",
				DefaultText: "false",
				EnvVars:     []string{"DEBUG"},
			},
		},
		Commands: []*cli.Command{
			stream.Command(),
			turn.Command(),
			build.Command(),
		},
	}

	return app.Run(args)
}
