// Package build exposes version information stamped in at link time.
package build

import (
	"fmt"
	"runtime"

	"github.com/urfave/cli/v2"
)

// Set via -ldflags "-X github.com/railview/spotter/cmd/internal/build.Version=..." and friends.
var (
	Branch    string
	Version   string
	Revision  string
	BuildUser string
	BuildDate string
)

func Command() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "info displays build information of this binary",
		Action: func(c *cli.Context) error {
			fmt.Printf(`Branch:		%s
Version:	%s
Revision:	%s
BuildUser:	%s
BuildDate:	%s
GoVersion:	%s
`, Branch, Version, Revision, BuildUser, BuildDate, runtime.Version())
			return nil
		},
	}
}
