// Command mirrord keeps a live local mirror of one or more chat servers and
// serves it over an HTTP inspection API.
package main

import (
	"os"

	"github.com/rs/zerolog/log"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
