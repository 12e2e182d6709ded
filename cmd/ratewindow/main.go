// Command ratewindow runs the fixed-window rate limiting service and offers
// operator commands to inspect and reset counters.
package main

import (
	"os"

	"github.com/rs/zerolog/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
