package main

import (
	"os"

	"github.com/harun/toolrun/internal/cli"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := cli.Execute(); err != nil {
		log.Error().Err(err).Msg("toolrun failed")
		os.Exit(1)
	}
}
