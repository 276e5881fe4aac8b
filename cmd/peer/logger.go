package main

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-media/internal/config"
)

func initLogger(conf *config.Config) {
	cw := zerolog.NewConsoleWriter()
	log.Logger = log.Output(cw)

	level, err := zerolog.ParseLevel(conf.LogLevel)
	if err != nil {
		log.Warn().Err(err).Str("level", conf.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)
}
