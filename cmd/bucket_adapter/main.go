package main

import (
	"os"

	"github.com/fox-gonic/fox"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/apiguard/internal/bucketadapter"
	"github.com/qiniu/apiguard/internal/config"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().Msg("Starting bucket adapter server")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	addr := ":9999"
	if port := os.Getenv("ADAPTER_PORT"); port != "" {
		addr = ":" + port
	}

	adapter, err := bucketadapter.NewBucketAdapterServer(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create bucket adapter server")
	}

	router := fox.New()
	if err := adapter.UseApi(router); err != nil {
		log.Fatal().Err(err).Msg("Failed to setup API routes")
	}

	log.Info().Str("backend", cfg.MetricStore.Backend).Msgf("Starting bucket adapter on %s", addr)
	if err := router.Run(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
}
