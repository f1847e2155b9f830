// Command migrate applies the anomaly table migrations with goose.
//
//	migrate -f config.yaml up
//	migrate -f config.yaml status
//	migrate -f config.yaml down-to 0
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	adb "github.com/qiniu/apiguard/internal/alerting/database"
	"github.com/qiniu/apiguard/internal/config"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	command := "up"
	var args []string
	if flag.NArg() > 0 {
		command = flag.Arg(0)
		args = flag.Args()[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := adb.New(ctx, cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Str("host", cfg.Database.Host).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := adb.Migrate(ctx, db.DB(), command, args...); err != nil {
		log.Fatal().Err(err).Str("command", command).Msg("migration failed")
	}
	log.Info().Str("command", command).Str("dbname", cfg.Database.DBName).Msg("migration finished")
}
