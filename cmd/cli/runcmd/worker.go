package runcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"runengine/internal/actions"
	"runengine/internal/config"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Runs a background action worker process",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running worker process")
		conf := config.FromCobraCmd(cmd)

		db := mustDatabase(conf)
		client := mustKeyval(conf)
		eng, _ := mustEngine(conf, db, client)

		ctx, cancel := context.WithCancel(context.Background())
		wrk := actions.NewWorker(
			eng.Queue(),
			eng.Catalog(),
			conf.Worker.Concurrency,
			time.Duration(conf.Worker.PollIntervalSec)*time.Second,
		)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		go wrk.Start(ctx)

		defer func() {
			if err := db.Close(); err != nil {
				log.Printf("Could not close db cleanly on shutdown: %v\n", err)
			}

			if err := client.Close(); err != nil {
				log.Printf("Could not close redis cleanly on shutdown: %v\n", err)
			}

			cancel()
		}()

		log.Info().Msgf("Received signal %v, shutting down...", <-sigCh)
	},
}
