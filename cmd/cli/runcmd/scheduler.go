package runcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"runengine/internal/config"
	"runengine/internal/scheduler"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Starts the scheduler process",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running scheduler process")
		conf := config.FromCobraCmd(cmd)

		db := mustDatabase(conf)
		client := mustKeyval(conf)
		eng, st := mustEngine(conf, db, client)

		hostname, err := os.Hostname()
		if err != nil {
			hostname = "scheduler"
		}

		ctx, cancel := context.WithCancel(context.Background())
		sch := scheduler.NewTaskScheduler(st, eng, hostname, scheduler.Config{
			JitterWindowSeconds: conf.Scheduler.JitterWindowSec,
			PollInterval:        time.Duration(conf.Scheduler.RefreshIntervalSec) * time.Second,
		})

		defer func() {
			if err := db.Close(); err != nil {
				log.Printf("Could not close db cleanly on shutdown: %v\n", err)
			}

			if err := client.Close(); err != nil {
				log.Printf("Could not close redis cleanly on shutdown: %v\n", err)
			}

			cancel()
			sch.Stop()
		}()

		if err := sch.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start scheduler")
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		log.Info().Msgf("Received signal %v, shutting down...", <-sigCh)
	},
}
