package runcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"runengine/internal/api"
	"runengine/internal/config"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the API server",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running API server")
		conf := config.FromCobraCmd(cmd)

		db := mustDatabase(conf)
		client := mustKeyval(conf)
		eng, st := mustEngine(conf, db, client)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		srv := api.New(ctx, eng, st, &api.Config{
			Host: conf.Server.Host,
			Port: conf.Server.Port,
		})

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Listen()
		}()

		defer func() {
			if err := db.Close(); err != nil {
				log.Printf("Could not close db cleanly on shutdown: %v\n", err)
			}

			if err := client.Close(); err != nil {
				log.Printf("Could not close redis cleanly on shutdown: %v\n", err)
			}
		}()

		select {
		case err := <-errCh:
			if err != nil {
				log.Fatal().Err(err).Msg("API server ran into problems")
			}
		case sig := <-sigCh:
			log.Info().Msgf("Received signal %v, shutting down...", sig)
			cancel()
			<-errCh
		}
	},
}
