package runcmd

import (
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"runengine/internal/actions"
	"runengine/internal/config"
	"runengine/internal/database"
	"runengine/internal/engine"
	"runengine/internal/keyval"
	"runengine/internal/locker"
	"runengine/internal/runqueue"
	"runengine/internal/store"
	"runengine/internal/waitpoint"
)

var Command = &cobra.Command{
	Use:   "run",
	Short: "Run service",
	Long:  "Run service from a selected list of services",
}

func init() {
	Command.AddCommand(serverCmd)
	Command.AddCommand(workerCmd)
	Command.AddCommand(schedulerCmd)
}

func mustDatabase(conf *config.REConfig) *sqlx.DB {
	db, err := database.New(conf)
	if err != nil {
		log.Fatalf("Could not connect to database: %v", err)
	}

	return db
}

func mustKeyval(conf *config.REConfig) *redis.Client {
	client, err := keyval.New(conf)
	if err != nil {
		log.Fatalf("Could not connect to redis: %v", err)
	}
	return client
}

// mustEngine wires the engine and its collaborators on top of the shared
// database and redis connections
func mustEngine(conf *config.REConfig, db *sqlx.DB, client *redis.Client) (*engine.Engine, store.Store) {
	st := store.NewPostgres(db)

	var lockOpts []locker.Option
	if conf.Locker.AcquireTimeoutSec > 0 {
		lockOpts = append(lockOpts, locker.WithAcquireTimeout(time.Duration(conf.Locker.AcquireTimeoutSec)*time.Second))
	}
	if conf.Locker.DefaultTTLSec > 0 {
		lockOpts = append(lockOpts, locker.WithDefaultTTL(time.Duration(conf.Locker.DefaultTTLSec)*time.Second))
	}
	lk := locker.New(client, lockOpts...)
	aq := actions.NewQueue(client)
	rq := runqueue.NewQueue(client)
	wm := waitpoint.NewManager(st, lk, aq)

	eng := engine.New(st, lk, aq, rq, wm, client, engine.Config{
		HeartbeatInterval:     time.Duration(conf.Engine.HeartbeatIntervalSec) * time.Second,
		SuspendThreshold:      time.Duration(conf.Engine.SuspendThresholdSec) * time.Second,
		MaxAttemptsDefault:    conf.Engine.MaxAttemptsDefault,
		QueueConcurrencyLimit: conf.Engine.QueueConcurrencyLimit,
	})
	return eng, st
}
