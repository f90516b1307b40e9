package keyval

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"runengine/internal/config"
)

// New creates a Redis client for coordination state (locks, action delivery,
// run queues). Redis is never the durable source of truth for run status;
// that lives in Postgres.
func New(conf *config.REConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     conf.Redis.Host,
		Password: conf.Redis.Password,
		DB:       conf.Redis.DB,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, err
	}

	return client, nil
}
