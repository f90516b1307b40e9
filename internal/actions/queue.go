package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"runengine/internal/metrics"
)

const (
	keyPrefix           = "engine:actions:"
	DeadLetterQueueName = "engine:actions:dead"

	// MaxDeliveries bounds redelivery of a poisoned action before it is
	// moved to the dead-letter list
	MaxDeliveries = 5

	defaultVisibility = 30 * time.Second
)

// dequeueScript atomically claims the first due action of a kind: it bumps
// the member's score to now+visibility so other workers will not see it
// inside the window, and increments the delivery counter.
var dequeueScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #due == 0 then
	return false
end
local id = due[1]
redis.call("ZADD", KEYS[1], ARGV[2], id)
local deliveries = redis.call("HINCRBY", KEYS[2], id, 1)
local payload = redis.call("HGET", KEYS[3], id)
return {id, deliveries, payload}
`)

// Queue is the Redis-backed delivery mechanism of the background action
// queue. Entries live in one sorted set per job kind, scored by the time they
// become visible; payloads and delivery counts live in side hashes.
type Queue struct {
	client *redis.Client
}

// NewQueue creates an action queue on top of the given Redis client
func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func pendingKey(kind Kind) string  { return keyPrefix + string(kind) }
func deliveryKey(kind Kind) string { return keyPrefix + string(kind) + ":deliveries" }
func payloadKey(kind Kind) string  { return keyPrefix + string(kind) + ":payloads" }

// Enqueue schedules an action of the given kind to become visible at runAt.
// Use time.Now() (or the zero time) for immediate delivery.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload any, runAt time.Time) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("could not marshal %s payload: %w", kind, err)
	}

	if runAt.IsZero() {
		runAt = time.Now()
	}

	id := uuid.New().String()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, payloadKey(kind), id, data)
	pipe.ZAdd(ctx, pendingKey(kind), redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("could not enqueue %s action: %w", kind, err)
	}

	metrics.ActionsEnqueued.WithLabelValues(string(kind)).Inc()
	log.Debug().
		Str("action_kind", string(kind)).
		Str("action_id", id).
		Time("run_at", runAt).
		Msg("Enqueued background action")
	return id, nil
}

// Dequeue claims the next due action of the given kind, hiding it from other
// consumers for the visibility window. Returns nil when nothing is due.
// Actions past MaxDeliveries are dead-lettered instead of being returned.
func (q *Queue) Dequeue(ctx context.Context, kind Kind, visibility time.Duration) (*Action, error) {
	if visibility <= 0 {
		visibility = defaultVisibility
	}

	now := time.Now()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{pendingKey(kind), deliveryKey(kind), payloadKey(kind)},
		now.UnixMilli(), now.Add(visibility).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("could not dequeue %s action: %w", kind, err)
	}

	parts, ok := res.([]any)
	if !ok || len(parts) != 3 {
		return nil, fmt.Errorf("unexpected dequeue reply for %s: %v", kind, res)
	}

	action := &Action{
		ID:         parts[0].(string),
		Kind:       kind,
		Deliveries: int(parts[1].(int64)),
	}
	if payload, ok := parts[2].(string); ok {
		action.Payload = json.RawMessage(payload)
	}

	if action.Deliveries > MaxDeliveries {
		if err := q.DeadLetter(ctx, action); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return action, nil
}

// Ack acknowledges a delivery, removing the action from the queue
func (q *Queue) Ack(ctx context.Context, action *Action) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, pendingKey(action.Kind), action.ID)
	pipe.HDel(ctx, deliveryKey(action.Kind), action.ID)
	pipe.HDel(ctx, payloadKey(action.Kind), action.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// DeadLetter removes the action from its queue and records it on the
// dead-letter list, so a poison pill cannot loop through redelivery forever
func (q *Queue) DeadLetter(ctx context.Context, action *Action) error {
	data, err := json.Marshal(action)
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, DeadLetterQueueName, data)
	pipe.ZRem(ctx, pendingKey(action.Kind), action.ID)
	pipe.HDel(ctx, deliveryKey(action.Kind), action.ID)
	pipe.HDel(ctx, payloadKey(action.Kind), action.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	log.Warn().
		Str("action_kind", string(action.Kind)).
		Str("action_id", action.ID).
		Int("deliveries", action.Deliveries).
		Msg("Dead-lettered background action")
	return nil
}

// PendingCount returns the number of queued entries for a kind, visible or
// not. Used for metrics.
func (q *Queue) PendingCount(ctx context.Context, kind Kind) (int64, error) {
	return q.client.ZCard(ctx, pendingKey(kind)).Result()
}
