// Package runqueue implements the per-environment/per-queue run queue that
// dequeue-eligible runs wait on, with a concurrency limit per queue.
package runqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	queueKeyPrefix       = "engine:runqueue:"
	concurrencyKeyPrefix = "engine:concurrency:"
)

// Message is the queue entry for one dequeue-eligible run
type Message struct {
	RunID         string `json:"run_id"`
	EnvironmentID string `json:"environment_id"`
	Queue         string `json:"queue"`
}

// dequeueScript pops the oldest run only while the queue is below its
// concurrency limit, and reserves one concurrency slot for it
var dequeueScript = redis.NewScript(`
local count = tonumber(redis.call("GET", KEYS[2]) or "0")
if count >= tonumber(ARGV[1]) then
	return false
end
local msg = redis.call("LPOP", KEYS[1])
if not msg then
	return false
end
redis.call("INCR", KEYS[2])
return msg
`)

// releaseScript frees a concurrency slot, never going below zero
var releaseScript = redis.NewScript(`
local count = tonumber(redis.call("GET", KEYS[1]) or "0")
if count > 0 then
	redis.call("DECR", KEYS[1])
end
return count
`)

// Queue is the Redis-backed run queue
type Queue struct {
	client *redis.Client
}

// NewQueue creates a run queue on top of the given Redis client
func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func queueKey(environmentID, queue string) string {
	return queueKeyPrefix + environmentID + ":" + queue
}

func concurrencyKey(environmentID, queue string) string {
	return concurrencyKeyPrefix + environmentID + ":" + queue
}

// Enqueue appends the run to its environment/queue list
func (q *Queue) Enqueue(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.client.RPush(ctx, queueKey(msg.EnvironmentID, msg.Queue), data).Err()
}

// Dequeue pops the oldest run from the queue when a concurrency slot is
// available, reserving the slot. Returns nil when the queue is empty or at
// its limit. The slot is held until Release.
func (q *Queue) Dequeue(ctx context.Context, environmentID, queue string, concurrencyLimit int) (*Message, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{queueKey(environmentID, queue), concurrencyKey(environmentID, queue)},
		concurrencyLimit,
	).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("could not dequeue from run queue %s/%s: %w", environmentID, queue, err)
	}

	data, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected run queue reply: %v", res)
	}

	var msg Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("could not parse run queue message: %w", err)
	}
	return &msg, nil
}

// Release frees the concurrency slot reserved at dequeue. Called when the
// run reaches a terminal status or goes back to the queue.
func (q *Queue) Release(ctx context.Context, environmentID, queue string) error {
	return releaseScript.Run(ctx, q.client, []string{concurrencyKey(environmentID, queue)}).Err()
}

// Len returns the number of queued runs for an environment/queue pair
func (q *Queue) Len(ctx context.Context, environmentID, queue string) (int64, error) {
	return q.client.LLen(ctx, queueKey(environmentID, queue)).Result()
}
