// Package actions implements the background action queue: a generic
// at-least-once job queue over Redis with a fixed catalog of job kinds. Every
// asynchronous engine transition (waitpoint timers, heartbeat timeouts, run
// expiry, cancellation, batch completion, delayed-run activation, post-wait
// continuation) is delivered through it.
package actions

import (
	"context"
	"encoding/json"
	"time"
)

type Kind string

const (
	KindFinishWaitpoint         Kind = "finishWaitpoint"
	KindHeartbeatSnapshot       Kind = "heartbeatSnapshot"
	KindExpireRun               Kind = "expireRun"
	KindCancelRun               Kind = "cancelRun"
	KindQueueRunsPendingVersion Kind = "queueRunsPendingVersion"
	KindTryCompleteBatch        Kind = "tryCompleteBatch"
	KindContinueRunIfUnblocked  Kind = "continueRunIfUnblocked"
	KindEnqueueDelayedRun       Kind = "enqueueDelayedRun"
)

// Kinds lists every catalog entry, in stable order for the worker poll loop
var Kinds = []Kind{
	KindFinishWaitpoint,
	KindHeartbeatSnapshot,
	KindExpireRun,
	KindCancelRun,
	KindQueueRunsPendingVersion,
	KindTryCompleteBatch,
	KindContinueRunIfUnblocked,
	KindEnqueueDelayedRun,
}

// Action is one delivery of a catalog job
type Action struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Deliveries int             `json:"deliveries"`
}

// Handler processes one action delivery. Handlers must be idempotent: the
// queue is at-least-once and the same payload may be delivered again after a
// visibility timeout or a worker crash.
type Handler func(ctx context.Context, payload json.RawMessage) error

// CatalogEntry declares the handler and the visibility timeout of a job
// kind. If a delivery is not acknowledged within the visibility timeout, the
// action becomes visible again for another worker.
type CatalogEntry struct {
	VisibilityTimeout time.Duration
	Handler           Handler
}

// Catalog maps the fixed set of job kinds to their entries
type Catalog map[Kind]CatalogEntry

// Payload schemas for the engine's job catalog

type FinishWaitpointPayload struct {
	WaitpointID  string `json:"waitpoint_id"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type HeartbeatSnapshotPayload struct {
	RunID      string `json:"run_id"`
	SnapshotID string `json:"snapshot_id"`
}

type ExpireRunPayload struct {
	RunID string `json:"run_id"`
}

type CancelRunPayload struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}

type QueueRunsPendingVersionPayload struct {
	EnvironmentID string `json:"environment_id"`
}

type TryCompleteBatchPayload struct {
	BatchID string `json:"batch_id"`
}

type ContinueRunIfUnblockedPayload struct {
	RunID string `json:"run_id"`
}

type EnqueueDelayedRunPayload struct {
	RunID string `json:"run_id"`
}
