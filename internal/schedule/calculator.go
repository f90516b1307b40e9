package schedule

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/robfig/cron/v3"
)

// NextScheduledTimestamp evaluates the cron expression in the given timezone
// (UTC when empty) relative to lastScheduled. If the computed fire time is
// not in the future (the process was down, or the computation lagged), it is
// recomputed relative to now: the returned time is always strictly after now.
func NextScheduledTimestamp(cronExpression, timezone string, lastScheduled time.Time) (time.Time, error) {
	if timezone == "" {
		timezone = "UTC"
	}

	sched, err := cron.ParseStandard(fmt.Sprintf("CRON_TZ=%s %s", timezone, cronExpression))
	if err != nil {
		return time.Time{}, fmt.Errorf("could not parse cron expression %q: %w", cronExpression, err)
	}

	now := time.Now()
	next := sched.Next(lastScheduled)
	if !next.After(now) {
		next = sched.Next(now)
	}
	return next, nil
}

// DistributedExecutionTime spreads simultaneously-due schedules across a
// jitter window to avoid a thundering herd. The offset is a pure function of
// (exactTime, instanceID): stable across recomputation, different across
// instances, approximately uniform over [0, windowSeconds).
func DistributedExecutionTime(exactTime time.Time, windowSeconds int, instanceID string) time.Time {
	if windowSeconds <= 0 {
		return exactTime
	}

	h := xxhash.New()
	_, _ = h.WriteString(instanceID)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.FormatInt(exactTime.Unix(), 10))
	offset := time.Duration(h.Sum64()%uint64(windowSeconds)) * time.Second

	return exactTime.Add(-offset)
}
