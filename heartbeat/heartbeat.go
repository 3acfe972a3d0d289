// Package heartbeat stores liveness timestamps for recurring tasks.
//
// Each recurring task submits a heartbeat after a successful run; external
// monitoring reads the timestamps back and alerts on sources that have
// gone stale.
package heartbeat

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/errs"
)

// Error is the default error class for the heartbeat package.
var Error = errs.Class("heartbeat")

// Source identifies a recurring task.
type Source string

// Known heartbeat sources.
const (
	SourceSyncObjects       Source = "sync_objects"
	SourceSyncAttachments   Source = "sync_attachments"
	SourceSyncHashes        Source = "sync_hashes"
	SourceSyncProcessedSIPs Source = "sync_processed_sips"
)

// Sources lists every defined heartbeat source.
var Sources = []Source{
	SourceSyncObjects,
	SourceSyncAttachments,
	SourceSyncHashes,
	SourceSyncProcessedSIPs,
}

// Key returns the Redis key holding the heartbeat timestamp.
func (source Source) Key() string {
	return "heartbeat:" + string(source)
}

// Monitor submits and reads heartbeats.
type Monitor struct {
	client redis.UniversalClient
}

// NewMonitor creates a Monitor on the given Redis client.
func NewMonitor(client redis.UniversalClient) *Monitor {
	return &Monitor{client: client}
}

// Submit records that a source has completed a run just now.
func (monitor *Monitor) Submit(ctx context.Context, source Source) error {
	err := monitor.client.Set(
		ctx, source.Key(), time.Now().Unix(), 0,
	).Err()
	if err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// Heartbeats returns the last run time of every defined source. Sources
// that have never submitted a heartbeat map to nil.
func (monitor *Monitor) Heartbeats(ctx context.Context) (map[Source]*time.Time, error) {
	pipe := monitor.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(Sources))
	for i, source := range Sources {
		cmds[i] = pipe.Get(ctx, source.Key())
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, Error.Wrap(err)
	}

	result := make(map[Source]*time.Time, len(Sources))
	for i, source := range Sources {
		value, err := cmds[i].Result()
		if err == redis.Nil {
			result[source] = nil
			continue
		} else if err != nil {
			return nil, Error.Wrap(err)
		}

		unix, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		submitted := time.Unix(unix, 0).UTC()
		result[source] = &submitted
	}
	return result, nil
}
