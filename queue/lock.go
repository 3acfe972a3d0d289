package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Lock expiries. The object lock must outlive the job execution
// deadline so a crashed worker cannot leave a lock that another worker
// honors while the job record has already expired.
const (
	objectLockExpiry   = DefaultTimeout + time.Hour
	workflowLockExpiry = 15 * time.Minute

	lockRetryInterval = 250 * time.Millisecond
)

// releaseScript deletes the lock only if it still holds our token, so
// an expired lock reacquired by somebody else is never released by us.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// WithObjectLock runs fn while holding the per-object lock. All work
// that touches an object's package directory must run under this lock.
func (queues *Queues) WithObjectLock(ctx context.Context, objectID int64, fn func(ctx context.Context) error) (err error) {
	defer mon.Task()(&ctx)(&err)
	key := "pasflow:lock:object:" + strconv.FormatInt(objectID, 10)
	return queues.withLock(ctx, key, objectLockExpiry, fn)
}

// WithWorkflowLock runs fn while holding the global workflow lock,
// which serializes enqueue planning against freeze and unfreeze.
func (queues *Queues) WithWorkflowLock(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer mon.Task()(&ctx)(&err)
	return queues.withLock(ctx, "pasflow:lock:workflow", workflowLockExpiry, fn)
}

func (queues *Queues) withLock(ctx context.Context, key string, expiry time.Duration, fn func(ctx context.Context) error) error {
	token, err := lockToken()
	if err != nil {
		return Error.Wrap(err)
	}

	for {
		acquired, err := queues.client.SetNX(ctx, key, token, expiry).Result()
		if err != nil {
			return Error.Wrap(err)
		}
		if acquired {
			break
		}
		select {
		case <-ctx.Done():
			return Error.Wrap(ctx.Err())
		case <-time.After(lockRetryInterval):
		}
	}

	defer func() {
		// Release must not be tied to ctx: the lock should be freed
		// even when fn failed due to cancellation.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, queues.client, []string{key}, token).Err(); err != nil {
			queues.log.Warn("failed to release lock",
				zap.String("key", key), zap.Error(err))
		}
	}()

	return fn(ctx)
}

func lockToken() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
