package cache

import (
	"context"
	"math/rand"
	"time"

	"github.com/danjacques/gofslock/fslock"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/logging"
)

// lockFS grabs a cross-process lock file and returns a function that
// releases it. This is the second of the cache's two mutual-exclusion
// layers: golang.org/x/sync/singleflight.Group dedups callers within one
// rbx process; lockFS dedups separate rbx processes sharing a cache root.
//
// Grounded on infra/cmd/gaedeploy/cache/lock.go's lockFS.
func lockFS(ctx context.Context, path string, giveUpTimeout time.Duration) (unlock func() error, err error) {
	ctx, cancel := context.WithTimeout(ctx, giveUpTimeout)
	defer cancel()

	attempt := 0
	l := fslock.L{
		Path: path,
		Block: fslock.Blocker(func() error {
			attempt++
			delay := time.Second + time.Duration(rand.Int63n(int64(time.Second)))
			logging.Warningf(ctx, "cache: failed to grab fs lock on attempt %d, retrying after %s...", attempt, delay)
			tr := clock.Sleep(ctx, delay)
			return tr.Err
		}),
	}

	handle, err := l.Lock()
	if err != nil {
		return nil, err
	}
	return handle.Unlock, nil
}
