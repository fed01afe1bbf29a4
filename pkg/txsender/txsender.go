// Package txsender submits queued transactions to the chain.
package txsender

import (
	"context"
	"time"
)

// Locker provides the short-lived dedupe locks that bound corrective-job
// enqueues from concurrent send attempts.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
