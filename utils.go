package transactions

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"
)

func hasExpired(expiryTime time.Time) bool {
	return time.Now().After(expiryTime)
}

// atrKeyForDoc deterministically shards a document key onto one of numAtrs
// ATR documents so that every client resolves the same ATR for the same key.
func atrKeyForDoc(key string, numAtrs int) string {
	h := fnv.New32a()
	h.Write([]byte(key))
	return fmt.Sprintf("%s%d", atrKeyPrefix, int(h.Sum32())%numAtrs)
}

// opCtx derives a per-operation deadline from the configured key-value
// timeout.  A zero timeout leaves the caller's context untouched.
func opCtx(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// retryBackoff computes the delay before retrying a failed attempt as a new
// attempt: exponential in the number of attempts so far, with full jitter,
// capped at ceil.
func retryBackoff(attempt int, base, ceil time.Duration) time.Duration {
	if base <= 0 {
		base = 1 * time.Millisecond
	}
	if ceil <= 0 {
		ceil = 100 * time.Millisecond
	}

	delay := base << uint(attempt)
	if delay > ceil || delay <= 0 {
		delay = ceil
	}

	return time.Duration(rand.Int63n(int64(delay) + 1))
}

func nowUnixMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}
