package transactions

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtrKeyForDoc(t *testing.T) {
	key := atrKeyForDoc("some-doc", 1024)

	assert.True(t, strings.HasPrefix(key, atrKeyPrefix))
	assert.Equal(t, key, atrKeyForDoc("some-doc", 1024))

	// Every key lands inside the shard range.
	for _, docID := range []string{"a", "b", "customer::192", "order::0"} {
		for _, numAtrs := range []int{1, 16, 1024} {
			shard := atrKeyForDoc(docID, numAtrs)
			require.True(t, strings.HasPrefix(shard, atrKeyPrefix))

			n, err := strconv.Atoi(strings.TrimPrefix(shard, atrKeyPrefix))
			require.NoError(t, err)
			assert.GreaterOrEqual(t, n, 0)
			assert.Less(t, n, numAtrs)
		}
	}
}

func TestRetryBackoffStaysUnderCeil(t *testing.T) {
	for attempt := 0; attempt < 64; attempt++ {
		delay := retryBackoff(attempt, 1*time.Millisecond, 100*time.Millisecond)
		assert.GreaterOrEqual(t, delay, time.Duration(0))
		assert.LessOrEqual(t, delay, 100*time.Millisecond)
	}
}

func TestRetryBackoffDefaults(t *testing.T) {
	for attempt := 0; attempt < 64; attempt++ {
		delay := retryBackoff(attempt, 0, 0)
		assert.LessOrEqual(t, delay, 100*time.Millisecond)
	}
}

func TestOpCtxZeroTimeoutPassthrough(t *testing.T) {
	ctx, cancel := opCtx(context.Background(), 0)
	defer cancel()

	_, hasDeadline := ctx.Deadline()
	assert.False(t, hasDeadline)

	ctx, cancel = opCtx(context.Background(), time.Second)
	defer cancel()

	_, hasDeadline = ctx.Deadline()
	assert.True(t, hasDeadline)
}
