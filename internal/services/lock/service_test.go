package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func newTestService(t *testing.T, maxActive int) (*Service, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewService(client, 30*time.Second, maxActive, arbor.NewLogger()), mr
}

func TestAcquire_AndBusy(t *testing.T) {
	svc, _ := newTestService(t, 0)
	ctx := context.Background()

	res, err := svc.Acquire(ctx, "doc-1", "job-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcquired, res.Outcome)

	holder, err := svc.Holder(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", holder)

	// Second job against the same document sees the holder.
	res, err = svc.Acquire(ctx, "doc-1", "job-2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeBusy, res.Outcome)
	assert.Equal(t, "job-1", res.HolderID)

	// A different document is independent.
	res, err = svc.Acquire(ctx, "doc-2", "job-2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcquired, res.Outcome)
}

func TestRelease_OnlyByHolder(t *testing.T) {
	svc, _ := newTestService(t, 0)
	ctx := context.Background()

	res, err := svc.Acquire(ctx, "doc-1", "job-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeAcquired, res.Outcome)

	// A non-holder release leaves the lock in place.
	require.NoError(t, svc.Release(ctx, "doc-1", "job-2"))
	holder, err := svc.Holder(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", holder)

	require.NoError(t, svc.Release(ctx, "doc-1", "job-1"))
	holder, err = svc.Holder(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, holder)

	res, err = svc.Acquire(ctx, "doc-1", "job-3")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcquired, res.Outcome)
}

func TestAcquire_Throttled(t *testing.T) {
	svc, _ := newTestService(t, 1)
	ctx := context.Background()

	res, err := svc.Acquire(ctx, "doc-1", "job-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeAcquired, res.Outcome)

	res, err = svc.Acquire(ctx, "doc-2", "job-2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeThrottled, res.Outcome)
	assert.Equal(t, int64(1), res.Active)

	// Releasing the first job frees a concurrency unit.
	require.NoError(t, svc.Release(ctx, "doc-1", "job-1"))
	res, err = svc.Acquire(ctx, "doc-2", "job-2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcquired, res.Outcome)
}

func TestRelease_DoubleReleaseDecrementsOnce(t *testing.T) {
	svc, mr := newTestService(t, 2)
	ctx := context.Background()

	for i, id := range []string{"job-1", "job-2"} {
		res, err := svc.Acquire(ctx, "doc-"+id, id)
		require.NoError(t, err)
		require.Equal(t, OutcomeAcquired, res.Outcome, "acquire %d", i)
	}
	active, err := mr.Get(activeKey)
	require.NoError(t, err)
	assert.Equal(t, "2", active)

	require.NoError(t, svc.Release(ctx, "doc-job-1", "job-1"))
	require.NoError(t, svc.Release(ctx, "doc-job-1", "job-1"))

	active, err = mr.Get(activeKey)
	require.NoError(t, err)
	assert.Equal(t, "1", active)
}

func TestAcquire_ExpiredLockIsReclaimable(t *testing.T) {
	svc, mr := newTestService(t, 0)
	ctx := context.Background()

	res, err := svc.Acquire(ctx, "doc-1", "job-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeAcquired, res.Outcome)

	mr.FastForward(31 * time.Second)

	res, err = svc.Acquire(ctx, "doc-1", "job-2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcquired, res.Outcome)
}

func TestNilClient_Unavailable(t *testing.T) {
	svc := NewService(nil, 30*time.Second, 4, arbor.NewLogger())
	ctx := context.Background()

	res, err := svc.Acquire(ctx, "doc-1", "job-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnavailable, res.Outcome)

	assert.NoError(t, svc.Release(ctx, "doc-1", "job-1"))

	holder, err := svc.Holder(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, holder)
}
