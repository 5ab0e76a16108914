package relay

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanrelay/internal/domain"
	"chanrelay/internal/storage"
	"chanrelay/internal/transport/fake"
)

// seedForwards stores one copy in dstChat plus its record per age.
func seedForwards(t *testing.T, store storage.Store, ch *fake.Channel, job *domain.Job, now time.Time, ages ...time.Duration) {
	t.Helper()
	for i, age := range ages {
		dest := int64(1000 + i)
		ch.Put(dstChat, fake.Text(dest, "copy"))
		require.NoError(t, store.AppendForward(context.Background(), domain.ForwardRecord{
			JobID:       job.ID,
			SourceID:    int64(i + 1),
			DestID:      dest,
			ForwardedAt: now.Add(-age),
		}))
	}
}

func retentionJob(t *testing.T, store storage.Store, minutes int) *domain.Job {
	j := scanJob(1, domain.Unbounded(), 5, domain.FilterAll)
	j.RetentionMinutes = minutes
	return storedJob(t, store, j)
}

func TestRetentionDeletesOnlyExpired(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	ch := fake.New()
	clk := newFakeClock()
	job := retentionJob(t, store, 60)
	seedForwards(t, store, ch, job, clk.Now(), 2*time.Hour, 61*time.Minute, 10*time.Minute)

	res, err := NewRetention(ch, store, Options{NoPacing: true, Clock: clk}).Sweep(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Expired)
	assert.Equal(t, 2, res.Deleted)
	assert.Equal(t, 2, res.Purged)

	assert.False(t, ch.Has(dstChat, 1000))
	assert.False(t, ch.Has(dstChat, 1001))
	assert.True(t, ch.Has(dstChat, 1002))

	n, err := store.CountForwards(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRetentionDisabled(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	ch := fake.New()
	clk := newFakeClock()
	job := retentionJob(t, store, 0)
	seedForwards(t, store, ch, job, clk.Now(), 48*time.Hour)

	res, err := NewRetention(ch, store, Options{NoPacing: true, Clock: clk}).Sweep(context.Background(), job)
	require.NoError(t, err)
	assert.Zero(t, res.Expired)
	assert.Zero(t, ch.Calls(fake.OpDelete))
}

func TestRetentionPurgesDespiteDeleteFailure(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	ch := fake.New()
	clk := newFakeClock()
	job := retentionJob(t, store, 1)
	seedForwards(t, store, ch, job, clk.Now(), time.Hour, time.Hour)
	ch.Fail(fake.OpDelete, errors.New("forbidden"))

	res, err := NewRetention(ch, store, Options{NoPacing: true, Clock: clk}).Sweep(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 2, res.Purged)

	n, err := store.CountForwards(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRetentionKeepOnFailure(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	ch := fake.New()
	clk := newFakeClock()
	job := retentionJob(t, store, 1)
	seedForwards(t, store, ch, job, clk.Now(), time.Hour, time.Hour)
	ch.Fail(fake.OpDelete, errors.New("forbidden"))

	ret := NewRetention(ch, store, Options{NoPacing: true, Clock: clk, RetentionKeepOnFailure: true})
	res, err := ret.Sweep(context.Background(), job)
	require.NoError(t, err)
	assert.Zero(t, res.Purged)

	n, err := store.CountForwards(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// The next sweep retries and succeeds.
	res, err = ret.Sweep(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Deleted)
}

func TestRetentionRateLimitKeepsRemainingChunks(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	ch := fake.New()
	clk := newFakeClock()
	job := retentionJob(t, store, 1)
	seedForwards(t, store, ch, job, clk.Now(), time.Hour, time.Hour, time.Hour)
	ch.Fail(fake.OpDelete, nil, domain.NewRateLimit("delete", 5*time.Second))

	ret := NewRetention(ch, store, Options{NoPacing: true, Clock: clk, DeleteChunk: 2})
	res, err := ret.Sweep(context.Background(), job)
	_, limited := domain.RateLimited(err)
	require.True(t, limited)
	assert.Equal(t, 2, res.Purged)

	n, err := store.CountForwards(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRetentionAfterResetFindsNothing(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	ch := fake.New()
	clk := newFakeClock()
	job := retentionJob(t, store, 1)
	seedForwards(t, store, ch, job, clk.Now(), time.Hour, 2*time.Hour)

	reset, err := store.ResetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StartID-1, reset.Cursor)

	res, err := NewRetention(ch, store, Options{NoPacing: true, Clock: clk}).Sweep(context.Background(), reset)
	require.NoError(t, err)
	assert.Zero(t, res.Expired)
	assert.Zero(t, ch.Calls(fake.OpDelete))
}
