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

type engine struct {
	sup   *Supervisor
	store storage.Store
	ch    *fake.Channel
	clk   *fakeClock
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	e := &engine{store: storage.NewMemory(), ch: fake.New(), clk: newFakeClock()}
	e.sup = NewSupervisor(e.store, e.ch, Options{NoPacing: true, Clock: e.clk})
	runSupervisor(t, e.sup)
	return e
}

// runSupervisor runs sup until the test ends.
func runSupervisor(t *testing.T, sup *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = sup.Run(ctx) }()
	select {
	case <-sup.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor not ready")
	}
	t.Cleanup(func() {
		cancel()
		wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer wcancel()
		assert.NoError(t, sup.Wait(wctx))
	})
}

func (e *engine) create(t *testing.T, start int64, end domain.EndBound, batch int) *domain.Job {
	t.Helper()
	job, err := e.sup.Create(context.Background(), &domain.Job{
		Owner:           7,
		Source:          srcChat,
		Target:          dstChat,
		StartID:         start,
		End:             end,
		BatchSize:       batch,
		IntervalMinutes: 10,
		Filter:          domain.FilterAll,
	})
	require.NoError(t, err)
	return job
}

func (e *engine) cursor(t *testing.T, id string) int64 {
	t.Helper()
	job, err := e.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job.Cursor
}

func (e *engine) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return e.sup.Running() == 0 }, 2*time.Second, time.Millisecond)
}

func TestUnboundedCycleForwardsMatchesAndSleepsInterval(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	e.ch.Put(srcChat, fake.Text(105, "a"), fake.Media(110, domain.MediaPhoto, ""), fake.Text(120, "c"))
	job := e.create(t, 100, domain.Unbounded(), 5)
	assert.False(t, job.Active)
	assert.Equal(t, int64(99), job.Cursor)

	require.NoError(t, e.sup.Start(context.Background(), job.ID))

	sleeps := e.clk.waitSleeps(t, 1)
	assert.Equal(t, []time.Duration{10 * time.Minute}, sleeps)
	assert.Len(t, e.ch.Copies(), 3)
	assert.Equal(t, int64(124), e.cursor(t, job.ID))

	st, err := e.sup.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.True(t, st.Running)
	assert.Equal(t, domain.PhaseWaiting, st.Phase)
	assert.Equal(t, int64(3), st.Forwards)
	assert.Equal(t, e.clk.Now().Add(10*time.Minute), st.NextCycleAt)
}

func TestFiniteRangeCapsAndSlowPolls(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	for id := int64(1); id <= 12; id++ {
		e.ch.Put(srcChat, fake.Text(id, "x"))
	}
	job := e.create(t, 1, domain.Finite(10), 20)
	require.NoError(t, e.sup.Start(context.Background(), job.ID))

	sleeps := e.clk.waitSleeps(t, 1)
	assert.Equal(t, 20*time.Minute, sleeps[0])
	assert.Equal(t, int64(10), e.cursor(t, job.ID))
	assert.Len(t, e.ch.Copies(), 10)

	e.clk.Advance(20 * time.Minute)
	sleeps = e.clk.waitSleeps(t, 2)
	assert.Equal(t, 20*time.Minute, sleeps[1])
	assert.Len(t, e.ch.Fetches(), 1, "an exhausted job does not scan")
	assert.Len(t, e.ch.Copies(), 10)

	st, err := e.sup.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, st.Exhausted)
	assert.Empty(t, st.LastError)
}

func TestRateLimitMidForwardResumesSamePhase(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	e.ch.Put(srcChat, fake.Text(101, "a"), fake.Text(102, "b"), fake.Text(103, "c"))
	e.ch.Fail(fake.OpCopy, nil, domain.NewRateLimit("copy", 30*time.Second))
	job := e.create(t, 100, domain.Unbounded(), 5)
	require.NoError(t, e.sup.Start(context.Background(), job.ID))

	sleeps := e.clk.waitSleeps(t, 1)
	assert.Equal(t, 30*time.Second, sleeps[0])
	assert.Equal(t, int64(99), e.cursor(t, job.ID), "cursor stays until the phase completes")
	assert.Len(t, e.ch.Copies(), 1)

	e.clk.Advance(30 * time.Second)
	sleeps = e.clk.waitSleeps(t, 2)
	assert.Equal(t, 10*time.Minute, sleeps[1])
	assert.Len(t, e.ch.Copies(), 3)
	assert.Len(t, e.ch.Fetches(), 1, "the scan is not repeated")
	assert.Equal(t, int64(124), e.cursor(t, job.ID))

	var sources []int64
	for _, c := range e.ch.Copies() {
		sources = append(sources, c.Source.ID)
	}
	assert.Equal(t, []int64{101, 102, 103}, sources)
}

func TestFailureCoolsDownAndRetries(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	e.ch.Put(srcChat, fake.Text(1, "a"))
	e.ch.Fail(fake.OpFetch, errors.New("network down"))
	job := e.create(t, 1, domain.Unbounded(), 5)
	require.NoError(t, e.sup.Start(context.Background(), job.ID))

	sleeps := e.clk.waitSleeps(t, 1)
	assert.Equal(t, DefaultCooldown, sleeps[0])
	st, err := e.sup.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Contains(t, st.LastError, "network down")
	assert.Equal(t, int64(0), e.cursor(t, job.ID))

	e.clk.Advance(DefaultCooldown)
	e.clk.waitSleeps(t, 2)
	assert.Len(t, e.ch.Copies(), 1)
	st, err = e.sup.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, st.LastError)
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	job := e.create(t, 1, domain.Unbounded(), 5)
	require.NoError(t, e.sup.Start(context.Background(), job.ID))
	require.NoError(t, e.sup.Start(context.Background(), job.ID))

	e.clk.waitSleeps(t, 1)
	assert.Equal(t, 1, e.sup.Running())
	assert.Len(t, e.ch.Fetches(), 1)
}

func TestStopThenStartResumesFromCursor(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	e.ch.Put(srcChat, fake.Text(105, "a"))
	job := e.create(t, 100, domain.Unbounded(), 5)
	require.NoError(t, e.sup.Start(context.Background(), job.ID))
	e.clk.waitSleeps(t, 1)

	require.NoError(t, e.sup.Stop(context.Background(), job.ID))
	e.waitIdle(t)
	st, err := e.sup.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.Equal(t, domain.PhaseStopped, st.Phase)

	e.ch.Put(srcChat, fake.Text(126, "b"))
	require.NoError(t, e.sup.Start(context.Background(), job.ID))
	e.clk.waitSleeps(t, 2)

	fetches := e.ch.Fetches()
	require.Len(t, fetches, 2)
	assert.Equal(t, int64(125), fetches[1].From)
	assert.Len(t, e.ch.Copies(), 2)
	assert.Equal(t, int64(149), e.cursor(t, job.ID))
}

func TestResetAndDeleteRequireStoppedJob(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	ctx := context.Background()
	e.ch.Put(srcChat, fake.Text(3, "a"))
	job := e.create(t, 1, domain.Unbounded(), 5)
	require.NoError(t, e.sup.Start(ctx, job.ID))
	e.clk.waitSleeps(t, 1)

	_, err := e.sup.Reset(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.ErrorIs(t, e.sup.Delete(ctx, job.ID), domain.ErrConflict)

	require.NoError(t, e.sup.Stop(ctx, job.ID))
	e.waitIdle(t)

	reset, err := e.sup.Reset(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), reset.Cursor)
	assert.False(t, reset.Active)
	n, err := e.store.CountForwards(ctx, job.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, e.sup.Delete(ctx, job.ID))
	_, err = e.sup.Status(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestControlOnMissingJob(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	ctx := context.Background()
	assert.ErrorIs(t, e.sup.Start(ctx, "nope"), domain.ErrNotFound)
	assert.ErrorIs(t, e.sup.Stop(ctx, "nope"), domain.ErrNotFound)
	_, err := e.sup.Reset(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateRejectsInvalidJob(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	_, err := e.sup.Create(context.Background(), &domain.Job{Source: srcChat, Target: dstChat, StartID: 1, BatchSize: 50, IntervalMinutes: 1, Filter: domain.FilterAll})
	assert.ErrorIs(t, err, domain.ErrInvalid)
}

func TestRunnerExitsWhenJobDeletedExternally(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	ctx := context.Background()
	job := e.create(t, 1, domain.Unbounded(), 5)
	require.NoError(t, e.sup.Start(ctx, job.ID))
	e.clk.waitSleeps(t, 1)

	require.NoError(t, e.store.DeleteJob(ctx, job.ID))
	started, stopped, err := e.sup.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, started)
	assert.Equal(t, 1, stopped)
	e.waitIdle(t)
}

func TestReconcilePicksUpExternalActivation(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	ctx := context.Background()
	job := e.create(t, 1, domain.Unbounded(), 5)
	require.NoError(t, e.store.SetActive(ctx, job.ID, true))

	started, _, err := e.sup.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	e.clk.waitSleeps(t, 1)
	assert.Equal(t, 1, e.sup.Running())
}

func TestRunResumesActiveJobs(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	ch := fake.New()
	clk := newFakeClock()
	ch.Put(srcChat, fake.Text(2, "a"))

	ctx := context.Background()
	job, err := store.CreateJob(ctx, &domain.Job{Source: srcChat, Target: dstChat, StartID: 1, End: domain.Unbounded(), BatchSize: 5, IntervalMinutes: 5, Filter: domain.FilterAll})
	require.NoError(t, err)
	require.NoError(t, store.SetActive(ctx, job.ID, true))
	_, err = store.AdvanceCursor(ctx, job.ID, 1)
	require.NoError(t, err)

	sup := NewSupervisor(store, ch, Options{NoPacing: true, Clock: clk})
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- sup.Run(runCtx) }()

	sleeps := clk.waitSleeps(t, 1)
	assert.Equal(t, 5*time.Minute, sleeps[0])
	require.Len(t, ch.Fetches(), 1)
	assert.Equal(t, int64(2), ch.Fetches()[0].From)
	assert.Len(t, ch.Copies(), 1)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.ErrorIs(t, sup.Run(ctx), domain.ErrStopped)
}

func TestListAndOwnerStatus(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	a := e.create(t, 1, domain.Unbounded(), 5)
	b := e.create(t, 1, domain.Finite(50), 5)

	all, err := e.sup.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := e.sup.ListOwner(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, []string{mine[0].ID, mine[1].ID})

	none, err := e.sup.ListOwner(context.Background(), 8)
	require.NoError(t, err)
	assert.Empty(t, none)
}
