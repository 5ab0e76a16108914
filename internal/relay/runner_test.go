package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanrelay/internal/domain"
	"chanrelay/internal/storage"
	"chanrelay/internal/transport/fake"
)

// editedStore serves jobs as if their record had been edited past the
// validator.
type editedStore struct {
	storage.Store
	edit func(*domain.Job)
}

func (s editedStore) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	j, err := s.Store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	s.edit(j)
	return j, nil
}

// gate blocks the first call of op until released.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func blockFirst(ch *fake.Channel, op string) *gate {
	g := &gate{entered: make(chan struct{}), release: make(chan struct{})}
	ch.OnCall(func(got string, n int) {
		if got == op && n == 1 {
			close(g.entered)
			<-g.release
		}
	})
	return g
}

func (g *gate) wait(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("call not reached")
	}
}

func TestMalformedStoredJobCoolsDown(t *testing.T) {
	t.Parallel()
	base := storage.NewMemory()
	ch := fake.New()
	clk := newFakeClock()
	ch.Put(srcChat, fake.Text(1, "a"))

	ctx := context.Background()
	job, err := base.CreateJob(ctx, &domain.Job{Source: srcChat, Target: dstChat, StartID: 1, End: domain.Unbounded(), BatchSize: 5, IntervalMinutes: 5, Filter: domain.FilterAll})
	require.NoError(t, err)
	require.NoError(t, base.SetActive(ctx, job.ID, true))

	store := editedStore{Store: base, edit: func(j *domain.Job) { j.IntervalMinutes = 0 }}
	sup := NewSupervisor(store, ch, Options{NoPacing: true, Clock: clk})
	runSupervisor(t, sup)

	sleeps := clk.waitSleeps(t, 1)
	assert.Equal(t, []time.Duration{DefaultCooldown}, sleeps)
	assert.Never(t, func() bool { return len(clk.Sleeps()) > 1 }, 50*time.Millisecond, 5*time.Millisecond,
		"the runner must wait on the frozen clock")
	assert.Empty(t, ch.Fetches())

	st, err := sup.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, st.LastError, "interval_minutes")

	clk.Advance(DefaultCooldown)
	sleeps = clk.waitSleeps(t, 2)
	assert.Equal(t, DefaultCooldown, sleeps[1])
	assert.Empty(t, ch.Fetches())
}

func TestStopStartDuringCycleKeepsInterval(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	ctx := context.Background()
	e.ch.Put(srcChat, fake.Text(101, "a"))
	g := blockFirst(e.ch, fake.OpFetch)

	job := e.create(t, 100, domain.Unbounded(), 5)
	require.NoError(t, e.sup.Start(ctx, job.ID))
	g.wait(t)

	require.NoError(t, e.sup.Stop(ctx, job.ID))
	require.NoError(t, e.sup.Start(ctx, job.ID))
	close(g.release)

	sleeps := e.clk.waitSleeps(t, 1)
	assert.Equal(t, 10*time.Minute, sleeps[0])
	assert.Never(t, func() bool { return len(e.ch.Fetches()) > 1 }, 50*time.Millisecond, 5*time.Millisecond,
		"a second cycle ran without the interval passing")
	assert.Equal(t, []time.Duration{10 * time.Minute}, e.clk.Sleeps())
	assert.Equal(t, 1, e.sup.Running())
}

func TestResetFromSecondProcessSurvivesInFlightCycle(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	ctx := context.Background()
	e.ch.Put(srcChat, fake.Text(105, "a"))
	g := blockFirst(e.ch, fake.OpCopy)

	job := e.create(t, 100, domain.Unbounded(), 5)
	require.NoError(t, e.sup.Start(ctx, job.ID))
	g.wait(t)

	// A control process sharing the store, like the jobs CLI.
	cli := NewSupervisor(e.store, nil, Options{})
	require.NoError(t, cli.Stop(ctx, job.ID))
	reset, err := cli.Reset(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(99), reset.Cursor)
	close(g.release)

	e.clk.waitSleeps(t, 1)
	assert.Len(t, e.ch.Copies(), 1)
	assert.Equal(t, int64(99), e.cursor(t, job.ID))
	n, err := e.store.CountForwards(ctx, job.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	e.clk.Advance(10 * time.Minute)
	e.waitIdle(t)
}
