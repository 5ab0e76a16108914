package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanrelay/internal/domain"
	logx "chanrelay/pkg/logx"
)

func sampleJob(owner int64) *domain.Job {
	return &domain.Job{
		Owner:            owner,
		Source:           "-1001",
		Target:           "-1002",
		StartID:          100,
		End:              domain.Unbounded(),
		BatchSize:        5,
		IntervalMinutes:  10,
		RetentionMinutes: 60,
		Filter:           domain.FilterMedia,
		Caption:          "hello",
		Button:           &domain.Button{Label: "Join", URL: "https://t.me/x"},
	}
}

// runConformance exercises the Store contract shared by every driver.
func runConformance(t *testing.T, open func(t *testing.T) Store) {
	t.Run("create and get", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		in := sampleJob(7)
		in.Active = true
		created, err := s.CreateJob(ctx, in)
		require.NoError(t, err)
		require.NotEmpty(t, created.ID)
		assert.False(t, created.Active, "new jobs start inactive")
		assert.Equal(t, int64(99), created.Cursor)

		got, err := s.GetJob(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.Source, got.Source)
		assert.Equal(t, domain.FilterMedia, got.Filter)
		assert.False(t, got.End.IsFinite())
		require.NotNil(t, got.Button)
		assert.Equal(t, "Join", got.Button.Label)

		_, err = s.GetJob(ctx, "missing")
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("invalid job rejected", func(t *testing.T) {
		s := open(t)
		j := sampleJob(1)
		j.BatchSize = 50
		_, err := s.CreateJob(context.Background(), j)
		assert.True(t, errors.Is(err, domain.ErrInvalid))
	})

	t.Run("key is unique", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		j := sampleJob(1)
		j.Key = "mirror"
		created, err := s.CreateJob(ctx, j)
		require.NoError(t, err)

		_, err = s.CreateJob(ctx, j)
		assert.True(t, errors.Is(err, domain.ErrConflict))

		byKey, err := s.GetJobByKey(ctx, "mirror")
		require.NoError(t, err)
		assert.Equal(t, created.ID, byKey.ID)
	})

	t.Run("cursor never moves back", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		j, err := s.CreateJob(ctx, sampleJob(1))
		require.NoError(t, err)
		require.NoError(t, s.SetActive(ctx, j.ID, true))

		c, err := s.AdvanceCursor(ctx, j.ID, 200)
		require.NoError(t, err)
		assert.Equal(t, int64(200), c)

		c, err = s.AdvanceCursor(ctx, j.ID, 150)
		require.NoError(t, err)
		assert.Equal(t, int64(200), c)

		got, err := s.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(200), got.Cursor)

		_, err = s.AdvanceCursor(ctx, "missing", 5)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("inactive job ignores progress", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		j, err := s.CreateJob(ctx, sampleJob(1))
		require.NoError(t, err)
		require.NoError(t, s.SetActive(ctx, j.ID, true))
		_, err = s.AdvanceCursor(ctx, j.ID, 120)
		require.NoError(t, err)

		// A stop followed by a reset must not be undone by a cycle that was
		// still in flight.
		require.NoError(t, s.SetActive(ctx, j.ID, false))
		_, err = s.ResetJob(ctx, j.ID)
		require.NoError(t, err)

		c, err := s.AdvanceCursor(ctx, j.ID, 124)
		require.NoError(t, err)
		assert.Equal(t, int64(99), c)
		require.NoError(t, s.AppendForward(ctx, domain.ForwardRecord{JobID: j.ID, SourceID: 124, DestID: 7}))

		got, err := s.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(99), got.Cursor)
		n, err := s.CountForwards(ctx, j.ID)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("update keeps cursor and active", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		j, err := s.CreateJob(ctx, sampleJob(1))
		require.NoError(t, err)
		require.NoError(t, s.SetActive(ctx, j.ID, true))
		_, err = s.AdvanceCursor(ctx, j.ID, 300)
		require.NoError(t, err)

		edit := j.Clone()
		edit.End = domain.Finite(500)
		edit.BatchSize = 10
		edit.Button = nil
		edit.Cursor = 0
		edit.Active = false
		_, err = s.UpdateJob(ctx, edit)
		require.NoError(t, err)

		got, err := s.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.Finite(500), got.End)
		assert.Equal(t, 10, got.BatchSize)
		assert.Nil(t, got.Button)
		assert.Equal(t, int64(300), got.Cursor)
		assert.True(t, got.Active)
	})

	t.Run("list by owner and active", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		a, err := s.CreateJob(ctx, sampleJob(1))
		require.NoError(t, err)
		_, err = s.CreateJob(ctx, sampleJob(2))
		require.NoError(t, err)
		require.NoError(t, s.SetActive(ctx, a.ID, true))

		mine, err := s.ListJobsByOwner(ctx, 1)
		require.NoError(t, err)
		require.Len(t, mine, 1)
		assert.Equal(t, a.ID, mine[0].ID)

		active, err := s.ListActiveJobs(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, a.ID, active[0].ID)

		all, err := s.ListJobs(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("forward records by age", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		j, err := s.CreateJob(ctx, sampleJob(1))
		require.NoError(t, err)
		require.NoError(t, s.SetActive(ctx, j.ID, true))

		now := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, s.AppendForward(ctx, domain.ForwardRecord{JobID: j.ID, SourceID: 101, DestID: 1, ForwardedAt: now.Add(-2 * time.Hour)}))
		require.NoError(t, s.AppendForward(ctx, domain.ForwardRecord{JobID: j.ID, SourceID: 102, DestID: 2, ForwardedAt: now.Add(-90 * time.Minute)}))
		require.NoError(t, s.AppendForward(ctx, domain.ForwardRecord{JobID: j.ID, SourceID: 103, DestID: 3, ForwardedAt: now.Add(-time.Minute)}))

		expired, err := s.ExpiredForwards(ctx, j.ID, now.Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, expired, 2)
		assert.ElementsMatch(t, []int64{1, 2}, []int64{expired[0].DestID, expired[1].DestID})

		require.NoError(t, s.DeleteForwards(ctx, j.ID, []int64{1, 2}))
		n, err := s.CountForwards(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("reset rewinds and purges", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		j, err := s.CreateJob(ctx, sampleJob(1))
		require.NoError(t, err)
		require.NoError(t, s.SetActive(ctx, j.ID, true))
		_, err = s.AdvanceCursor(ctx, j.ID, 180)
		require.NoError(t, err)
		require.NoError(t, s.AppendForward(ctx, domain.ForwardRecord{JobID: j.ID, SourceID: 150, DestID: 9}))

		got, err := s.ResetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(99), got.Cursor)

		n, err := s.CountForwards(ctx, j.ID)
		require.NoError(t, err)
		assert.Zero(t, n)

		expired, err := s.ExpiredForwards(ctx, j.ID, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, expired)
	})

	t.Run("delete removes job and records", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		j, err := s.CreateJob(ctx, sampleJob(1))
		require.NoError(t, err)
		require.NoError(t, s.SetActive(ctx, j.ID, true))
		require.NoError(t, s.AppendForward(ctx, domain.ForwardRecord{JobID: j.ID, SourceID: 150, DestID: 9}))

		require.NoError(t, s.DeleteJob(ctx, j.ID))
		_, err = s.GetJob(ctx, j.ID)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		n, err := s.CountForwards(ctx, j.ID)
		require.NoError(t, err)
		assert.Zero(t, n)

		assert.True(t, errors.Is(s.DeleteJob(ctx, j.ID), domain.ErrNotFound))
	})

	t.Run("owner state", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		_, ok, err := s.GetOwnerState(ctx, 5)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.PutOwnerState(ctx, 5, []byte(`{"step":1}`)))
		require.NoError(t, s.PutOwnerState(ctx, 5, []byte(`{"step":2}`)))
		st, ok, err := s.GetOwnerState(ctx, 5)
		require.NoError(t, err)
		require.True(t, ok)
		assert.JSONEq(t, `{"step":2}`, string(st))

		require.NoError(t, s.ClearOwnerState(ctx, 5))
		_, ok, err = s.GetOwnerState(ctx, 5)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	runConformance(t, func(t *testing.T) Store { return NewMemory() })
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	runConformance(t, func(t *testing.T) Store {
		s, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "relay.json")}, logx.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	runConformance(t, func(t *testing.T) Store {
		s, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "relay.db"), BusyTimeout: time.Second}, logx.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("CHANRELAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHANRELAY_TEST_POSTGRES_DSN not set")
	}
	runConformance(t, func(t *testing.T) Store {
		s, err := Open(Config{Driver: "postgres", DSN: dsn}, logx.Nop())
		require.NoError(t, err)
		ss := s.(*sqlStore)
		for _, tbl := range []string{"jobs", "forwards", "owner_state"} {
			_, err := ss.db.Exec("DELETE FROM " + tbl)
			require.NoError(t, err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("CHANRELAY_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("CHANRELAY_TEST_MONGO_URI not set")
	}
	n := 0
	runConformance(t, func(t *testing.T) Store {
		n++
		db := fmt.Sprintf("chanrelay_test_%d_%d", time.Now().Unix(), n)
		s, err := Open(Config{Driver: "mongo", DSN: uri, Database: db}, logx.Nop())
		if err != nil {
			t.Skipf("mongo not available: %v", err)
		}
		t.Cleanup(func() {
			ms := s.(*mongoStore)
			_ = ms.jobs.Database().Drop(context.Background())
			_ = s.Close()
		})
		return s
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "relay.json")
	ctx := context.Background()

	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	j, err := s.CreateJob(ctx, sampleJob(3))
	require.NoError(t, err)
	require.NoError(t, s.SetActive(ctx, j.ID, true))
	_, err = s.AdvanceCursor(ctx, j.ID, 140)
	require.NoError(t, err)
	require.NoError(t, s.AppendForward(ctx, domain.ForwardRecord{JobID: j.ID, SourceID: 120, DestID: 55}))

	// Simulate a crash: drop the handle without compaction.
	fs := s.(*fileStore)
	require.NoError(t, fs.journal.Close())

	s2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)
	assert.Equal(t, int64(140), got.Cursor)
	n, err := s2.CountForwards(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// A clean close compacts into the snapshot and empties the journal.
	require.NoError(t, s2.Close())
	info, err := os.Stat(filepath.Join(filepath.Dir(path), "relay.journal.jsonl"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	s3, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer s3.Close()
	got, err = s3.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(140), got.Cursor)
}

func TestRebindNumbered(t *testing.T) {
	t.Parallel()
	s := &sqlStore{d: postgresDialect()}
	assert.Equal(t, "a = $1 AND b IN ($2,$3)", s.rebind("a = ? AND b IN (?,?)"))
	s.d = sqliteDialect()
	assert.Equal(t, "a = ?", s.rebind("a = ?"))
}
