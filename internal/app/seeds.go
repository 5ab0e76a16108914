package app

import (
	"context"
	"reflect"
	"time"

	"github.com/cockroachdb/errors"

	"chanrelay/internal/config"
	"chanrelay/internal/domain"
	"chanrelay/internal/relay"
	"chanrelay/internal/storage"
	logx "chanrelay/pkg/logx"
)

// seedResult counts what syncSeeds did.
type seedResult struct {
	Created, Updated, Started, Stopped int
}

// syncSeeds makes the jobs declared in the config file exist with the
// declared settings and active flag. Jobs are matched by key; jobs the file
// no longer mentions are left alone.
func syncSeeds(ctx context.Context, store storage.JobStore, rel *relay.Supervisor, seeds []config.JobSeed, log logx.Logger) (seedResult, error) {
	var res seedResult
	var errs error
	for _, seed := range seeds {
		if err := syncSeed(ctx, store, rel, seed, &res); err != nil {
			log.Warn("job seed not applied", logx.String("key", seed.Key), logx.Err(err))
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "seed %q", seed.Key))
		}
	}
	if res != (seedResult{}) {
		log.Info("job seeds applied",
			logx.Int("created", res.Created), logx.Int("updated", res.Updated),
			logx.Int("started", res.Started), logx.Int("stopped", res.Stopped))
	}
	return res, errs
}

func syncSeed(ctx context.Context, store storage.JobStore, rel *relay.Supervisor, seed config.JobSeed, res *seedResult) error {
	want, err := seed.Job()
	if err != nil {
		return err
	}

	cur, err := store.GetJobByKey(ctx, want.Key)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		created, err := rel.Create(ctx, want)
		if err != nil {
			return err
		}
		res.Created++
		if seed.WantsActive() {
			if err := rel.Start(ctx, created.ID); err != nil {
				return err
			}
			res.Started++
		}
		return nil
	case err != nil:
		return err
	}

	want.ID = cur.ID
	if !sameSettings(cur, want) {
		if _, err := rel.Update(ctx, want); err != nil {
			return err
		}
		res.Updated++
	}
	switch active := seed.WantsActive(); {
	case active && !cur.Active:
		if err := rel.Start(ctx, cur.ID); err != nil {
			return err
		}
		res.Started++
	case !active && cur.Active:
		if err := rel.Stop(ctx, cur.ID); err != nil {
			return err
		}
		res.Stopped++
	}
	return nil
}

// sameSettings compares the user-editable part of two jobs.
func sameSettings(a, b *domain.Job) bool {
	strip := func(j *domain.Job) domain.Job {
		c := *j
		c.ID, c.Active, c.Cursor = "", false, 0
		c.CreatedAt, c.UpdatedAt = time.Time{}, time.Time{}
		return c
	}
	return reflect.DeepEqual(strip(a), strip(b))
}
