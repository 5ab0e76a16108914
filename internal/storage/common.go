package storage

import (
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"chanrelay/internal/domain"
)

// prepareNew validates job and returns the record to insert: fresh id when
// missing, inactive, cursor at start-1.
func prepareNew(job *domain.Job, now time.Time) (*domain.Job, error) {
	if job == nil {
		return nil, errors.Wrap(domain.ErrInvalid, "nil job")
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	rec := job.Clone()
	if strings.TrimSpace(rec.ID) == "" {
		rec.ID = uuid.NewString()
	}
	rec.Key = strings.TrimSpace(rec.Key)
	rec.Active = false
	rec.Cursor = rec.InitialCursor()
	rec.CreatedAt = now.UTC()
	rec.UpdatedAt = rec.CreatedAt
	return rec, nil
}

// applySettings copies the editable settings of src onto a clone of cur.
func applySettings(cur, src *domain.Job, now time.Time) (*domain.Job, error) {
	if src == nil {
		return nil, errors.Wrap(domain.ErrInvalid, "nil job")
	}
	if err := src.Validate(); err != nil {
		return nil, err
	}
	out := cur.Clone()
	out.Owner = src.Owner
	out.Source = src.Source
	out.Target = src.Target
	out.StartID = src.StartID
	out.End = src.End
	out.BatchSize = src.BatchSize
	out.IntervalMinutes = src.IntervalMinutes
	out.RetentionMinutes = src.RetentionMinutes
	out.Filter = src.Filter
	out.Caption = src.Caption
	out.Button = nil
	if src.Button != nil {
		b := *src.Button
		out.Button = &b
	}
	out.UpdatedAt = now.UTC()
	return out, nil
}

func jobNotFound(id string) error {
	return errors.Wrapf(domain.ErrNotFound, "job %s", id)
}

func keyConflict(key string) error {
	return errors.Wrapf(domain.ErrConflict, "job key %q already used", key)
}

func sortJobs(jobs []*domain.Job) {
	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
		}
		return jobs[i].ID < jobs[k].ID
	})
}

func buttonParts(b *domain.Button) (string, string) {
	if b == nil {
		return "", ""
	}
	return b.Label, b.URL
}

func buttonFrom(label, url string) *domain.Button {
	if label == "" && url == "" {
		return nil
	}
	return &domain.Button{Label: label, URL: url}
}
