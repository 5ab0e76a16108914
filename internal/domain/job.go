package domain

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Limits on job settings.
const (
	MinBatchSize        = 1
	MaxBatchSize        = 20
	MinIntervalMinutes  = 1
	MaxIntervalMinutes  = 1440
	MaxRetentionMinutes = 10080
)

// Button is the single inline action button attached to forwarded copies.
type Button struct {
	Label string `json:"label" bson:"label"`
	URL   string `json:"url" bson:"url"`
}

// Usable reports whether both label and URL are set.
func (b *Button) Usable() bool {
	return b != nil && strings.TrimSpace(b.Label) != "" && strings.TrimSpace(b.URL) != ""
}

// Job is a recurring copy task from Source to Target.
//
// Cursor is the highest source id the scanner has examined. It only moves
// forward while the job runs; ResetJob is the one operation that rewinds it.
type Job struct {
	ID    string `json:"id"`
	Key   string `json:"key,omitempty"`
	Owner int64  `json:"owner"`

	Source ChatRef `json:"source"`
	Target ChatRef `json:"target"`

	StartID int64    `json:"start_id"`
	End     EndBound `json:"end"`

	BatchSize        int        `json:"batch_size"`
	IntervalMinutes  int        `json:"interval_minutes"`
	RetentionMinutes int        `json:"retention_minutes"`
	Filter           FilterKind `json:"filter"`
	Caption          string     `json:"caption,omitempty"`
	Button           *Button    `json:"button,omitempty"`

	Active    bool      `json:"active"`
	Cursor    int64     `json:"cursor"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Interval is the pause between two cycles.
func (j *Job) Interval() time.Duration {
	return time.Duration(j.IntervalMinutes) * time.Minute
}

// Retention is the age after which forwarded copies are deleted. Zero keeps
// copies forever.
func (j *Job) Retention() time.Duration {
	return time.Duration(j.RetentionMinutes) * time.Minute
}

// ScanFrom is the first id the next scan examines.
func (j *Job) ScanFrom() int64 {
	return max(j.Cursor+1, j.StartID)
}

// Exhausted reports whether a finite range has been fully examined.
func (j *Job) Exhausted() bool {
	return j.End.IsFinite() && j.Cursor >= j.End.ID()
}

// InitialCursor is the cursor of a fresh or reset job.
func (j *Job) InitialCursor() int64 {
	return j.StartID - 1
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Button != nil {
		b := *j.Button
		cp.Button = &b
	}
	return &cp
}

// Validate checks the settings bounds. The returned error wraps ErrInvalid.
func (j *Job) Validate() error {
	var problems []string
	if strings.TrimSpace(string(j.Source)) == "" {
		problems = append(problems, "source is empty")
	}
	if strings.TrimSpace(string(j.Target)) == "" {
		problems = append(problems, "target is empty")
	}
	if j.StartID < 1 {
		problems = append(problems, "start_id must be >= 1")
	}
	if j.End.IsFinite() && j.End.ID() < j.StartID {
		problems = append(problems, "end_id must be >= start_id")
	}
	if j.BatchSize < MinBatchSize || j.BatchSize > MaxBatchSize {
		problems = append(problems, "batch_size out of range 1-20")
	}
	if j.IntervalMinutes < MinIntervalMinutes || j.IntervalMinutes > MaxIntervalMinutes {
		problems = append(problems, "interval_minutes out of range 1-1440")
	}
	if j.RetentionMinutes < 0 || j.RetentionMinutes > MaxRetentionMinutes {
		problems = append(problems, "retention_minutes out of range 0-10080")
	}
	if !j.Filter.Valid() {
		problems = append(problems, "unknown filter "+string(j.Filter))
	}
	if j.Button != nil && !j.Button.Usable() && (j.Button.Label != "" || j.Button.URL != "") {
		problems = append(problems, "button needs both label and url")
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.Wrap(ErrInvalid, strings.Join(problems, "; "))
}

// ForwardRecord remembers one copy so retention can delete it later.
type ForwardRecord struct {
	JobID       string    `json:"job_id" bson:"job_id"`
	SourceID    int64     `json:"source_id" bson:"source_id"`
	DestID      int64     `json:"dest_id" bson:"dest_id"`
	ForwardedAt time.Time `json:"forwarded_at" bson:"forwarded_at"`
}
