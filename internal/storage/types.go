package storage

import (
	"context"
	"time"

	"chanrelay/internal/domain"
)

// Config selects and configures a driver.
//
// Driver values: "memory", "file", "sqlite", "postgres", "mongo".
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	DSN         string        // postgres, mongo
	Database    string        // mongo
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobStore is the job and forward-record API used by the relay engine.
type JobStore interface {
	// CreateJob assigns an id, timestamps and the initial cursor.
	CreateJob(ctx context.Context, job *domain.Job) (*domain.Job, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	GetJobByKey(ctx context.Context, key string) (*domain.Job, error)
	// UpdateJob rewrites the settings of a job. Active flag and cursor are kept.
	UpdateJob(ctx context.Context, job *domain.Job) (*domain.Job, error)
	SetActive(ctx context.Context, id string, active bool) error
	// AdvanceCursor stores cursor unless the stored one is already higher or
	// the job is inactive, and returns the stored value.
	AdvanceCursor(ctx context.Context, id string, cursor int64) (int64, error)
	// ResetJob rewinds the cursor to start-1 and drops all forward records.
	ResetJob(ctx context.Context, id string) (*domain.Job, error)
	// DeleteJob removes the job and its forward records.
	DeleteJob(ctx context.Context, id string) error

	ListJobs(ctx context.Context) ([]*domain.Job, error)
	ListJobsByOwner(ctx context.Context, owner int64) ([]*domain.Job, error)
	ListActiveJobs(ctx context.Context) ([]*domain.Job, error)

	// AppendForward records a copy. Records for an inactive job are dropped.
	AppendForward(ctx context.Context, rec domain.ForwardRecord) error
	// ExpiredForwards lists records of job forwarded strictly before cutoff.
	ExpiredForwards(ctx context.Context, jobID string, before time.Time) ([]domain.ForwardRecord, error)
	DeleteForwards(ctx context.Context, jobID string, destIDs []int64) error
	CountForwards(ctx context.Context, jobID string) (int64, error)
}

// OwnerStateStore keeps an opaque blob per owner for conversational front ends.
type OwnerStateStore interface {
	PutOwnerState(ctx context.Context, owner int64, state []byte) error
	GetOwnerState(ctx context.Context, owner int64) ([]byte, bool, error)
	ClearOwnerState(ctx context.Context, owner int64) error
}

// Store is implemented by every driver.
type Store interface {
	JobStore
	OwnerStateStore
	Close() error
}
