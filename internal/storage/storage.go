package storage

import (
	"context"
	"time"

	"github.com/dojocodes/sandbox/internal/apperr"
	"github.com/dojocodes/sandbox/internal/schema"
)

// JobSummary is the listing view of a stored job.
type JobSummary struct {
	ID          string        `json:"id"`
	Status      schema.Status `json:"status"`
	Environment string        `json:"environment"`
	Checks      int           `json:"checks"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Summarize builds the listing view of a state.
func Summarize(s *schema.JobState, createdAt, updatedAt time.Time) JobSummary {
	return JobSummary{
		ID:          s.ID,
		Status:      s.Status,
		Environment: s.Environment,
		Checks:      len(s.Outputs),
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}
}

// ListOptions controls filtering and pagination for List.
type ListOptions struct {
	Status schema.Status
	Limit  int
	Offset int
}

// DefaultListLimit applies when ListOptions.Limit is not positive.
const DefaultListLimit = 50

// Store persists job states keyed by job id. Put replaces the whole state;
// readers never observe a partially written one. Entries may expire after
// the retention period a backend was opened with.
type Store interface {
	// Put inserts or replaces the state stored under s.ID.
	Put(ctx context.Context, s *schema.JobState) error

	// Get returns the state stored under exactly id.
	Get(ctx context.Context, id string) (*schema.JobState, error)

	// Resolve expands an id or unambiguous id prefix to a stored job id.
	// It is meant for operator tools; request paths use exact ids.
	Resolve(ctx context.Context, prefix string) (string, error)

	// List returns summaries ordered by last update, newest first.
	List(ctx context.Context, opts ListOptions) ([]JobSummary, error)

	// Delete removes the state stored under exactly id.
	Delete(ctx context.Context, id string) error

	// Close releases resources.
	Close() error
}

// NotFound is the error returned for unknown job ids.
func NotFound(id string) error {
	return apperr.Newf(apperr.NotFound, "job not found: %s", id)
}

// Ambiguous is the error returned when an id prefix matches several jobs.
func Ambiguous(prefix string, n int) error {
	return apperr.Newf(apperr.Conflict, "ambiguous job prefix %q matches %d jobs", prefix, n)
}

// EffectiveLimit returns the page size to use.
func (o ListOptions) EffectiveLimit() int {
	if o.Limit <= 0 {
		return DefaultListLimit
	}
	return o.Limit
}
