// Package storagetest holds the behavior every storage.Store backend must
// share, run against each backend from its own tests.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dojocodes/sandbox/internal/apperr"
	"github.com/dojocodes/sandbox/internal/schema"
	"github.com/dojocodes/sandbox/internal/storage"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// Factory opens an empty store without expiry whose time comes from clock.
type Factory func(t *testing.T, clock *Clock) storage.Store

func state(id string, status schema.Status) *schema.JobState {
	return &schema.JobState{
		ID:          id,
		Status:      status,
		Environment: "py",
		Outputs:     map[string]schema.JobOutput{},
	}
}

// Run exercises the shared Store contract.
func Run(t *testing.T, open Factory) {
	t.Run("PutAndGet", func(t *testing.T) {
		s := open(t, NewClock())
		ctx := context.Background()

		in := state("abc12345-0000-0000-0000-000000000000", schema.StatusStarted)
		in.Details = schema.String("running")
		in.Outputs["t1"] = schema.JobOutput{
			Stdout:   "5\n",
			Files:    []schema.WorkerFile{{Path: "out.txt", Type: schema.FileTypeUploader, Permissions: 644, Data: schema.String("YQ==")}},
			Duration: 0.25,
			Status:   schema.StatusSuccess,
		}
		require.NoError(t, s.Put(ctx, in))

		got, err := s.Get(ctx, in.ID)
		require.NoError(t, err)
		assert.Equal(t, in, got)
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := open(t, NewClock())
		_, err := s.Get(context.Background(), "nope")
		assert.True(t, apperr.Is(err, apperr.NotFound), "err = %v", err)
	})

	t.Run("PutReplaces", func(t *testing.T) {
		s := open(t, NewClock())
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, state("j1", schema.StatusPending)))
		done := state("j1", schema.StatusSuccess)
		done.Outputs["t1"] = schema.JobOutput{Stdout: "ok", Files: []schema.WorkerFile{}}
		require.NoError(t, s.Put(ctx, done))

		got, err := s.Get(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, schema.StatusSuccess, got.Status)
		assert.Contains(t, got.Outputs, "t1")
	})

	t.Run("GetIsExact", func(t *testing.T) {
		s := open(t, NewClock())
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, state("3f2a-private-job", schema.StatusSuccess)))

		for _, id := range []string{"3", "3f2a", "%", "_", "%job", "3f2a-private-job%", "*", "[3"} {
			_, err := s.Get(ctx, id)
			assert.True(t, apperr.Is(err, apperr.NotFound), "Get(%q) err = %v", id, err)
			err = s.Delete(ctx, id)
			assert.True(t, apperr.Is(err, apperr.NotFound), "Delete(%q) err = %v", id, err)
		}

		got, err := s.Get(ctx, "3f2a-private-job")
		require.NoError(t, err)
		assert.Equal(t, "3f2a-private-job", got.ID)
	})

	t.Run("Resolve", func(t *testing.T) {
		s := open(t, NewClock())
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, state("abc", schema.StatusPending)))
		require.NoError(t, s.Put(ctx, state("abc00000-0000", schema.StatusPending)))
		require.NoError(t, s.Put(ctx, state("abc11111-0000", schema.StatusPending)))

		id, err := s.Resolve(ctx, "abc1")
		require.NoError(t, err)
		assert.Equal(t, "abc11111-0000", id)

		id, err = s.Resolve(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, "abc", id, "an exact id wins over longer ids")

		_, err = s.Resolve(ctx, "abc0000")
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, "abc"))
		_, err = s.Resolve(ctx, "abc")
		assert.True(t, apperr.Is(err, apperr.Conflict), "err = %v", err)

		for _, prefix := range []string{"", "x", "%", "_bc", "a%"} {
			_, err = s.Resolve(ctx, prefix)
			assert.True(t, apperr.Is(err, apperr.NotFound), "Resolve(%q) err = %v", prefix, err)
		}
	})

	t.Run("ListOrderAndSummary", func(t *testing.T) {
		clock := NewClock()
		s := open(t, clock)
		ctx := context.Background()

		for _, id := range []string{"aaa", "bbb", "ccc"} {
			require.NoError(t, s.Put(ctx, state(id, schema.StatusPending)))
			clock.Advance(time.Second)
		}
		// touching aaa moves it to the front
		touched := state("aaa", schema.StatusStarted)
		touched.Outputs["t1"] = schema.JobOutput{Files: []schema.WorkerFile{}}
		require.NoError(t, s.Put(ctx, touched))

		jobs, err := s.List(ctx, storage.ListOptions{})
		require.NoError(t, err)
		require.Len(t, jobs, 3)
		assert.Equal(t, []string{"aaa", "ccc", "bbb"}, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID})
		assert.Equal(t, schema.StatusStarted, jobs[0].Status)
		assert.Equal(t, 1, jobs[0].Checks)
		assert.Equal(t, "py", jobs[0].Environment)
		assert.True(t, jobs[0].CreatedAt.Before(jobs[0].UpdatedAt), "created_at should survive updates")
	})

	t.Run("ListFilterAndPage", func(t *testing.T) {
		clock := NewClock()
		s := open(t, clock)
		ctx := context.Background()

		for i, st := range []schema.Status{schema.StatusSuccess, schema.StatusFailure, schema.StatusSuccess, schema.StatusSuccess} {
			require.NoError(t, s.Put(ctx, state(string(rune('a'+i)), st)))
			clock.Advance(time.Second)
		}

		jobs, err := s.List(ctx, storage.ListOptions{Status: schema.StatusSuccess})
		require.NoError(t, err)
		assert.Len(t, jobs, 3)

		jobs, err = s.List(ctx, storage.ListOptions{Status: schema.StatusSuccess, Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, "c", jobs[0].ID)

		jobs, err = s.List(ctx, storage.ListOptions{Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})

	t.Run("Delete", func(t *testing.T) {
		s := open(t, NewClock())
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, state("del1", schema.StatusSuccess)))
		require.NoError(t, s.Delete(ctx, "del1"))

		_, err := s.Get(ctx, "del1")
		assert.True(t, apperr.Is(err, apperr.NotFound))

		err = s.Delete(ctx, "del1")
		assert.True(t, apperr.Is(err, apperr.NotFound))

		jobs, err := s.List(ctx, storage.ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})

	t.Run("ReturnedStateIsACopy", func(t *testing.T) {
		s := open(t, NewClock())
		ctx := context.Background()

		in := state("c1", schema.StatusStarted)
		require.NoError(t, s.Put(ctx, in))
		in.Status = schema.StatusFailure

		got, err := s.Get(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, schema.StatusStarted, got.Status)
	})
}
