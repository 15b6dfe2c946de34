package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dojocodes/sandbox/internal/apperr"
	"github.com/dojocodes/sandbox/internal/schema"
	"github.com/dojocodes/sandbox/internal/storage"
	"github.com/dojocodes/sandbox/internal/storage/storagetest"
)

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, clock *storagetest.Clock) storage.Store {
		s := New(0)
		s.now = clock.Now
		return s
	})
}

func TestExpiry(t *testing.T) {
	clock := storagetest.NewClock()
	s := New(time.Minute)
	s.now = clock.Now
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &schema.JobState{ID: "j1", Status: schema.StatusSuccess}))
	clock.Advance(30 * time.Second)
	_, err := s.Get(ctx, "j1")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = s.Get(ctx, "j1")
	assert.True(t, apperr.Is(err, apperr.NotFound))

	jobs, err := s.List(ctx, storage.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Equal(t, 1, s.Sweep())
}
