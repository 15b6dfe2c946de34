package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dojocodes/sandbox/internal/apperr"
	"github.com/dojocodes/sandbox/internal/schema"
	"github.com/dojocodes/sandbox/internal/storage"
	"github.com/dojocodes/sandbox/internal/storage/storagetest"
)

func testStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	s := NewWithClient(client, "test:", ttl)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, clock *storagetest.Clock) storage.Store {
		s, _ := testStore(t, 0)
		s.now = clock.Now
		return s
	})
}

func TestOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := Open(Config{Addr: mr.Addr()})
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.Ping(context.Background()))

	_, err = Open(Config{})
	assert.Error(t, err)
}

func TestExpiryPrunesIndexes(t *testing.T) {
	s, mr := testStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &schema.JobState{ID: "j1", Status: schema.StatusSuccess}))
	assert.Equal(t, time.Minute, mr.TTL("test:job:j1"))

	mr.FastForward(2 * time.Minute)

	_, err := s.Get(ctx, "j1")
	assert.True(t, apperr.Is(err, apperr.NotFound))

	jobs, err := s.List(ctx, storage.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, jobs)

	members, err := mr.ZMembers("test:jobs:updated")
	if err == nil {
		assert.Empty(t, members)
	}
}
