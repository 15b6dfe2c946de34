// Package redis is a storage.Store on Redis. Each job is a hash holding the
// JSON state next to its listing fields; two sorted sets index jobs by
// update time and by id for prefix lookups.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dojocodes/sandbox/internal/schema"
	"github.com/dojocodes/sandbox/internal/storage"
)

// Config holds the connection settings.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// RedisStore implements storage.Store.
type RedisStore struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// Open connects to Redis and checks the connection.
func Open(cfg Config) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("addr cannot be empty")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewWithClient(client, cfg.KeyPrefix, cfg.TTL), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "sandbox:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

func (s *RedisStore) jobKey(id string) string { return s.prefix + "job:" + id }
func (s *RedisStore) byUpdate() string        { return s.prefix + "jobs:updated" }
func (s *RedisStore) byID() string            { return s.prefix + "jobs:ids" }

func (s *RedisStore) Put(ctx context.Context, st *schema.JobState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshaling job state: %w", err)
	}

	now := s.now().UTC()
	key := s.jobKey(st.ID)
	_, err = s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSet(ctx, key,
			"state", data,
			"status", string(st.Status),
			"environment", st.Environment,
			"checks", len(st.Outputs),
			"updated_at", now.UnixNano(),
		)
		p.HSetNX(ctx, key, "created_at", now.UnixNano())
		if s.ttl > 0 {
			p.Expire(ctx, key, s.ttl)
		}
		p.ZAdd(ctx, s.byUpdate(), goredis.Z{Score: float64(now.UnixMicro()), Member: st.ID})
		p.ZAdd(ctx, s.byID(), goredis.Z{Score: 0, Member: st.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving job %s: %w", st.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*schema.JobState, error) {
	data, err := s.client.HGet(ctx, s.jobKey(id), "state").Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.NotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}

	var st schema.JobState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshaling job state: %w", err)
	}
	return &st, nil
}

// Resolve walks the lex-ordered id index. Index entries whose hash has
// expired are pruned on the way.
func (s *RedisStore) Resolve(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", storage.NotFound(id)
	}
	n, err := s.client.Exists(ctx, s.jobKey(id)).Result()
	if err != nil {
		return "", fmt.Errorf("querying job: %w", err)
	}
	if n == 1 {
		return id, nil
	}

	candidates, err := s.client.ZRangeByLex(ctx, s.byID(), &goredis.ZRangeBy{
		Min: "[" + id,
		Max: "[" + id + "\xff",
	}).Result()
	if err != nil {
		return "", fmt.Errorf("querying job: %w", err)
	}

	var matches []string
	for _, c := range candidates {
		n, err := s.client.Exists(ctx, s.jobKey(c)).Result()
		if err != nil {
			return "", fmt.Errorf("querying job: %w", err)
		}
		if n == 0 {
			s.prune(ctx, c)
			continue
		}
		matches = append(matches, c)
	}

	switch len(matches) {
	case 0:
		return "", storage.NotFound(id)
	case 1:
		return matches[0], nil
	default:
		return "", storage.Ambiguous(id, len(matches))
	}
}

func (s *RedisStore) List(ctx context.Context, opts storage.ListOptions) ([]storage.JobSummary, error) {
	ids, err := s.client.ZRevRange(ctx, s.byUpdate(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	cmds := make([]*goredis.SliceCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HMGet(ctx, s.jobKey(id), "status", "environment", "checks", "created_at", "updated_at")
		}
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	var (
		jobs    []storage.JobSummary
		skipped int
		limit   = opts.EffectiveLimit()
	)
	for i, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || vals[0] == nil {
			s.prune(ctx, ids[i])
			continue
		}
		j := storage.JobSummary{
			ID:          ids[i],
			Status:      schema.Status(str(vals[0])),
			Environment: str(vals[1]),
			CreatedAt:   unixNano(vals[3]),
			UpdatedAt:   unixNano(vals[4]),
		}
		j.Checks, _ = strconv.Atoi(str(vals[2]))
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		jobs = append(jobs, j)
		if len(jobs) == limit {
			break
		}
	}
	return jobs, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	var del *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		del = p.Del(ctx, s.jobKey(id))
		p.ZRem(ctx, s.byUpdate(), id)
		p.ZRem(ctx, s.byID(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting job %s: %w", id, err)
	}
	if del.Val() == 0 {
		return storage.NotFound(id)
	}
	return nil
}

func (s *RedisStore) prune(ctx context.Context, id string) {
	s.client.ZRem(ctx, s.byUpdate(), id)
	s.client.ZRem(ctx, s.byID(), id)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func str(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func unixNano(v any) time.Time {
	n, err := strconv.ParseInt(str(v), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
