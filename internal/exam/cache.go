package exam

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const progressKeyPrefix = "examroom:progress:"

// ProgressCache holds the per-student progress read model shared by the
// history and dashboard views. Entries are stored under a per-student
// version; Invalidate bumps the version so a snapshot read before a write
// can never be served after it, even if it is Set late.
type ProgressCache interface {
	Version(ctx context.Context, studentID int64) (int64, error)
	Get(ctx context.Context, studentID, version int64) ([]ExamProgress, bool, error)
	Set(ctx context.Context, studentID, version int64, items []ExamProgress) error
	Invalidate(ctx context.Context, studentID int64) error
}

type RedisProgressCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewProgressCache returns a no-op cache when rdb is nil.
func NewProgressCache(rdb *redis.Client, ttl time.Duration) ProgressCache {
	if rdb == nil {
		return noopProgressCache{}
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisProgressCache{rdb: rdb, ttl: ttl}
}

func progressVersionKey(studentID int64) string {
	return progressKeyPrefix + strconv.FormatInt(studentID, 10) + ":ver"
}

func progressKey(studentID, version int64) string {
	return progressKeyPrefix + strconv.FormatInt(studentID, 10) + ":v" + strconv.FormatInt(version, 10)
}

func (c *RedisProgressCache) Version(ctx context.Context, studentID int64) (int64, error) {
	v, err := c.rdb.Get(ctx, progressVersionKey(studentID)).Int64()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("get progress cache version: %w", err)
	}
	return v, nil
}

func (c *RedisProgressCache) Get(ctx context.Context, studentID, version int64) ([]ExamProgress, bool, error) {
	val, err := c.rdb.Get(ctx, progressKey(studentID, version)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("get progress cache: %w", err)
	}

	var items []ExamProgress
	if err := json.Unmarshal(val, &items); err != nil {
		return nil, false, fmt.Errorf("decode progress cache: %w", err)
	}
	return items, true, nil
}

func (c *RedisProgressCache) Set(ctx context.Context, studentID, version int64, items []ExamProgress) error {
	b, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode progress cache: %w", err)
	}
	if err := c.rdb.Set(ctx, progressKey(studentID, version), b, c.ttl).Err(); err != nil {
		return fmt.Errorf("set progress cache: %w", err)
	}
	return nil
}

// Invalidate moves the student to a new version. Entries under older
// versions are never read again and expire on their own TTL.
func (c *RedisProgressCache) Invalidate(ctx context.Context, studentID int64) error {
	if err := c.rdb.Incr(ctx, progressVersionKey(studentID)).Err(); err != nil {
		return fmt.Errorf("invalidate progress cache: %w", err)
	}
	return nil
}

type noopProgressCache struct{}

func (noopProgressCache) Version(context.Context, int64) (int64, error) { return 0, nil }

func (noopProgressCache) Get(context.Context, int64, int64) ([]ExamProgress, bool, error) {
	return nil, false, nil
}

func (noopProgressCache) Set(context.Context, int64, int64, []ExamProgress) error { return nil }

func (noopProgressCache) Invalidate(context.Context, int64) error { return nil }
