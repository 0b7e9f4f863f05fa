package exam

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// memoryProgressCache follows the same versioned contract as the Redis cache.
type memoryProgressCache struct {
	versions map[int64]int64
	entries  map[string][]ExamProgress
}

func newMemoryProgressCache() *memoryProgressCache {
	return &memoryProgressCache{versions: map[int64]int64{}, entries: map[string][]ExamProgress{}}
}

func (c *memoryProgressCache) Version(_ context.Context, studentID int64) (int64, error) {
	return c.versions[studentID], nil
}

func (c *memoryProgressCache) Get(_ context.Context, studentID, version int64) ([]ExamProgress, bool, error) {
	items, ok := c.entries[progressKey(studentID, version)]
	return items, ok, nil
}

func (c *memoryProgressCache) Set(_ context.Context, studentID, version int64, items []ExamProgress) error {
	c.entries[progressKey(studentID, version)] = items
	return nil
}

func (c *memoryProgressCache) Invalidate(_ context.Context, studentID int64) error {
	c.versions[studentID]++
	return nil
}

func TestNewProgressCacheNilClient(t *testing.T) {
	c := NewProgressCache(nil, time.Minute)
	if _, ok := c.(noopProgressCache); !ok {
		t.Fatalf("expected no-op cache for nil client, got %T", c)
	}

	ctx := context.Background()
	if err := c.Set(ctx, 1, 0, []ExamProgress{{ExamID: 1}}); err != nil {
		t.Fatalf("set: %v", err)
	}
	items, ok, err := c.Get(ctx, 1, 0)
	if err != nil || ok || items != nil {
		t.Fatalf("no-op cache should always miss, got items=%v ok=%v err=%v", items, ok, err)
	}
	if err := c.Invalidate(ctx, 1); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
}

func TestProgressKeys(t *testing.T) {
	if got := progressKey(42, 3); got != "examroom:progress:42:v3" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := progressVersionKey(42); got != "examroom:progress:42:ver" {
		t.Fatalf("unexpected version key %q", got)
	}
}

func TestReadThroughProgressCachesOnMiss(t *testing.T) {
	cache := newMemoryProgressCache()
	loads := 0
	load := func(context.Context) ([]ExamProgress, error) {
		loads++
		return []ExamProgress{{ExamID: 1, Answered: 2}}, nil
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		items, err := readThroughProgress(ctx, cache, zap.NewNop(), 7, load)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if len(items) != 1 || items[0].Answered != 2 {
			t.Fatalf("unexpected items %+v", items)
		}
	}
	if loads != 1 {
		t.Fatalf("expected one load, got %d", loads)
	}
}

func TestReadThroughProgressDropsSnapshotInvalidatedDuringLoad(t *testing.T) {
	cache := newMemoryProgressCache()
	ctx := context.Background()

	// The write commits and invalidates while the first read is still loading.
	stale := func(ctx context.Context) ([]ExamProgress, error) {
		_ = cache.Invalidate(ctx, 7)
		return []ExamProgress{{ExamID: 1, Answered: 1}}, nil
	}
	if _, err := readThroughProgress(ctx, cache, zap.NewNop(), 7, stale); err != nil {
		t.Fatalf("first read: %v", err)
	}

	freshLoaded := false
	fresh := func(context.Context) ([]ExamProgress, error) {
		freshLoaded = true
		return []ExamProgress{{ExamID: 1, Answered: 2}}, nil
	}
	items, err := readThroughProgress(ctx, cache, zap.NewNop(), 7, fresh)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if !freshLoaded || items[0].Answered != 2 {
		t.Fatalf("stale snapshot served after invalidation: loaded=%v items=%+v", freshLoaded, items)
	}
}

func TestReadThroughProgressLoadError(t *testing.T) {
	cache := newMemoryProgressCache()
	boom := errors.New("db down")
	_, err := readThroughProgress(context.Background(), cache, zap.NewNop(), 7, func(context.Context) ([]ExamProgress, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected load error, got %v", err)
	}
	if len(cache.entries) != 0 {
		t.Fatalf("failed load must not be cached")
	}
}

func TestRedisProgressCacheUnreachable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	c := NewProgressCache(rdb, 0)
	rc, ok := c.(*RedisProgressCache)
	if !ok {
		t.Fatalf("expected redis cache, got %T", c)
	}
	if rc.ttl != time.Minute {
		t.Fatalf("expected default ttl, got %v", rc.ttl)
	}

	ctx := context.Background()
	if _, err := c.Version(ctx, 7); err == nil {
		t.Fatalf("expected version error from unreachable redis")
	}
	if _, hit, err := c.Get(ctx, 7, 0); err == nil || hit {
		t.Fatalf("expected error from unreachable redis, got hit=%v err=%v", hit, err)
	}
	if err := c.Invalidate(ctx, 7); err == nil {
		t.Fatalf("expected invalidate error from unreachable redis")
	}

	// Unreachable cache degrades to the loader.
	items, err := readThroughProgress(ctx, c, zap.NewNop(), 7, func(context.Context) ([]ExamProgress, error) {
		return []ExamProgress{{ExamID: 3}}, nil
	})
	if err != nil || len(items) != 1 || items[0].ExamID != 3 {
		t.Fatalf("expected fallback to loader, got items=%+v err=%v", items, err)
	}
}
