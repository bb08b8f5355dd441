package cache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"settlement/contexts/network-rewards/epoch-settlement-service/adapters/memory"
	"settlement/contexts/network-rewards/epoch-settlement-service/application/cache"
	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"
	domainerrors "settlement/contexts/network-rewards/epoch-settlement-service/domain/errors"
)

// countingStore records how often reads reach the store.
type countingStore struct {
	*memory.Store
	byID   int
	byDate int
}

func (s *countingStore) GetEpoch(ctx context.Context, epochID int64) (entities.Epoch, error) {
	s.byID++
	return s.Store.GetEpoch(ctx, epochID)
}

func (s *countingStore) GetEpochByDate(ctx context.Context, date time.Time) (entities.Epoch, error) {
	s.byDate++
	return s.Store.GetEpochByDate(ctx, date)
}

type cacheFixture struct {
	store *countingStore
	cache *cache.EpochCache
	now   time.Time
}

func newCacheFixture(t *testing.T) *cacheFixture {
	t.Helper()
	f := &cacheFixture{
		store: &countingStore{Store: memory.NewStore(nil)},
		now:   time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
	}
	f.store.SetNow(func() time.Time { return f.now })
	f.cache = cache.NewEpochCache(f.store, f.store, 5*time.Minute, nil)
	return f
}

func (f *cacheFixture) seed(t *testing.T, date time.Time) entities.Epoch {
	t.Helper()
	epoch, _, err := f.store.CreateOrGetEpoch(context.Background(), entities.Epoch{Date: date, WubiPool: 100, WupiPool: 200})
	if err != nil {
		t.Fatalf("seed epoch failed: %v", err)
	}
	return epoch
}

func day(d int) time.Time {
	return time.Date(2025, 6, d, 0, 0, 0, 0, time.UTC)
}

func TestEpochCacheReadsThroughOnce(t *testing.T) {
	ctx := context.Background()
	f := newCacheFixture(t)
	epoch := f.seed(t, day(1))

	for i := 0; i < 3; i++ {
		got, err := f.cache.Get(ctx, epoch.ID)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if got.ID != epoch.ID || got.WupiPool != 200 {
			t.Fatalf("unexpected epoch %+v", got)
		}
	}
	if _, err := f.cache.GetByDate(ctx, day(1)); err != nil {
		t.Fatalf("get by date failed: %v", err)
	}
	if f.store.byID != 1 || f.store.byDate != 0 {
		t.Fatalf("expected a single store read, got byID=%d byDate=%d", f.store.byID, f.store.byDate)
	}
}

func TestEpochCacheDoesNotCacheMisses(t *testing.T) {
	ctx := context.Background()
	f := newCacheFixture(t)
	if _, err := f.cache.Get(ctx, 42); !errors.Is(err, domainerrors.ErrEpochNotFound) {
		t.Fatalf("expected epoch not found, got %v", err)
	}
	if f.cache.Len() != 0 {
		t.Fatalf("expected empty cache after a miss, got %d", f.cache.Len())
	}
}

func TestEpochCacheSweepEvictsByLastAccess(t *testing.T) {
	ctx := context.Background()
	f := newCacheFixture(t)
	touched := f.seed(t, day(1))
	idle := f.seed(t, day(2))
	if _, err := f.cache.Get(ctx, touched.ID); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if _, err := f.cache.GetByDate(ctx, day(2)); err != nil {
		t.Fatalf("get by date failed: %v", err)
	}

	f.now = f.now.Add(4 * time.Minute)
	if _, err := f.cache.GetByDate(ctx, day(1)); err != nil {
		t.Fatalf("touch failed: %v", err)
	}
	f.now = f.now.Add(2 * time.Minute)

	if removed := f.cache.Sweep(); removed != 1 {
		t.Fatalf("expected one idle entry swept, got %d", removed)
	}
	if f.cache.Len() != 1 {
		t.Fatalf("expected one entry left, got %d", f.cache.Len())
	}

	reads := f.store.byID
	if _, err := f.cache.Get(ctx, touched.ID); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if f.store.byID != reads {
		t.Fatalf("recently read epoch must stay cached")
	}
	if _, err := f.cache.Get(ctx, idle.ID); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if f.store.byID != reads+1 {
		t.Fatalf("swept epoch must be reloaded from the store")
	}
}

func TestEpochCacheEvictClearsBothIndexes(t *testing.T) {
	ctx := context.Background()
	f := newCacheFixture(t)
	epoch := f.seed(t, day(1))
	if _, err := f.cache.Get(ctx, epoch.ID); err != nil {
		t.Fatalf("get failed: %v", err)
	}

	update := entities.EpochUpdate{}
	update.SetEpochStatus(entities.EpochStatusReadyForClaim)
	if _, err := f.store.UpdateEpoch(ctx, epoch.ID, update); err != nil {
		t.Fatalf("direct store update failed: %v", err)
	}
	cached, _ := f.cache.GetByDate(ctx, day(1))
	if cached.Status != "" {
		t.Fatalf("expected stale cached epoch before eviction, got %q", cached.Status)
	}

	f.cache.Evict(epoch.ID)
	if f.cache.Len() != 0 {
		t.Fatalf("expected empty cache after evict, got %d", f.cache.Len())
	}
	fresh, err := f.cache.GetByDate(ctx, day(1))
	if err != nil {
		t.Fatalf("get by date failed: %v", err)
	}
	if f.store.byDate != 1 || fresh.Status != entities.EpochStatusReadyForClaim {
		t.Fatalf("expected date lookup refetched from the store, byDate=%d status=%q", f.store.byDate, fresh.Status)
	}
	if _, err := f.cache.Get(ctx, epoch.ID); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if f.store.byID != 1 {
		t.Fatalf("date refetch must also populate the id index, byID=%d", f.store.byID)
	}
}

func TestEpochCachePutRekeysDateIndex(t *testing.T) {
	ctx := context.Background()
	f := newCacheFixture(t)
	epoch := f.seed(t, day(1))
	f.cache.Put(epoch)

	moved := epoch
	moved.Date = day(3)
	f.cache.Put(moved)

	got, err := f.cache.GetByDate(ctx, day(3))
	if err != nil || got.ID != epoch.ID {
		t.Fatalf("expected new date to resolve epoch %d, got %d err=%v", epoch.ID, got.ID, err)
	}
	if f.store.byDate != 0 {
		t.Fatalf("expected new date served from cache")
	}
	if _, err := f.cache.GetByDate(ctx, day(1)); err != nil {
		t.Fatalf("get by old date failed: %v", err)
	}
	if f.store.byDate != 1 {
		t.Fatalf("old date key must be dropped from the index, byDate=%d", f.store.byDate)
	}
}

func TestEpochCacheUpdateWritesThrough(t *testing.T) {
	ctx := context.Background()
	f := newCacheFixture(t)
	epoch := f.seed(t, day(1))
	if _, err := f.cache.Get(ctx, epoch.ID); err != nil {
		t.Fatalf("get failed: %v", err)
	}

	update := entities.EpochUpdate{}
	update.SetMessagesSent(entities.ChannelWubi, 7)
	if _, err := f.cache.Update(ctx, epoch.ID, update); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	stored, _ := f.store.Store.GetEpoch(ctx, epoch.ID)
	cached, _ := f.cache.Get(ctx, epoch.ID)
	if stored.Wubi.MessagesSent != 7 || cached.Wubi.MessagesSent != 7 {
		t.Fatalf("expected store and cache updated, store=%d cache=%d", stored.Wubi.MessagesSent, cached.Wubi.MessagesSent)
	}
	if f.store.byID != 1 {
		t.Fatalf("expected cached read after update, byID=%d", f.store.byID)
	}
}
