package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	application "settlement/contexts/network-rewards/epoch-settlement-service/application"
	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"
	"settlement/contexts/network-rewards/epoch-settlement-service/ports"
)

const (
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = 10 * time.Minute
)

type entry struct {
	epoch      entities.Epoch
	lastAccess time.Time
}

// EpochCache is a read-through, write-through view over the epoch store,
// indexed by id and by formatted date. The store stays the source of truth.
type EpochCache struct {
	repository ports.EpochRepository
	clock      ports.Clock
	ttl        time.Duration
	logger     *slog.Logger

	mu     sync.Mutex
	byID   map[int64]*entry
	byDate map[string]int64
}

func NewEpochCache(repository ports.EpochRepository, clock ports.Clock, ttl time.Duration, logger *slog.Logger) *EpochCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &EpochCache{
		repository: repository,
		clock:      application.ResolveClock(clock),
		ttl:        ttl,
		logger:     application.ResolveLogger(logger),
		byID:       make(map[int64]*entry),
		byDate:     make(map[string]int64),
	}
}

func (c *EpochCache) Get(ctx context.Context, epochID int64) (entities.Epoch, error) {
	c.mu.Lock()
	if cached, ok := c.byID[epochID]; ok {
		cached.lastAccess = c.clock.Now()
		epoch := cached.epoch
		c.mu.Unlock()
		return epoch, nil
	}
	c.mu.Unlock()

	epoch, err := c.repository.GetEpoch(ctx, epochID)
	if err != nil {
		return entities.Epoch{}, err
	}
	c.Put(epoch)
	return epoch, nil
}

func (c *EpochCache) GetByDate(ctx context.Context, date time.Time) (entities.Epoch, error) {
	key := entities.FormatEpochDate(date)
	c.mu.Lock()
	if epochID, ok := c.byDate[key]; ok {
		if cached, ok := c.byID[epochID]; ok {
			cached.lastAccess = c.clock.Now()
			epoch := cached.epoch
			c.mu.Unlock()
			return epoch, nil
		}
	}
	c.mu.Unlock()

	epoch, err := c.repository.GetEpochByDate(ctx, date)
	if err != nil {
		return entities.Epoch{}, err
	}
	c.Put(epoch)
	return epoch, nil
}

// Refresh bypasses the cache, reloads the epoch from the store and caches the result.
func (c *EpochCache) Refresh(ctx context.Context, epochID int64) (entities.Epoch, error) {
	epoch, err := c.repository.GetEpoch(ctx, epochID)
	if err != nil {
		return entities.Epoch{}, err
	}
	c.Put(epoch)
	return epoch, nil
}

// Update writes to the store first and caches the row the store returns.
func (c *EpochCache) Update(ctx context.Context, epochID int64, update entities.EpochUpdate) (entities.Epoch, error) {
	epoch, err := c.repository.UpdateEpoch(ctx, epochID, update)
	if err != nil {
		return entities.Epoch{}, err
	}
	c.Put(epoch)
	return epoch, nil
}

func (c *EpochCache) Put(epoch entities.Epoch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if previous, ok := c.byID[epoch.ID]; ok {
		delete(c.byDate, previous.epoch.DateKey())
	}
	c.byID[epoch.ID] = &entry{
		epoch:      epoch,
		lastAccess: c.clock.Now(),
	}
	c.byDate[epoch.DateKey()] = epoch.ID
}

func (c *EpochCache) Evict(epochID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(epochID)
}

func (c *EpochCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}

// Sweep evicts entries idle for longer than the TTL and returns how many were removed.
func (c *EpochCache) Sweep() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for epochID, cached := range c.byID {
		if now.Sub(cached.lastAccess) > c.ttl {
			c.evictLocked(epochID)
			removed++
		}
	}
	return removed
}

func (c *EpochCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.Sweep(); removed > 0 {
				c.logger.Debug("epoch cache swept",
					"event", "epoch_cache_swept",
					"module", application.ModuleName,
					"layer", "application",
					"removed", removed,
				)
			}
		}
	}
}

func (c *EpochCache) evictLocked(epochID int64) {
	cached, ok := c.byID[epochID]
	if !ok {
		return
	}
	if c.byDate[cached.epoch.DateKey()] == epochID {
		delete(c.byDate, cached.epoch.DateKey())
	}
	delete(c.byID, epochID)
}
