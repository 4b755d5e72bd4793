package allowance

import (
	"sync"
	"time"
)

// Cache holds settings snapshots and user plans between invocations.
// The resolver only uses one when CacheConfig.Enabled is set; every entry
// carries an explicit TTL.
type Cache interface {
	// GetSettings returns the cached snapshot and true if present and fresh
	GetSettings() (SettingsSnapshot, bool)

	// SetSettings stores a settings snapshot with TTL
	SetSettings(snapshot SettingsSnapshot, ttl time.Duration)

	// InvalidateSettings drops the cached snapshot
	InvalidateSettings()

	// GetPlan returns the cached plan for a user and true if present and fresh
	GetPlan(userID string) (PlanType, bool)

	// SetPlan stores a user's plan with TTL
	SetPlan(userID string, plan PlanType, ttl time.Duration)

	// InvalidatePlan removes a user's plan from the cache
	InvalidatePlan(userID string)

	// Clear removes all entries from the cache
	Clear()

	// Stats returns cache statistics
	Stats() CacheStats
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	SettingsHits   int64
	SettingsMisses int64
	PlanHits       int64
	PlanMisses     int64
	Evictions      int64
	Size           int
}

// planEntry wraps a cached plan with expiration time and access time for LRU
type planEntry struct {
	plan       PlanType
	expiration time.Time
	accessTime time.Time
	sequence   int64 // tiebreak when access times are equal
}

// NoopCache is a cache implementation that does nothing
// Used when caching is disabled
type NoopCache struct{}

// NewNoopCache creates a new no-op cache
func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) GetSettings() (SettingsSnapshot, bool) {
	return SettingsSnapshot{}, false
}

func (c *NoopCache) SetSettings(_ SettingsSnapshot, _ time.Duration) {}

func (c *NoopCache) InvalidateSettings() {}

func (c *NoopCache) GetPlan(_ string) (PlanType, bool) {
	return "", false
}

func (c *NoopCache) SetPlan(_ string, _ PlanType, _ time.Duration) {}

func (c *NoopCache) InvalidatePlan(_ string) {}

func (c *NoopCache) Clear() {}

func (c *NoopCache) Stats() CacheStats {
	return CacheStats{}
}

// LRUCache implements Cache with a single settings slot and an LRU map of plans
type LRUCache struct {
	mu  sync.Mutex
	now func() time.Time

	settings        SettingsSnapshot
	settingsExpires time.Time
	hasSettings     bool

	plans    map[string]*planEntry
	maxPlans int
	sequence int64

	settingsHits   int64
	settingsMisses int64
	planHits       int64
	planMisses     int64
	evictions      int64
}

// NewLRUCache creates a new LRU cache holding at most maxPlans plans
func NewLRUCache(maxPlans int) *LRUCache {
	if maxPlans <= 0 {
		maxPlans = 10000
	}
	return &LRUCache{
		now:      time.Now,
		plans:    make(map[string]*planEntry, maxPlans),
		maxPlans: maxPlans,
	}
}

func (c *LRUCache) GetSettings() (SettingsSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasSettings || c.now().After(c.settingsExpires) {
		c.settingsMisses++
		return SettingsSnapshot{}, false
	}
	c.settingsHits++
	return c.settings, true
}

func (c *LRUCache) SetSettings(snapshot SettingsSnapshot, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.settings = snapshot
	c.settingsExpires = c.now().Add(ttl)
	c.hasSettings = true
}

func (c *LRUCache) InvalidateSettings() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasSettings = false
}

func (c *LRUCache) GetPlan(userID string) (PlanType, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, exists := c.plans[userID]
	if !exists || now.After(entry.expiration) {
		c.planMisses++
		return "", false
	}

	entry.accessTime = now
	c.planHits++
	return entry.plan, true
}

func (c *LRUCache) SetPlan(userID string, plan PlanType, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.plans[userID]; !exists && len(c.plans) >= c.maxPlans {
		c.evictOldestPlan()
	}

	seq := c.sequence
	c.sequence++
	c.plans[userID] = &planEntry{
		plan:       plan,
		expiration: now.Add(ttl),
		accessTime: now,
		sequence:   seq,
	}
}

// evictOldestPlan drops the least recently used plan. Caller holds mu.
func (c *LRUCache) evictOldestPlan() {
	var oldestKey string
	var oldest *planEntry
	for key, entry := range c.plans {
		if oldest == nil || entry.accessTime.Before(oldest.accessTime) ||
			(entry.accessTime.Equal(oldest.accessTime) && entry.sequence < oldest.sequence) {
			oldestKey = key
			oldest = entry
		}
	}
	if oldest != nil {
		delete(c.plans, oldestKey)
		c.evictions++
	}
}

func (c *LRUCache) InvalidatePlan(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.plans, userID)
}

func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasSettings = false
	c.plans = make(map[string]*planEntry, c.maxPlans)
}

func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := len(c.plans)
	if c.hasSettings {
		size++
	}
	return CacheStats{
		SettingsHits:   c.settingsHits,
		SettingsMisses: c.settingsMisses,
		PlanHits:       c.planHits,
		PlanMisses:     c.planMisses,
		Evictions:      c.evictions,
		Size:           size,
	}
}
