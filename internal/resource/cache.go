package resource

import (
	"container/heap"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"goflare.io/cinder/internal/config"
)

// Stats is a point-in-time view of a Cache.
type Stats struct {
	Resources     int   `json:"resources"`
	Purgeable     int   `json:"purgeable"`
	BudgetedBytes int64 `json:"budgeted_bytes"`
	MaxBudget     int64 `json:"max_budget"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Evictions     int64 `json:"evictions"`
	Teardowns     int64 `json:"teardowns"`
}

// Cache owns resources that are either in use (held by at least one client)
// or purgeable. In-use resources live in an array and purgeable ones in a
// heap ordered by recency; each resource stores its slot so it can be moved
// between the two in O(1) or O(log n).
//
// The cache never calls into a resource's arbitration while holding its own
// lock. Resources it stops tracking are detached after unlocking.
type Cache struct {
	mu sync.Mutex

	nonpurgeable []*Resource
	purgeable    purgeableQueue
	resourceMap  map[uint64][]*Resource

	keyFilter     *bloom.BloomFilter
	filterCfg     config.KeyFilterConfig
	filterRemoved uint

	maxBudget     int64
	budgetedBytes int64
	nextStamp     uint32
	shutdown      bool

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	teardowns atomic.Int64

	tracer trace.Tracer
	logger *zap.Logger
}

// NewCache creates an empty cache with the budget and key filter settings
// from cfg.
func NewCache(cfg *config.Config) *Cache {
	return &Cache{
		resourceMap: make(map[uint64][]*Resource),
		keyFilter:   bloom.NewWithEstimates(cfg.KeyFilterConfig.ExpectedItems, cfg.KeyFilterConfig.FalsePositiveRate),
		filterCfg:   cfg.KeyFilterConfig,
		maxBudget:   cfg.MaxBudget,
		tracer:      otel.Tracer("goflare.io/cinder/resource"),
		logger:      cfg.Logger,
	}
}

// insertResource starts tracking a freshly created resource and hands its
// first usage ref to the caller.
func (c *Cache) insertResource(r *Resource) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return ErrCacheShutdown
	}

	r.registerWithCache(c)
	r.refCacheOnly()
	r.setTimestamp(c.getNextTimestamp())
	r.lastAccess = time.Now()
	c.addToNonpurgeableArray(r)
	c.budgetedBytes += r.size
	if r.key.Shareable() {
		c.addToResourceMap(r)
	}

	victims := c.purgeAsNeeded()
	c.mu.Unlock()

	c.detach(victims)
	return nil
}

// findAndRefResource returns a resource matching key with a new usage ref,
// or nil. Scratch resources are only found while purgeable.
func (c *Cache) findAndRefResource(key Key) *Resource {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown || !c.keyFilter.Test(key.bytes()) {
		c.misses.Inc()
		return nil
	}

	r := c.lookup(key)
	if r == nil {
		c.misses.Inc()
		return nil
	}
	if !r.key.Shareable() {
		c.removeFromResourceMap(r)
	}
	c.refAndMakeResourceMRU(r)
	c.hits.Inc()
	return r
}

// returnResource is called by a resource whose last usage ref was released
// while the cache still owned it. Late or duplicate returns are ignored.
func (c *Cache) returnResource(r *Resource) {
	c.mu.Lock()
	if c.shutdown || *r.accessCacheIndex() < 0 || r.inPurgeableQueue || !r.isPurgeable() {
		c.mu.Unlock()
		return
	}

	c.removeFromNonpurgeableArray(r)
	r.setTimestamp(c.getNextTimestamp())
	r.lastAccess = time.Now()
	heap.Push(&c.purgeable, r)
	if !r.key.Shareable() {
		c.addToResourceMap(r)
	}

	victims := c.purgeAsNeeded()
	c.mu.Unlock()

	c.detach(victims)
}

// PurgeResourcesNotUsedSince evicts purgeable resources last returned before
// t and reports how many were evicted.
func (c *Cache) PurgeResourcesNotUsedSince(ctx context.Context, t time.Time) int {
	_, span := c.tracer.Start(ctx, "Cache.PurgeResourcesNotUsedSince")
	defer span.End()

	// Stamps and access times advance together, so the heap is also ordered
	// by lastAccess.
	c.mu.Lock()
	var victims []*Resource
	for r := c.purgeable.peek(); r != nil && r.lastAccess.Before(t); r = c.purgeable.peek() {
		heap.Pop(&c.purgeable)
		c.untrack(r)
		victims = append(victims, r)
	}
	c.mu.Unlock()

	c.detach(victims)
	span.SetAttributes(attribute.Int("purged", len(victims)))
	if len(victims) > 0 {
		c.logger.Debug("Purged idle resources", zap.Int("count", len(victims)), zap.Time("before", t))
	}
	return len(victims)
}

// PurgeAll evicts every purgeable resource.
func (c *Cache) PurgeAll(ctx context.Context) int {
	_, span := c.tracer.Start(ctx, "Cache.PurgeAll")
	defer span.End()

	c.mu.Lock()
	victims := c.drainPurgeable()
	c.mu.Unlock()

	c.detach(victims)
	span.SetAttributes(attribute.Int("purged", len(victims)))
	return len(victims)
}

// Shutdown drops the cache's hold on every resource. Resources still held by
// clients or executors are torn down by their last release. Later inserts
// fail and later returns are ignored.
func (c *Cache) Shutdown() {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true

	victims := make([]*Resource, 0, len(c.nonpurgeable)+len(c.purgeable))
	for _, r := range c.nonpurgeable {
		*r.accessCacheIndex() = -1
		victims = append(victims, r)
	}
	for c.purgeable.Len() > 0 {
		victims = append(victims, heap.Pop(&c.purgeable).(*Resource))
	}
	inUse := len(c.nonpurgeable)
	c.nonpurgeable = nil
	c.resourceMap = make(map[uint64][]*Resource)
	c.keyFilter.ClearAll()
	c.budgetedBytes = 0
	c.mu.Unlock()

	c.detach(victims)
	c.logger.Info("Resource cache shut down",
		zap.Int("resources", len(victims)),
		zap.Int("in_use", inUse),
	)
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Resources:     len(c.nonpurgeable) + len(c.purgeable),
		Purgeable:     len(c.purgeable),
		BudgetedBytes: c.budgetedBytes,
		MaxBudget:     c.maxBudget,
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
		Teardowns:     c.teardowns.Load(),
	}
}

func (c *Cache) noteDisposed(r *Resource) {
	c.teardowns.Inc()
	c.logger.Debug("Resource torn down", zap.Stringer("key", r.key), zap.Int64("bytes", r.size))
}

func (c *Cache) lookup(key Key) *Resource {
	for _, r := range c.resourceMap[key.Hash()] {
		if r.key.Equal(key) {
			return r
		}
	}
	return nil
}

func (c *Cache) refAndMakeResourceMRU(r *Resource) {
	if r.inPurgeableQueue {
		heap.Remove(&c.purgeable, *r.accessCacheIndex())
		c.addToNonpurgeableArray(r)
	}
	r.refCacheOnly()
	r.setTimestamp(c.getNextTimestamp())
	r.lastAccess = time.Now()
}

func (c *Cache) addToNonpurgeableArray(r *Resource) {
	*r.accessCacheIndex() = len(c.nonpurgeable)
	c.nonpurgeable = append(c.nonpurgeable, r)
}

func (c *Cache) removeFromNonpurgeableArray(r *Resource) {
	idx := *r.accessCacheIndex()
	last := len(c.nonpurgeable) - 1
	tail := c.nonpurgeable[last]
	c.nonpurgeable[idx] = tail
	*tail.accessCacheIndex() = idx
	c.nonpurgeable[last] = nil
	c.nonpurgeable = c.nonpurgeable[:last]
	*r.accessCacheIndex() = -1
}

func (c *Cache) addToResourceMap(r *Resource) {
	h := r.key.Hash()
	c.resourceMap[h] = append(c.resourceMap[h], r)
	c.keyFilter.Add(r.key.bytes())
}

func (c *Cache) removeFromResourceMap(r *Resource) {
	h := r.key.Hash()
	bucket := c.resourceMap[h]
	i := slices.Index(bucket, r)
	if i < 0 {
		return
	}
	bucket = slices.Delete(bucket, i, i+1)
	if len(bucket) == 0 {
		delete(c.resourceMap, h)
	} else {
		c.resourceMap[h] = bucket
	}

	// A bloom filter cannot forget keys; rebuild it once enough have gone.
	c.filterRemoved++
	if c.filterRemoved >= c.filterCfg.ExpectedItems {
		c.rebuildKeyFilter()
	}
}

func (c *Cache) rebuildKeyFilter() {
	c.keyFilter.ClearAll()
	for _, bucket := range c.resourceMap {
		for _, r := range bucket {
			c.keyFilter.Add(r.key.bytes())
		}
	}
	c.filterRemoved = 0
}

// purgeAsNeeded evicts least recently used purgeable resources until the
// budget is met. The returned resources must be detached after unlocking.
func (c *Cache) purgeAsNeeded() []*Resource {
	var victims []*Resource
	for c.budgetedBytes > c.maxBudget && c.purgeable.Len() > 0 {
		r := heap.Pop(&c.purgeable).(*Resource)
		c.untrack(r)
		victims = append(victims, r)
	}
	return victims
}

func (c *Cache) drainPurgeable() []*Resource {
	victims := make([]*Resource, 0, c.purgeable.Len())
	for c.purgeable.Len() > 0 {
		r := heap.Pop(&c.purgeable).(*Resource)
		c.untrack(r)
		victims = append(victims, r)
	}
	return victims
}

// untrack forgets a resource that has already left the purgeable heap.
func (c *Cache) untrack(r *Resource) {
	c.removeFromResourceMap(r)
	c.budgetedBytes -= r.size
	c.evictions.Inc()
}

func (c *Cache) detach(victims []*Resource) {
	for _, r := range victims {
		r.removedFromCache()
	}
}

// getNextTimestamp hands out recency stamps. When the counter wraps, every
// tracked resource is renumbered in its existing order.
func (c *Cache) getNextTimestamp() uint32 {
	if c.nextStamp == 0 {
		count := len(c.nonpurgeable) + len(c.purgeable)
		if count > 0 {
			all := make([]*Resource, 0, count)
			all = append(all, c.purgeable...)
			all = append(all, c.nonpurgeable...)
			slices.SortFunc(all, func(a, b *Resource) int {
				switch {
				case a.timestamp() < b.timestamp():
					return -1
				case a.timestamp() > b.timestamp():
					return 1
				}
				return 0
			})
			for i, r := range all {
				r.setTimestamp(uint32(i))
			}
			heap.Init(&c.purgeable)
			c.nextStamp = uint32(count)
		}
	}

	ts := c.nextStamp
	c.nextStamp++
	return ts
}
