package resource

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"goflare.io/cinder/internal/invariants"
)

// lastRemovedRef names the kind of reference whose removal triggered an
// arbitration.
type lastRemovedRef int

const (
	usageRef lastRemovedRef = iota
	executorRef
	cacheRef
)

// zeroAction is the outcome of an arbitration.
type zeroAction int

const (
	keepAlive zeroAction = iota
	returnToCache
	dispose
)

type deviceRef struct{ Device }

// Resource is a cache entry owning one native payload.
//
// Two independent kinds of holders keep it alive: usage refs, taken by client
// code, and executor refs, taken by in-flight command buffers and released
// from their completion goroutine. The cache holds a third, implicit ref
// until it calls removedFromCache. The payload is freed exactly once, by
// whichever release leaves all three at zero.
type Resource struct {
	// unrefMu orders the zero-crossing checks of both counters and the cache
	// removal, so exactly one caller is told to dispose.
	unrefMu       sync.Mutex
	calledRemoved bool // guarded by unrefMu
	disposing     bool // guarded by unrefMu

	usageRefs    atomic.Int32
	executorRefs atomic.Int32
	disposed     atomic.Bool

	// Not owned. Cleared by teardown.
	device  atomic.Pointer[deviceRef]
	payload Payload
	size    int64

	key    Key
	keySet bool

	// Non-owning back reference, set once by registerWithCache.
	returnCache *Cache

	// The fields below are maintained by the cache while it holds its lock.

	// An index into the purgeable heap when purgeable, or into the in-use
	// array when not.
	cacheIndex       int
	stamp            uint32
	lastAccess       time.Time
	inPurgeableQueue bool
}

// NewResource wraps a payload created by device. The resource starts with no
// refs and is not visible to anyone until a cache inserts it.
func NewResource(device Device, payload Payload) *Resource {
	r := &Resource{
		payload:    payload,
		size:       payload.Size(),
		cacheIndex: -1,
	}
	r.device.Store(&deviceRef{device})
	return r
}

// AcquireUsage adds a usage ref on behalf of a caller that already holds one.
// Only the cache may add the first usage ref.
func (r *Resource) AcquireUsage() {
	if !r.hasUsageRef() {
		invariants.Violation(fmt.Errorf("%w: acquire on resource %s with no holders", ErrNoUsageRef, r.key))
		return
	}
	r.usageRefs.Inc()
}

// ReleaseUsage drops a usage ref. It returns true if this call tore the
// resource down.
func (r *Resource) ReleaseUsage() bool {
	n := r.usageRefs.Dec()
	if n < 0 {
		r.usageRefs.Inc()
		invariants.Violation(fmt.Errorf("%w: release on resource %s", ErrNoUsageRef, r.key))
		return false
	}
	if n > 0 {
		return false
	}

	r.unrefMu.Lock()
	action := r.notifyARefIsZero(usageRef)
	r.unrefMu.Unlock()

	return r.complete(action)
}

// AcquireExecutor adds an executor ref. Command buffers take one when a
// resource is tracked for submission.
func (r *Resource) AcquireExecutor() {
	if r.disposed.Load() {
		invariants.Violation(fmt.Errorf("%w: executor acquire on resource %s", ErrAlreadyDisposed, r.key))
		return
	}
	r.executorRefs.Inc()
}

// ReleaseExecutor drops an executor ref. It returns true if this call tore
// the resource down.
func (r *Resource) ReleaseExecutor() bool {
	n := r.executorRefs.Dec()
	if n < 0 {
		r.executorRefs.Inc()
		invariants.Violation(fmt.Errorf("%w: release on resource %s", ErrNoExecutorRef, r.key))
		return false
	}
	if n > 0 {
		return false
	}

	r.unrefMu.Lock()
	action := r.notifyARefIsZero(executorRef)
	r.unrefMu.Unlock()

	return r.complete(action)
}

// WasDestroyed reports whether teardown has released the device reference.
// It exists for assertions; holders never observe it true.
func (r *Resource) WasDestroyed() bool {
	return r.device.Load() == nil
}

// Device returns the owning device, or nil after teardown.
func (r *Resource) Device() Device {
	if d := r.device.Load(); d != nil {
		return d.Device
	}
	return nil
}

// Payload returns the native object. Callers must hold a ref.
func (r *Resource) Payload() Payload { return r.payload }

// Size is the payload's backend memory in bytes.
func (r *Resource) Size() int64 { return r.size }

func (r *Resource) Key() Key { return r.key }

// setKey is called once by the provider before the resource is inserted.
func (r *Resource) setKey(k Key) {
	if r.keySet {
		invariants.Violation(fmt.Errorf("%w: %s", ErrKeyAlreadySet, r.key))
		return
	}
	if !k.IsValid() {
		invariants.Violation(ErrInvalidKey)
		return
	}
	r.key = k
	r.keySet = true
}

// refCacheOnly adds a usage ref even when there are none. Only the cache
// calls it, when it inserts a resource or hands out a purgeable one.
func (r *Resource) refCacheOnly() {
	if r.disposed.Load() {
		invariants.Violation(fmt.Errorf("%w: cache ref on resource %s", ErrAlreadyDisposed, r.key))
		return
	}
	r.usageRefs.Inc()
}

func (r *Resource) registerWithCache(c *Cache) {
	if r.returnCache != nil {
		invariants.Violation(ErrAlreadyRegistered)
		return
	}
	r.returnCache = c
}

func (r *Resource) accessCacheIndex() *int { return &r.cacheIndex }

func (r *Resource) timestamp() uint32 { return r.stamp }

func (r *Resource) setTimestamp(ts uint32) { r.stamp = ts }

// isPurgeable is true when no client holds the resource. Executor refs may
// still keep the payload alive.
func (r *Resource) isPurgeable() bool { return !r.hasUsageRef() }

// removedFromCache drops the cache's implicit ref. The cache calls it exactly
// once, on eviction or shutdown.
func (r *Resource) removedFromCache() bool {
	r.unrefMu.Lock()
	if r.calledRemoved {
		r.unrefMu.Unlock()
		invariants.Violation(fmt.Errorf("%w: %s", ErrRemovedTwice, r.key))
		return false
	}
	r.calledRemoved = true
	action := r.notifyARefIsZero(cacheRef)
	r.unrefMu.Unlock()

	return r.complete(action)
}

func (r *Resource) hasUsageRef() bool { return r.usageRefs.Load() > 0 }

func (r *Resource) hasExecutorRef() bool { return r.executorRefs.Load() > 0 }

// notifyARefIsZero decides what the caller must do after one kind of ref
// reached zero. unrefMu must be held.
func (r *Resource) notifyARefIsZero(removed lastRemovedRef) zeroAction {
	if r.disposing || r.hasUsageRef() {
		return keepAlive
	}

	if r.returnCache != nil && !r.calledRemoved {
		// The cache still owns the resource; it becomes purgeable the moment
		// clients are done with it, whatever the executors are doing.
		if removed == usageRef {
			return returnToCache
		}
		return keepAlive
	}

	if r.hasExecutorRef() {
		return keepAlive
	}
	r.disposing = true
	return dispose
}

// complete carries out an arbitration outcome. It runs without unrefMu held,
// since both the cache and the payload may take their own locks.
func (r *Resource) complete(action zeroAction) bool {
	switch action {
	case returnToCache:
		r.returnCache.returnResource(r)
	case dispose:
		r.internalDispose()
		return true
	}
	return false
}

// internalDispose frees the payload. It runs at most once per resource.
func (r *Resource) internalDispose() {
	r.payload.Free()
	r.payload = nil
	r.device.Store(nil)
	r.disposed.Store(true)
	if r.returnCache != nil {
		r.returnCache.noteDisposed(r)
	}
}

// discard tears down a resource that was never handed to anyone, for
// example because the cache refused it.
func (r *Resource) discard() {
	r.unrefMu.Lock()
	r.disposing = true
	r.unrefMu.Unlock()
	r.internalDispose()
}
