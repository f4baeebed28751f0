package resource

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"goflare.io/cinder/internal/invariants"
)

func TestResource_UsageAndExecutorHandOff(t *testing.T) {
	r, p := newStandalone(32)
	require.EqualValues(t, 1, r.usageRefs.Load())

	r.AcquireUsage()
	r.AcquireExecutor()
	assert.EqualValues(t, 2, r.usageRefs.Load())
	assert.EqualValues(t, 1, r.executorRefs.Load())

	assert.False(t, r.ReleaseUsage())
	assert.False(t, r.isPurgeable())

	assert.False(t, r.ReleaseUsage())
	assert.True(t, r.isPurgeable())
	assert.EqualValues(t, 0, p.frees.Load(), "executor still holds the resource")
	assert.False(t, r.WasDestroyed())

	assert.True(t, r.ReleaseExecutor())
	assert.EqualValues(t, 1, p.frees.Load())
	assert.True(t, r.WasDestroyed())
	assert.Nil(t, r.Device())
	assert.Nil(t, r.Payload())
}

func TestResource_LastUsageReleaseWithoutExecutors(t *testing.T) {
	r, p := newStandalone(8)
	assert.True(t, r.ReleaseUsage())
	assert.EqualValues(t, 1, p.frees.Load())
}

func TestResource_IsPurgeableIgnoresExecutorRefs(t *testing.T) {
	r, _ := newStandalone(8)
	r.AcquireExecutor()
	r.AcquireExecutor()
	assert.False(t, r.isPurgeable())

	r.ReleaseUsage()
	assert.True(t, r.isPurgeable())

	r.ReleaseExecutor()
	assert.True(t, r.isPurgeable())
	assert.True(t, r.ReleaseExecutor())
}

func TestResource_Preconditions(t *testing.T) {
	if !invariants.Enabled {
		t.Skip("contract checks are disabled in release builds")
	}

	t.Run("acquire usage with no holders", func(t *testing.T) {
		r := NewResource(testDevice, &fakePayload{size: 1})
		err := recoverError(t, r.AcquireUsage)
		assert.ErrorIs(t, err, ErrNoUsageRef)
		assert.EqualValues(t, 0, r.usageRefs.Load())
	})

	t.Run("release usage with no holders", func(t *testing.T) {
		r := NewResource(testDevice, &fakePayload{size: 1})
		err := recoverError(t, func() { r.ReleaseUsage() })
		assert.ErrorIs(t, err, ErrNoUsageRef)
		assert.EqualValues(t, 0, r.usageRefs.Load())
	})

	t.Run("release executor with no holders", func(t *testing.T) {
		r, _ := newStandalone(1)
		err := recoverError(t, func() { r.ReleaseExecutor() })
		assert.ErrorIs(t, err, ErrNoExecutorRef)
		assert.EqualValues(t, 0, r.executorRefs.Load())
	})

	t.Run("removed from cache twice", func(t *testing.T) {
		c := NewCache(newTestConfig(t))
		r, p := insert(t, c, NewKey(BufferType, Scratch, 1), 1)
		assert.False(t, r.removedFromCache())

		err := recoverError(t, func() { r.removedFromCache() })
		assert.ErrorIs(t, err, ErrRemovedTwice)

		assert.True(t, r.ReleaseUsage())
		assert.EqualValues(t, 1, p.frees.Load())
	})

	t.Run("key set twice", func(t *testing.T) {
		r, _ := newStandalone(1)
		err := recoverError(t, func() { r.setKey(NewKey(TextureType, Scratch, 1, 1)) })
		assert.ErrorIs(t, err, ErrKeyAlreadySet)
		assert.Equal(t, BufferType, r.Key().Type())
	})

	t.Run("executor acquire after teardown", func(t *testing.T) {
		r, _ := newStandalone(1)
		require.True(t, r.ReleaseUsage())
		err := recoverError(t, r.AcquireExecutor)
		assert.ErrorIs(t, err, ErrAlreadyDisposed)
	})
}

func TestResource_ConcurrentReleasesDisposeOnce(t *testing.T) {
	const (
		iterations = 200
		usage      = 8
		executors  = 8
	)

	for range iterations {
		r, p := newStandalone(4)
		for range usage - 1 {
			r.AcquireUsage()
		}
		for range executors {
			r.AcquireExecutor()
		}

		var (
			wg        sync.WaitGroup
			start     = make(chan struct{})
			disposers atomic.Int32
		)
		for i := range usage + executors {
			wg.Add(1)
			go func(usageRelease bool) {
				defer wg.Done()
				<-start
				var disposed bool
				if usageRelease {
					disposed = r.ReleaseUsage()
				} else {
					disposed = r.ReleaseExecutor()
				}
				if disposed {
					disposers.Inc()
				}
			}(i < usage)
		}
		close(start)
		wg.Wait()

		require.EqualValues(t, 1, disposers.Load())
		require.EqualValues(t, 1, p.frees.Load())
		require.True(t, r.WasDestroyed())
	}
}

func TestResource_RacingUsageAndExecutorRelease(t *testing.T) {
	for range 1000 {
		r, p := newStandalone(4)
		r.AcquireExecutor()

		var (
			wg    sync.WaitGroup
			start = make(chan struct{})
			byUse bool
			byExe bool
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			byUse = r.ReleaseUsage()
		}()
		go func() {
			defer wg.Done()
			<-start
			byExe = r.ReleaseExecutor()
		}()
		close(start)
		wg.Wait()

		require.True(t, byUse != byExe, "exactly one release must be responsible")
		require.EqualValues(t, 1, p.frees.Load())
	}
}

func TestResource_RacingReleasesAndCacheRemoval(t *testing.T) {
	for range 500 {
		c := NewCache(newTestConfig(t))
		r, p := insert(t, c, NewKey(BufferType, Scratch, 4), 4)
		r.AcquireExecutor()

		var (
			wg    sync.WaitGroup
			start = make(chan struct{})
		)
		wg.Add(3)
		go func() {
			defer wg.Done()
			<-start
			r.ReleaseUsage()
		}()
		go func() {
			defer wg.Done()
			<-start
			r.ReleaseExecutor()
		}()
		go func() {
			defer wg.Done()
			<-start
			c.Shutdown()
		}()
		close(start)
		wg.Wait()

		require.EqualValues(t, 1, p.frees.Load())
		require.True(t, r.WasDestroyed())
		require.EqualValues(t, 1, c.Stats().Teardowns)
	}
}
