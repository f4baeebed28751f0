package cinder_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"goflare.io/cinder"
	"goflare.io/cinder/internal/backend"
	"goflare.io/cinder/pkg/serialization"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newCinder(t *testing.T, dev *backend.MemoryDevice, opts ...cinder.Option) *cinder.Cinder {
	t.Helper()
	opts = append([]cinder.Option{cinder.WithLogger(zap.NewNop())}, opts...)
	c, err := cinder.New(context.Background(), dev, opts...)
	require.NoError(t, err)
	return c
}

func TestCinder_ResourceOutlivesClientUntilWorkFinishes(t *testing.T) {
	dev := backend.NewMemoryDevice("test")
	c := newCinder(t, dev)
	ctx := context.Background()

	tex, err := c.FindOrCreate(ctx, cinder.NewKey(cinder.TextureType, cinder.Scratch, 64, 64))
	require.NoError(t, err)
	assert.EqualValues(t, 64*64*4, tex.Size())

	gate := make(chan struct{})
	done := make(chan struct{})
	cb := c.NewCommandBuffer()
	cb.Track(tex)
	cb.Record(func(context.Context) error {
		<-gate
		return nil
	})
	cb.OnFinished(func(error) { close(done) })
	require.NoError(t, c.Submit(ctx, cb))

	tex.ReleaseUsage()
	assert.Equal(t, 1, c.PurgeAll(ctx))
	assert.EqualValues(t, 1, dev.Live())

	close(gate)
	<-done
	assert.Zero(t, dev.Live())

	require.NoError(t, c.Close())
	assert.Zero(t, dev.DoubleFrees())
}

func TestCinder_ReusesReturnedResources(t *testing.T) {
	dev := backend.NewMemoryDevice("test")
	c := newCinder(t, dev)
	defer func() { require.NoError(t, c.Close()) }()
	ctx := context.Background()
	key := cinder.NewKey(cinder.BufferType, cinder.Scratch, 4096)

	for range 5 {
		r, err := c.FindOrCreate(ctx, key)
		require.NoError(t, err)
		r.ReleaseUsage()
	}
	assert.EqualValues(t, 1, dev.Created())

	stats := c.Stats()
	assert.EqualValues(t, 4, stats.Cache.Hits)
	assert.Equal(t, 1, stats.Cache.Purgeable)
}

func TestCinder_BudgetAndIdlePurge(t *testing.T) {
	dev := backend.NewMemoryDevice("test")
	c := newCinder(t, dev,
		cinder.WithMaxBudget(10_000),
		cinder.WithPurge(time.Millisecond, time.Millisecond),
	)
	defer func() { require.NoError(t, c.Close()) }()
	ctx := context.Background()

	for i := range 4 {
		r, err := c.FindOrCreate(ctx, cinder.NewKey(cinder.BufferType, cinder.Scratch, 4000+uint32(i)))
		require.NoError(t, err)
		r.ReleaseUsage()
	}
	assert.LessOrEqual(t, dev.Allocated(), int64(10_000))

	require.Eventually(t, func() bool { return dev.Live() == 0 }, time.Second, time.Millisecond)
}

func TestCinder_OutOfMemoryPurgesAndRetries(t *testing.T) {
	dev := backend.NewMemoryDevice("test", backend.WithCapacity(1000))
	c := newCinder(t, dev, cinder.WithRetry(3, time.Millisecond, time.Millisecond))
	defer func() { require.NoError(t, c.Close()) }()
	ctx := context.Background()

	a, err := c.FindOrCreate(ctx, cinder.NewKey(cinder.BufferType, cinder.Scratch, 800))
	require.NoError(t, err)
	a.ReleaseUsage()

	b, err := c.FindOrCreate(ctx, cinder.NewKey(cinder.BufferType, cinder.Scratch, 600))
	require.NoError(t, err)
	assert.True(t, a.WasDestroyed())
	assert.EqualValues(t, 600, dev.Allocated())
	b.ReleaseUsage()
}

func TestCinder_ConcurrentClientsAndExecutors(t *testing.T) {
	dev := backend.NewMemoryDevice("test")
	c := newCinder(t, dev, cinder.WithWorkers(4), cinder.WithMaxBudget(64*1024))
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := range 50 {
				shareable := cinder.Scratch
				if i%4 == 0 {
					shareable = cinder.Shared
				}
				r, err := c.FindOrCreate(ctx, cinder.NewKey(cinder.BufferType, shareable, uint32(1024+(w+i)%8)))
				if !assert.NoError(t, err) {
					return
				}
				cb := c.NewCommandBuffer()
				cb.Track(r)
				cb.Record(func(context.Context) error { return nil })
				assert.NoError(t, c.Submit(ctx, cb))
				r.ReleaseUsage()
				if i%10 == 0 {
					c.PurgeAll(ctx)
				}
			}
		}(w)
	}
	wg.Wait()

	require.NoError(t, c.Close())
	assert.Zero(t, dev.Live())
	assert.Zero(t, dev.DoubleFrees())
	assert.Equal(t, dev.Created(), dev.Freed())
	assert.EqualValues(t, 400, c.Stats().Completed)
}

func TestCinder_CloseWithOutstandingClientRef(t *testing.T) {
	dev := backend.NewMemoryDevice("test")
	c := newCinder(t, dev)
	ctx := context.Background()

	r, err := c.FindOrCreate(ctx, cinder.NewKey(cinder.SamplerType, cinder.Shared, 1))
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.EqualValues(t, 1, dev.Live())

	assert.True(t, r.ReleaseUsage())
	assert.Zero(t, dev.Live())

	_, err = c.FindOrCreate(ctx, cinder.NewKey(cinder.SamplerType, cinder.Shared, 1))
	assert.ErrorIs(t, err, cinder.ErrCacheShutdown)
	assert.ErrorIs(t, c.Submit(ctx, c.NewCommandBuffer()), cinder.ErrQueueClosed)
}

func TestCinder_WriteStats(t *testing.T) {
	for _, typ := range []string{serialization.JSONType, serialization.GobType} {
		t.Run(typ, func(t *testing.T) {
			dev := backend.NewMemoryDevice("test")
			c := newCinder(t, dev, cinder.WithSerialization(typ), cinder.WithMaxBudget(4096))
			defer func() { require.NoError(t, c.Close()) }()

			r, err := c.FindOrCreate(context.Background(), cinder.NewKey(cinder.BufferType, cinder.Scratch, 128))
			require.NoError(t, err)
			r.ReleaseUsage()

			var buf bytes.Buffer
			require.NoError(t, c.WriteStats(&buf))

			_, newDec, err := serialization.Lookup(typ)
			require.NoError(t, err)
			var got cinder.Stats
			require.NoError(t, newDec(&buf).Decode(&got))
			assert.Equal(t, c.Stats(), got)
			assert.EqualValues(t, 4096, got.Cache.MaxBudget)
			assert.EqualValues(t, 128, got.Cache.BudgetedBytes)
		})
	}
}

func TestNew_InvalidOption(t *testing.T) {
	_, err := cinder.New(context.Background(), backend.NewMemoryDevice("test"), cinder.WithWorkers(0))
	assert.Error(t, err)
}
