package resource

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"goflare.io/cinder/internal/config"
)

type fakePayload struct {
	size  int64
	frees atomic.Int32
}

func (p *fakePayload) Free() { p.frees.Inc() }

func (p *fakePayload) Size() int64 { return p.size }

type temporary struct{ error }

func (temporary) Temporary() bool { return true }

var errTemporary = temporary{errors.New("out of memory")}

type fakeDevice struct {
	size     int64
	failNext atomic.Int32
	failWith error
	created  atomic.Int32
}

func (d *fakeDevice) Name() string { return "fake" }

func (d *fakeDevice) CreatePayload(_ context.Context, _ Key) (Payload, error) {
	if d.failWith != nil {
		return nil, d.failWith
	}
	if d.failNext.Load() > 0 {
		d.failNext.Dec()
		return nil, errTemporary
	}
	d.created.Inc()
	return &fakePayload{size: d.size}, nil
}

var testDevice = &fakeDevice{size: 16}

func newTestConfig(t *testing.T, opts ...config.Option) *config.Config {
	t.Helper()
	opts = append([]config.Option{
		config.WithLogger(zap.NewNop()),
		config.WithRetry(3, time.Millisecond, 2*time.Millisecond),
	}, opts...)
	cfg, err := config.NewConfig(opts...)
	require.NoError(t, err)
	return cfg
}

// newStandalone builds a resource that no cache owns, holding one usage ref.
func newStandalone(size int64) (*Resource, *fakePayload) {
	p := &fakePayload{size: size}
	r := NewResource(testDevice, p)
	r.setKey(NewKey(BufferType, Scratch, uint32(size)))
	r.refCacheOnly()
	return r, p
}

// insert creates a resource and hands it to c, returning it with one usage ref.
func insert(t *testing.T, c *Cache, key Key, size int64) (*Resource, *fakePayload) {
	t.Helper()
	p := &fakePayload{size: size}
	r := NewResource(testDevice, p)
	r.setKey(key)
	require.NoError(t, c.insertResource(r))
	return r, p
}

// recoverError runs fn and returns the error it panicked with.
func recoverError(t *testing.T, fn func()) (err error) {
	t.Helper()
	defer func() {
		v := recover()
		require.NotNil(t, v, "expected a panic")
		e, ok := v.(error)
		require.True(t, ok, "panic value %v is not an error", v)
		err = e
	}()
	fn()
	return nil
}

func assertIndices(t *testing.T, c *Cache) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range c.nonpurgeable {
		require.Equal(t, i, *r.accessCacheIndex(), "nonpurgeable slot %d", i)
		require.False(t, r.inPurgeableQueue)
	}
	for i, r := range c.purgeable {
		require.Equal(t, i, *r.accessCacheIndex(), "purgeable slot %d", i)
		require.True(t, r.inPurgeableQueue)
	}
}
