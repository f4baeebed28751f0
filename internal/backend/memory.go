// Package backend provides Device implementations for the resource cache.
package backend

import (
	"context"
	"fmt"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"goflare.io/cinder/internal/resource"
)

// SizeFunc computes the allocation size for a key.
type SizeFunc func(key resource.Key) int64

// Option configures a MemoryDevice.
type Option func(*MemoryDevice)

// WithCapacity limits the bytes that may be live at once. Zero means no limit.
func WithCapacity(bytes int64) Option {
	return func(d *MemoryDevice) {
		d.capacity = bytes
	}
}

// WithSizeFunc overrides how payload sizes are derived from keys.
func WithSizeFunc(fn SizeFunc) Option {
	return func(d *MemoryDevice) {
		if fn != nil {
			d.sizeOf = fn
		}
	}
}

// WithLogger sets the logger used to report misuse of payloads.
func WithLogger(logger *zap.Logger) Option {
	return func(d *MemoryDevice) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// MemoryDevice is a Device whose payloads are heap buffers. It accounts for
// every allocation so callers can check that each payload is freed once.
type MemoryDevice struct {
	name     string
	capacity int64
	sizeOf   SizeFunc
	logger   *zap.Logger

	allocated   atomic.Int64
	live        atomic.Int64
	created     atomic.Int64
	freed       atomic.Int64
	doubleFrees atomic.Int64
	failNext    atomic.Int32
}

// NewMemoryDevice creates a device called name.
func NewMemoryDevice(name string, opts ...Option) *MemoryDevice {
	d := &MemoryDevice{
		name:   name,
		sizeOf: DefaultSize,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *MemoryDevice) Name() string { return d.name }

// CreatePayload allocates a buffer sized for key.
func (d *MemoryDevice) CreatePayload(ctx context.Context, key resource.Key) (resource.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.consumeFailure() {
		return nil, ErrOutOfMemory
	}

	size := d.sizeOf(key)
	if size <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSize, key)
	}
	if total := d.allocated.Add(size); d.capacity > 0 && total > d.capacity {
		d.allocated.Sub(size)
		return nil, ErrOutOfMemory
	}

	d.live.Inc()
	d.created.Inc()
	return &memoryPayload{device: d, buf: make([]byte, size), size: size}, nil
}

// FailNext makes the next n allocations fail with ErrOutOfMemory.
func (d *MemoryDevice) FailNext(n int32) {
	d.failNext.Store(n)
}

func (d *MemoryDevice) consumeFailure() bool {
	for {
		n := d.failNext.Load()
		if n <= 0 {
			return false
		}
		if d.failNext.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// Live is the number of payloads created and not yet freed.
func (d *MemoryDevice) Live() int64 { return d.live.Load() }

// Allocated is the number of bytes held by live payloads.
func (d *MemoryDevice) Allocated() int64 { return d.allocated.Load() }

// Created is the number of payloads ever created.
func (d *MemoryDevice) Created() int64 { return d.created.Load() }

// Freed is the number of payloads freed.
func (d *MemoryDevice) Freed() int64 { return d.freed.Load() }

// DoubleFrees counts Free calls on payloads that were already freed.
func (d *MemoryDevice) DoubleFrees() int64 { return d.doubleFrees.Load() }

type memoryPayload struct {
	device *MemoryDevice
	buf    []byte
	size   int64
	freed  atomic.Bool
}

func (p *memoryPayload) Free() {
	if !p.freed.CompareAndSwap(false, true) {
		p.device.doubleFrees.Inc()
		p.device.logger.Error("Payload freed twice", zap.String("device", p.device.name), zap.Int64("bytes", p.size))
		return
	}
	p.buf = nil
	p.device.allocated.Sub(p.size)
	p.device.live.Dec()
	p.device.freed.Inc()
}

func (p *memoryPayload) Size() int64 { return p.size }

// Bytes exposes the backing buffer. It is nil after Free.
func (p *memoryPayload) Bytes() []byte { return p.buf }

// DefaultSize sizes textures as width*height*4, buffers by their first word,
// and everything else as a small fixed object.
func DefaultSize(key resource.Key) int64 {
	data := key.Data()
	switch key.Type() {
	case resource.TextureType:
		if len(data) >= 2 {
			return int64(data[0]) * int64(data[1]) * 4
		}
	case resource.BufferType:
		if len(data) >= 1 {
			return int64(data[0])
		}
	}
	return 64
}
