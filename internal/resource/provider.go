package resource

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"goflare.io/cinder/internal/config"
	"goflare.io/cinder/internal/retrier"
)

// Provider is the front door for obtaining resources. It serves requests
// from the cache and creates payloads on the device when nothing matches.
type Provider struct {
	device  Device
	cache   *Cache
	breaker *gobreaker.CircuitBreaker
	retrier *retrier.Retrier
	sf      singleflight.Group
	tracer  trace.Tracer
	logger  *zap.Logger
}

// NewProvider creates a Provider that allocates on device and caches in cache.
func NewProvider(device Device, cache *Cache, cfg *config.Config) (*Provider, error) {
	rc := cfg.ResilienceConfig
	r, err := retrier.NewRetrier(
		rc.MaxAttempts,
		rc.BaseDelay,
		rc.MaxDelay,
		rc.Factor,
		rc.Jitter,
		retrier.ExponentialBackoff,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrier: %w", err)
	}

	p := &Provider{
		device:  device,
		cache:   cache,
		breaker: gobreaker.NewCircuitBreaker(rc.DeviceCircuitBreaker),
		retrier: r,
		tracer:  otel.Tracer("goflare.io/cinder/resource"),
		logger:  cfg.Logger,
	}
	// A temporary allocation failure usually means the device is out of
	// memory; give back whatever the cache is only keeping for reuse.
	r.BeforeRetry = func(ctx context.Context, attempt int, err error) {
		purged := p.cache.PurgeAll(ctx)
		p.logger.Warn("Payload allocation failed, retrying",
			zap.String("device", p.device.Name()),
			zap.Int("attempt", attempt+1),
			zap.Int("purged", purged),
			zap.Error(err),
		)
	}
	return p, nil
}

// FindOrCreate returns a resource for key holding one usage ref, which the
// caller must release with ReleaseUsage.
func (p *Provider) FindOrCreate(ctx context.Context, key Key) (*Resource, error) {
	if !key.IsValid() {
		return nil, ErrInvalidKey
	}

	ctx, span := p.tracer.Start(ctx, "Provider.FindOrCreate", trace.WithAttributes(
		attribute.String("key", key.String()),
		attribute.Bool("shareable", bool(key.Shareable())),
	))
	defer span.End()

	if r := p.cache.findAndRefResource(key); r != nil {
		span.SetAttributes(attribute.Bool("hit", true))
		return r, nil
	}
	span.SetAttributes(attribute.Bool("hit", false))

	var (
		r   *Resource
		err error
	)
	if key.Shareable() {
		r, err = p.createShared(ctx, key)
	} else {
		r, err = p.create(ctx, key)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return r, nil
}

// createShared lets concurrent misses on the same shareable key share one
// allocation. The goroutine that ran the allocation keeps the cache's first
// ref; the others take their own ref through the cache.
func (p *Provider) createShared(ctx context.Context, key Key) (*Resource, error) {
	const maxLookups = 3
	sfKey := strconv.FormatUint(key.Hash(), 16)

	for range maxLookups {
		var created *Resource
		v, err, _ := p.sf.Do(sfKey, func() (any, error) {
			if r := p.cache.findAndRefResource(key); r != nil {
				created = r
				return r, nil
			}
			r, err := p.create(ctx, key)
			if err != nil {
				return nil, err
			}
			created = r
			return r, nil
		})
		if err != nil {
			return nil, err
		}
		if created != nil {
			return created, nil
		}
		if r := p.cache.findAndRefResource(v.(*Resource).Key()); r != nil {
			return r, nil
		}
		// The shared resource was released and purged before we could ref
		// it; go around again.
	}
	return p.create(ctx, key)
}

func (p *Provider) create(ctx context.Context, key Key) (*Resource, error) {
	var payload Payload
	err := p.retrier.Run(ctx, func() error {
		v, err := p.breaker.Execute(func() (any, error) {
			return p.device.CreatePayload(ctx, key)
		})
		if err != nil {
			return err
		}
		payload = v.(Payload)
		return nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s: %w", ErrDeviceUnavailable, p.device.Name(), err)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrCreateFailed, key, err)
	}

	r := NewResource(p.device, payload)
	r.setKey(key)
	if err := p.cache.insertResource(r); err != nil {
		r.discard()
		return nil, fmt.Errorf("failed to insert resource %s: %w", key, err)
	}
	return r, nil
}
