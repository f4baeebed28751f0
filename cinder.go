// Package cinder is a backend resource cache. Resources are found or created
// through the cache, held by client code through usage refs and by submitted
// command buffers through executor refs, and their native payloads are freed
// exactly once when nobody needs them any more.
package cinder

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"goflare.io/cinder/internal/config"
	"goflare.io/cinder/internal/execution"
	"goflare.io/cinder/internal/resource"
)

type (
	Key           = resource.Key
	Type          = resource.Type
	Shareable     = resource.Shareable
	Resource      = resource.Resource
	Device        = resource.Device
	Payload       = resource.Payload
	CacheStats    = resource.Stats
	CommandBuffer = execution.CommandBuffer
	Command       = execution.Command
)

const (
	TextureType  = resource.TextureType
	BufferType   = resource.BufferType
	SamplerType  = resource.SamplerType
	PipelineType = resource.PipelineType

	Scratch = resource.Scratch
	Shared  = resource.Shared
)

// NewKey builds a resource key from a type and descriptor words.
func NewKey(typ Type, shareable Shareable, data ...uint32) Key {
	return resource.NewKey(typ, shareable, data...)
}

// Option 定義初始化 Cinder 的選項接口
type Option = config.Option

// WithLogger 設置自定義的日誌記錄器
func WithLogger(logger *zap.Logger) Option { return config.WithLogger(logger) }

// WithMaxBudget 設置快取保留 payload 的字節上限
func WithMaxBudget(bytes int64) Option { return config.WithMaxBudget(bytes) }

// WithPurge 設置閒置資源的清理間隔與閒置時間
func WithPurge(interval, idle time.Duration) Option { return config.WithPurge(interval, idle) }

// WithWorkers 設置執行佇列的並發數
func WithWorkers(n int) Option { return config.WithWorkers(n) }

// WithRetry 設置 payload 建立的重試參數
func WithRetry(maxAttempts int, baseDelay, maxDelay time.Duration) Option {
	return config.WithRetry(maxAttempts, baseDelay, maxDelay)
}

// WithCircuitBreaker 設置 device 熔斷器
func WithCircuitBreaker(settings gobreaker.Settings) Option {
	return config.WithCircuitBreaker(settings)
}

// WithSerialization 設置統計輸出的序列化方式 ("json" 或 "gob")
func WithSerialization(serializer string) Option { return config.WithSerialization(serializer) }

// Stats combines cache and queue counters.
type Stats struct {
	Cache     CacheStats `json:"cache"`
	InFlight  int64      `json:"in_flight"`
	Completed int64      `json:"completed"`
	Failed    int64      `json:"failed"`
}

// Cinder 定義 Cinder 庫的主要結構體
type Cinder struct {
	cache    *resource.Cache
	provider *resource.Provider
	queue    *execution.Queue
	purger   *resource.Purger

	cfg    *config.Config
	logger *zap.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New 初始化 Cinder，接受多個配置選項
func New(ctx context.Context, device Device, opts ...Option) (*Cinder, error) {
	cfg, err := config.NewConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create config: %w", err)
	}

	cache := resource.NewCache(cfg)
	provider, err := resource.NewProvider(device, cache, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize provider: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Cinder{
		cache:    cache,
		provider: provider,
		queue:    execution.NewQueue(ctx, cfg),
		purger:   resource.NewPurger(cache, cfg),
		cfg:      cfg,
		logger:   cfg.Logger,
		cancel:   cancel,
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.purger.Run(ctx)
	}()

	c.logger.Info("Cinder started",
		zap.String("device", device.Name()),
		zap.Int64("max_budget", cfg.MaxBudget),
		zap.Int("workers", cfg.QueueConfig.Workers),
	)
	return c, nil
}

// FindOrCreate 獲取或建立資源，呼叫者持有一個 usage ref
func (c *Cinder) FindOrCreate(ctx context.Context, key Key) (*Resource, error) {
	return c.provider.FindOrCreate(ctx, key)
}

// NewCommandBuffer 建立新的命令緩衝
func (c *Cinder) NewCommandBuffer() *CommandBuffer {
	return c.queue.NewCommandBuffer()
}

// Submit 提交命令緩衝以非同步執行
func (c *Cinder) Submit(ctx context.Context, cb *CommandBuffer) error {
	return c.queue.Submit(ctx, cb)
}

// PurgeResourcesNotUsedSince 清除在 t 之前歸還且未再使用的資源
func (c *Cinder) PurgeResourcesNotUsedSince(ctx context.Context, t time.Time) int {
	return c.cache.PurgeResourcesNotUsedSince(ctx, t)
}

// PurgeAll 清除所有可清除的資源
func (c *Cinder) PurgeAll(ctx context.Context) int {
	return c.cache.PurgeAll(ctx)
}

// Stats 返回快取與佇列的統計
func (c *Cinder) Stats() Stats {
	return Stats{
		Cache:     c.cache.Stats(),
		InFlight:  c.queue.InFlight(),
		Completed: c.queue.Completed(),
		Failed:    c.queue.Failed(),
	}
}

// WriteStats 以設定的序列化方式輸出統計
func (c *Cinder) WriteStats(w io.Writer) error {
	if err := c.cfg.Serialization.Encoder(w).Encode(c.Stats()); err != nil {
		return fmt.Errorf("failed to encode stats: %w", err)
	}
	return nil
}

// Close 等待已提交的命令緩衝完成，然後關閉快取
func (c *Cinder) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.queue.Close()
		c.cancel()
		c.wg.Wait()
		c.cache.Shutdown()
		c.logger.Info("Cinder closed")
	})
	return err
}
