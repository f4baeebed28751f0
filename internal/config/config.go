package config

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"goflare.io/cinder/pkg/serialization"
)

// Config 用於 resource cache 的配置
type Config struct {
	MaxBudget     int64
	PurgeInterval time.Duration
	IdleTimeout   time.Duration

	QueueConfig      QueueConfig
	ResilienceConfig ResilienceConfig
	KeyFilterConfig  KeyFilterConfig
	Serialization    SerializationConfig
	Logger           *zap.Logger
}

// QueueConfig 命令緩衝執行佇列
type QueueConfig struct {
	Workers int
}

// ResilienceConfig 用於設置 payload 建立的重試和熔斷器
type ResilienceConfig struct {
	DeviceCircuitBreaker gobreaker.Settings
	MaxAttempts          int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	Factor               float64
	Jitter               float64
}

// KeyFilterConfig 用於 key 布隆過濾器的配置
type KeyFilterConfig struct {
	ExpectedItems     uint
	FalsePositiveRate float64
}

// SerializationConfig 序列化相關配置
type SerializationConfig struct {
	Type    string
	Encoder serialization.EncoderFunc
	Decoder serialization.DecoderFunc
}

// Option 函數類型
type Option func(*Config) error

var (
	ErrInvalidBudget      = errors.New("max budget must be greater than 0")
	ErrInvalidWorkers     = errors.New("queue workers must be at least 1")
	ErrInvalidInterval    = errors.New("purge interval must be positive")
	ErrInvalidSerializer  = errors.New("unsupported serialization type")
	ErrInvalidMaxAttempts = errors.New("max attempts must be at least 1")
)

// NewConfig 創建一個默認的 Config，允許覆蓋特定參數
func NewConfig(options ...Option) (*Config, error) {
	defaultLogger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		MaxBudget:     256 * 1024 * 1024, // 256MB
		PurgeInterval: 30 * time.Second,
		IdleTimeout:   5 * time.Minute,
		QueueConfig: QueueConfig{
			Workers: DefaultWorkers(),
		},
		ResilienceConfig: ResilienceConfig{
			DeviceCircuitBreaker: gobreaker.Settings{
				Name:        "DeviceCircuitBreaker",
				MaxRequests: 1,
				Interval:    60 * time.Second,
				Timeout:     10 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures > 5
				},
			},
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    20 * time.Millisecond,
			Factor:      2,
			Jitter:      0.1,
		},
		KeyFilterConfig: KeyFilterConfig{
			ExpectedItems:     4096,
			FalsePositiveRate: 0.01,
		},
		Serialization: SerializationConfig{
			Type:    serialization.JSONType,
			Encoder: serialization.JSONEncoder,
			Decoder: serialization.JSONDecoder,
		},
		Logger: defaultLogger,
	}

	// 應用所有選項
	for _, option := range options {
		if err := option(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// WithLogger 設置自定義 Logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) error {
		if logger != nil {
			c.Logger = logger
		}
		return nil
	}
}

// WithMaxBudget 設置快取可保留的 payload 總字節數
func WithMaxBudget(bytes int64) Option {
	return func(c *Config) error {
		if bytes <= 0 {
			return ErrInvalidBudget
		}
		c.MaxBudget = bytes
		return nil
	}
}

// WithPurge 設置定期清理間隔與閒置時間
func WithPurge(interval, idle time.Duration) Option {
	return func(c *Config) error {
		if interval <= 0 || idle <= 0 {
			return ErrInvalidInterval
		}
		c.PurgeInterval = interval
		c.IdleTimeout = idle
		return nil
	}
}

// WithWorkers 設置執行佇列的並發數
func WithWorkers(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return ErrInvalidWorkers
		}
		c.QueueConfig.Workers = n
		return nil
	}
}

// WithRetry 設置 payload 建立的重試參數
func WithRetry(maxAttempts int, baseDelay, maxDelay time.Duration) Option {
	return func(c *Config) error {
		if maxAttempts < 1 {
			return ErrInvalidMaxAttempts
		}
		c.ResilienceConfig.MaxAttempts = maxAttempts
		c.ResilienceConfig.BaseDelay = baseDelay
		c.ResilienceConfig.MaxDelay = maxDelay
		return nil
	}
}

// WithCircuitBreaker 設置 device 熔斷器
func WithCircuitBreaker(settings gobreaker.Settings) Option {
	return func(c *Config) error {
		c.ResilienceConfig.DeviceCircuitBreaker = settings
		return nil
	}
}

// WithSerialization 設置統計輸出的序列化方式
func WithSerialization(serializer string) Option {
	return func(c *Config) error {
		enc, dec, err := serialization.Lookup(serializer)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSerializer, err)
		}
		c.Serialization.Encoder = enc
		c.Serialization.Decoder = dec
		c.Serialization.Type = serializer
		return nil
	}
}

// DefaultWorkers 計算執行佇列的默認並發數
func DefaultWorkers() int {
	// 每個核心一個 worker，上限 16
	workers := runtime.NumCPU()
	if workers > 16 {
		workers = 16
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}
