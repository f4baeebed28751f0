package cinder

import (
	"goflare.io/cinder/internal/execution"
	"goflare.io/cinder/internal/resource"
)

var (
	ErrCacheShutdown     = resource.ErrCacheShutdown
	ErrCreateFailed      = resource.ErrCreateFailed
	ErrDeviceUnavailable = resource.ErrDeviceUnavailable
	ErrInvalidKey        = resource.ErrInvalidKey
	ErrQueueClosed       = execution.ErrQueueClosed
)
