package resource

import "errors"

// Contract violations. These are reported through invariants.Violation and
// are never returned to callers.
var (
	ErrNoUsageRef        = errors.New("resource: usage ref required")
	ErrNoExecutorRef     = errors.New("resource: executor ref required")
	ErrAlreadyDisposed   = errors.New("resource: already disposed")
	ErrRemovedTwice      = errors.New("resource: removed from cache twice")
	ErrKeyAlreadySet     = errors.New("resource: key already set")
	ErrAlreadyRegistered = errors.New("resource: already registered with a cache")
)

// Runtime errors returned by the cache and provider.
var (
	ErrCacheShutdown     = errors.New("resource cache is shut down")
	ErrCreateFailed      = errors.New("failed to create resource payload")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrInvalidKey        = errors.New("invalid resource key")
)
