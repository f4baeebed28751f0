package resource

import "context"

// Payload is the native backend object a Resource owns.
type Payload interface {
	// Free releases the native object. It is called exactly once, from
	// whichever goroutine ends up performing teardown.
	Free()
	// Size is the backend memory held by the payload, in bytes.
	Size() int64
}

// Device is the backend context that creates payloads.
type Device interface {
	Name() string
	CreatePayload(ctx context.Context, key Key) (Payload, error)
}
