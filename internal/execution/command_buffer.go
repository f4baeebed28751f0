// Package execution runs recorded work asynchronously and keeps the
// resources it touches alive until that work has finished.
package execution

import (
	"context"
	"sync"

	"goflare.io/cinder/internal/resource"
)

// Command is one unit of recorded work.
type Command func(ctx context.Context) error

// CommandBuffer records commands and the resources they use. Tracking a
// resource takes an executor ref on it; the queue drops those refs from its
// completion goroutine once the buffer has run.
//
// A CommandBuffer is not safe for concurrent recording.
type CommandBuffer struct {
	id        uint64
	commands  []Command
	tracked   []*resource.Resource
	finished  []func(error)
	submitted bool
	release   sync.Once
}

// Track keeps r alive until the buffer finishes. The caller must hold a
// usage ref on r while tracking it.
func (cb *CommandBuffer) Track(r *resource.Resource) {
	r.AcquireExecutor()
	cb.tracked = append(cb.tracked, r)
}

// Record appends a command.
func (cb *CommandBuffer) Record(cmd Command) {
	cb.commands = append(cb.commands, cmd)
}

// OnFinished registers a callback run after the buffer's refs are dropped,
// with the first command error, if any.
func (cb *CommandBuffer) OnFinished(fn func(error)) {
	cb.finished = append(cb.finished, fn)
}

// ID is assigned by the queue on creation.
func (cb *CommandBuffer) ID() uint64 { return cb.id }

// Tracked reports how many resources the buffer holds.
func (cb *CommandBuffer) Tracked() int { return len(cb.tracked) }

func (cb *CommandBuffer) execute(ctx context.Context) error {
	for _, cmd := range cb.commands {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := cmd(ctx); err != nil {
			return err
		}
	}
	return nil
}

// retire drops every executor ref and runs the finished callbacks. It runs
// once, however the buffer ends.
func (cb *CommandBuffer) retire(err error) (disposed int) {
	cb.release.Do(func() {
		for _, r := range cb.tracked {
			if r.ReleaseExecutor() {
				disposed++
			}
		}
		cb.tracked = nil
		for _, fn := range cb.finished {
			fn(err)
		}
	})
	return disposed
}
