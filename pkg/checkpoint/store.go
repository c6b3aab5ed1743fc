// Package checkpoint persists per-thread snapshots of pipeline state so a
// run can resume from its last successful node after a crash or restart.
package checkpoint

import (
	"context"
	"errors"
)

// ErrStepNotMonotone is returned when a Save would write a step at or
// below the thread's latest committed step. Steps for one thread form a
// strictly increasing sequence.
var ErrStepNotMonotone = errors.New("checkpoint: step not greater than latest committed step")

// Store is the checkpoint capability. For a given thread id it maintains
// an append-only sequence of (step, serialized state) pairs.
type Store interface {
	// Save commits the state snapshot for step. Step numbers for one
	// thread must be strictly increasing.
	Save(ctx context.Context, threadID string, step int, state []byte) error
	// Latest returns the newest committed step and its state. ok is false
	// when the thread has no checkpoints.
	Latest(ctx context.Context, threadID string) (step int, state []byte, ok bool, err error)
	// Delete drops every checkpoint for the thread, once a run reaches a
	// terminal status and the history is no longer needed.
	Delete(ctx context.Context, threadID string) error
}

// Noop is the fallback store used when no durable backend is configured:
// nothing is written and every run is one-shot.
type Noop struct{}

// Save discards the snapshot.
func (Noop) Save(context.Context, string, int, []byte) error { return nil }

// Latest always reports no checkpoint.
func (Noop) Latest(context.Context, string) (int, []byte, bool, error) {
	return 0, nil, false, nil
}

// Delete is a no-op.
func (Noop) Delete(context.Context, string) error { return nil }
