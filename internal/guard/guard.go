// Package guard keeps a tracking session alive independent of whatever
// front end started it.
package guard

import (
	"context"
	"errors"
)

// Guard is held for the whole life of a tracking session.
type Guard interface {
	// Acquire establishes the guarantee. It fails if the guarantee cannot be
	// given, in which case nothing is held.
	Acquire(ctx context.Context) error
	// Release drops the guarantee. Releasing a guard that is not held is a no-op.
	Release() error
}

// ErrHeld is returned when the guarantee is already held, by this or another
// process.
var ErrHeld = errors.New("guard: already held")

// Noop is a Guard that always succeeds. Use it when the process is already
// supervised (systemd, a container runtime) and needs no extra protection.
type Noop struct{}

func (Noop) Acquire(ctx context.Context) error { return ctx.Err() }
func (Noop) Release() error                    { return nil }
