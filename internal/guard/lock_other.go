//go:build !unix

package guard

import (
	"context"
	"errors"
)

// Lock is only available on unix platforms.
type Lock struct{ path string }

func NewLock(path string) *Lock { return &Lock{path: path} }

func (l *Lock) Acquire(ctx context.Context) error {
	return errors.New("guard: lock files are not supported on this platform")
}

func (l *Lock) Release() error { return nil }
