//go:build unix

package guard

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Lock holds an exclusive flock on a lock file while a session runs, so no
// second trackd can record into the same history, and ignores SIGHUP so the
// session outlives the terminal that started it.
type Lock struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// NewLock returns a guard backed by the lock file at path.
func NewLock(path string) *Lock {
	return &Lock{path: path}
}

func (l *Lock) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return ErrHeld
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("guard: mkdir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("guard: open %s: %w", l.path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("%w: %s is locked by another process", ErrHeld, l.path)
		}
		return fmt.Errorf("guard: flock %s: %w", l.path, err)
	}

	if err := f.Truncate(0); err == nil {
		f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	signal.Ignore(syscall.SIGHUP)
	l.file = f
	log.Printf("[guard] acquired %s", l.path)
	return nil
}

func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}

	signal.Reset(syscall.SIGHUP)
	f := l.file
	l.file = nil

	// The file stays in place. Unlinking it would let a process that already
	// opened the old inode lock it alongside a newcomer locking a fresh one.
	truncErr := f.Truncate(0)
	unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	closeErr := f.Close()
	log.Printf("[guard] released %s", l.path)

	if truncErr != nil {
		truncErr = fmt.Errorf("guard: clear %s: %w", l.path, truncErr)
	}
	return errors.Join(truncErr, unlockErr, closeErr)
}
