package session

import (
	"errors"
	"fmt"
)

// Kind classifies session failures.
type Kind int

const (
	// AuthorizationDenied: the source refused the subscription. Start fails.
	AuthorizationDenied Kind = iota + 1
	// GuardUnavailable: the execution guard could not be acquired. Start fails.
	GuardUnavailable
	// SubscribeFailed: the source failed to subscribe for another reason. Start fails.
	SubscribeFailed
	// LogWriteFailed: a sample could not be appended. Sampling continues.
	LogWriteFailed
	// UnsubscribeFailed: the source failed to cancel. The session still stops.
	UnsubscribeFailed
	// GuardReleaseFailed: the guard could not be released. The session still stops.
	GuardReleaseFailed
	// SourceFailed: the source lost the device after Start. Sampling
	// continues once the source recovers.
	SourceFailed
)

func (k Kind) String() string {
	switch k {
	case AuthorizationDenied:
		return "authorization denied"
	case GuardUnavailable:
		return "guard unavailable"
	case SubscribeFailed:
		return "subscribe failed"
	case LogWriteFailed:
		return "log write failed"
	case UnsubscribeFailed:
		return "unsubscribe failed"
	case GuardReleaseFailed:
		return "guard release failed"
	case SourceFailed:
		return "source failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is returned from Start and sent on the Errors channel.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("session: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrStopped is returned by Start when Stop was called before the session
// became active.
var ErrStopped = errors.New("session: stopped while starting")

// IsKind reports whether err is a session error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}
