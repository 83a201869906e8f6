// Package hub fans out tracking state to any number of observers.
//
// Each value is held in a Topic: a single overwrite-on-write slot plus a set
// of subscribers. Subscribers get a one-slot mailbox that is primed with the
// current value and then replaced on every publish, so a slow reader skips
// stale values instead of holding up the publisher.
package hub

import (
	"sync"
	"time"

	"github.com/shaunagostinho/trackd/internal/gps"
)

// Topic holds the latest value of T and fans it out to subscribers.
type Topic[T any] struct {
	mu   sync.Mutex
	val  T
	set  bool
	subs map[*Subscription[T]]struct{}
}

// Subscription receives values from a Topic on C until Close is called.
type Subscription[T any] struct {
	C     <-chan T
	ch    chan T
	topic *Topic[T]
}

// NewTopic returns an empty topic.
func NewTopic[T any]() *Topic[T] {
	return &Topic[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Publish stores v and offers it to every subscriber without blocking.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.val = v
	t.set = true
	for sub := range t.subs {
		offer(sub.ch, v)
	}
}

// Get returns the current value and whether one was ever published.
func (t *Topic[T]) Get() (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.val, t.set
}

// Subscribe registers a new observer. If the topic holds a value it is
// already waiting on the returned subscription's channel.
func (t *Topic[T]) Subscribe() *Subscription[T] {
	ch := make(chan T, 1)
	sub := &Subscription[T]{C: ch, ch: ch, topic: t}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.set {
		ch <- t.val
	}
	t.subs[sub] = struct{}{}
	return sub
}

// Len returns the number of active subscriptions.
func (t *Topic[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close unregisters the subscription and closes its channel. It is safe to
// call more than once.
func (s *Subscription[T]) Close() {
	t := s.topic
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[s]; !ok {
		return
	}
	delete(t.subs, s)
	close(s.ch)
}

// offer replaces any pending value in ch with v. Only the publisher sends, and
// always under the topic lock, so after the drain there is room for v.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// Fix is the latest sample together with the fields observers display.
type Fix struct {
	gps.Sample
	Local  string  `json:"local"`  // Time rendered in the session's zone
	TripKm float64 `json:"tripKm"` // Distance covered since the session started
}

// LocalLayout is the wall-clock layout used for Fix.Local.
const LocalLayout = "2006-01-02 15:04:05"

// NewFix derives the display fields for s.
func NewFix(s gps.Sample, loc *time.Location, tripKm float64) Fix {
	if loc == nil {
		loc = time.Local
	}
	return Fix{Sample: s, Local: s.Time.In(loc).Format(LocalLayout), TripKm: tripKm}
}

// Hub publishes whether a session is tracking and the latest fix.
type Hub struct {
	Tracking *Topic[bool]
	Latest   *Topic[Fix]
}

// New returns a hub that reports "not tracking" and no fix.
func New() *Hub {
	h := &Hub{
		Tracking: NewTopic[bool](),
		Latest:   NewTopic[Fix](),
	}
	h.Tracking.Publish(false)
	return h
}

// IsTracking is a convenience read of the Tracking topic.
func (h *Hub) IsTracking() bool {
	v, _ := h.Tracking.Get()
	return v
}
