// Package session implements the tracking session state machine: it owns the
// single subscription to a position source, writes every accepted sample to
// the history log and publishes it to the hub.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaunagostinho/trackd/internal/gps"
	"github.com/shaunagostinho/trackd/internal/guard"
	"github.com/shaunagostinho/trackd/internal/hub"
)

// State is the lifecycle position of a Session.
type State int

const (
	Idle State = iota
	Starting
	Active
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Recorder persists accepted samples. *tracklog.Log satisfies it.
type Recorder interface {
	Append(gps.Sample) error
}

// Config holds optional session settings.
type Config struct {
	// Location renders Fix.Local. Defaults to time.Local.
	Location *time.Location
	// ErrorBuffer sizes the Errors channel. Defaults to 16.
	ErrorBuffer int
}

// Status is a point-in-time view of the session.
type Status struct {
	State      State     `json:"state"`
	ID         string    `json:"id,omitempty"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	IntervalMs int64     `json:"intervalMs,omitempty"`
}

// Session coordinates one position subscription at a time.
//
// mu guards the state, the handle and the run generation; the Tracking topic
// is only published with mu held so it cannot disagree with the state. deliverMu
// serializes sample delivery so the log sees samples in arrival order; Stop
// never takes it, so a slow write cannot hold up a stop.
type Session struct {
	source  gps.Source
	history Recorder
	guard   guard.Guard
	hub     *hub.Hub
	loc     *time.Location
	errs    chan error

	mu          sync.Mutex
	state       State
	handle      gps.Handle
	gen         uint64
	id          string
	startedAt   time.Time
	interval    time.Duration
	cancelStart context.CancelFunc
	idle        chan struct{} // closed when the current run is back to Idle

	deliverMu sync.Mutex
	tripGen   uint64
	tripKm    float64
	tripLast  gps.Sample
}

// New wires a session to its collaborators. A nil guard means guard.Noop.
func New(source gps.Source, history Recorder, g guard.Guard, h *hub.Hub, cfg Config) *Session {
	if g == nil {
		g = guard.Noop{}
	}
	if h == nil {
		h = hub.New()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.ErrorBuffer <= 0 {
		cfg.ErrorBuffer = 16
	}
	idle := make(chan struct{})
	close(idle)
	return &Session{
		source:  source,
		history: history,
		guard:   g,
		hub:     h,
		loc:     cfg.Location,
		errs:    make(chan error, cfg.ErrorBuffer),
		idle:    idle,
	}
}

// Errors carries failures that happen while a session is running
// (LogWriteFailed, UnsubscribeFailed, GuardReleaseFailed). Sends never block;
// when the buffer is full the error is only logged.
func (s *Session) Errors() <-chan error { return s.errs }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the current state together with details of the active run.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state}
	if s.state == Active {
		st.ID = s.id
		st.StartedAt = s.startedAt
		st.IntervalMs = s.interval.Milliseconds()
	}
	return st
}

// Start acquires the guard and subscribes to the source at the given
// interval. It is a no-op unless the session is Idle. Failures that keep the
// session from becoming Active are returned as *Error and leave it Idle. If
// Stop is called before the subscription is established, Start returns
// ErrStopped.
func (s *Session) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("session: interval must be positive, got %v", interval)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != Idle {
		state := s.state
		s.mu.Unlock()
		log.Printf("[session] start ignored: session is %s", state)
		return nil
	}
	s.state = Starting
	s.gen++
	gen := s.gen
	s.idle = make(chan struct{})
	startCtx, cancel := context.WithCancel(ctx)
	s.cancelStart = cancel
	s.mu.Unlock()
	defer cancel()

	if err := s.guard.Acquire(startCtx); err != nil {
		if s.finish() {
			return ErrStopped
		}
		return &Error{Kind: GuardUnavailable, Err: err}
	}

	h, err := s.source.Subscribe(startCtx, interval, func(smp gps.Sample) {
		s.deliver(gen, smp)
	}, func(err error) {
		s.sourceFailed(gen, err)
	})
	if err != nil {
		s.releaseGuard()
		if s.finish() {
			return ErrStopped
		}
		kind := SubscribeFailed
		if errors.Is(err, gps.ErrUnauthorized) {
			kind = AuthorizationDenied
		}
		return &Error{Kind: kind, Err: err}
	}

	s.mu.Lock()
	s.handle = h
	s.cancelStart = nil
	if s.state == Stopping {
		s.mu.Unlock()
		log.Printf("[session] stop requested during start, cancelling subscription")
		s.teardown(h)
		return ErrStopped
	}
	s.state = Active
	s.id = uuid.NewString()
	s.startedAt = time.Now()
	s.interval = interval
	id := s.id
	s.hub.Tracking.Publish(true)
	s.mu.Unlock()

	log.Printf("[session] %s active, sampling every %v", id, interval)
	return nil
}

// Stop cancels the subscription and releases the guard. It returns once the
// session is Idle or ctx is done. Stopping an Idle session is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	switch s.state {
	case Idle:
		s.mu.Unlock()
		return nil
	case Stopping:
		s.mu.Unlock()
		return wait(ctx, idle)
	case Starting:
		s.state = Stopping
		cancel := s.cancelStart
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return wait(ctx, idle)
	}

	s.state = Stopping
	h := s.handle
	id := s.id
	s.mu.Unlock()

	log.Printf("[session] %s stopping", id)
	s.teardown(h)
	return nil
}

// teardown runs with the state already at Stopping.
func (s *Session) teardown(h gps.Handle) {
	if err := s.source.Unsubscribe(h); err != nil {
		s.report(&Error{Kind: UnsubscribeFailed, Err: err})
	}
	s.releaseGuard()
	s.finish()
}

func (s *Session) releaseGuard() {
	if err := s.guard.Release(); err != nil {
		s.report(&Error{Kind: GuardReleaseFailed, Err: err})
	}
}

// finish returns the session to Idle and reports whether a Stop had been
// requested before it got there.
func (s *Session) finish() (stopRequested bool) {
	s.mu.Lock()
	stopRequested = s.state == Stopping
	s.state = Idle
	s.handle = 0
	s.id = ""
	s.interval = 0
	s.startedAt = time.Time{}
	s.cancelStart = nil
	close(s.idle)
	s.hub.Tracking.Publish(false)
	s.mu.Unlock()

	log.Printf("[session] idle")
	return stopRequested
}

func (s *Session) deliver(gen uint64, smp gps.Sample) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	live := s.state == Active && s.gen == gen
	s.mu.Unlock()
	if !live {
		log.Printf("[session] discarding sample %.6f,%.6f: session not active", smp.Latitude, smp.Longitude)
		return
	}

	if err := s.history.Append(smp); err != nil {
		s.report(&Error{Kind: LogWriteFailed, Err: err})
	}
	fix := hub.NewFix(smp, s.loc, s.trip(gen, smp))

	// Append may have blocked across a Stop; the stopped run must not
	// publish.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active || s.gen != gen {
		log.Printf("[session] not publishing %.6f,%.6f: session stopped during append", smp.Latitude, smp.Longitude)
		return
	}
	s.hub.Latest.Publish(fix)
}

// sourceFailed forwards an asynchronous source failure for the run
// identified by gen.
func (s *Session) sourceFailed(gen uint64, err error) {
	s.mu.Lock()
	live := s.state == Active && s.gen == gen
	s.mu.Unlock()
	if !live {
		log.Printf("[session] ignoring source failure after stop: %v", err)
		return
	}
	s.report(&Error{Kind: SourceFailed, Err: err})
}

// trip accumulates distance for the run identified by gen. Must be called
// with deliverMu held.
func (s *Session) trip(gen uint64, smp gps.Sample) float64 {
	if s.tripGen != gen {
		s.tripGen = gen
		s.tripKm = 0
		s.tripLast = smp
		return 0
	}
	d := gps.DistanceKm(s.tripLast.Latitude, s.tripLast.Longitude, smp.Latitude, smp.Longitude)
	// Minimum movement threshold: ~2 meters
	if d > 0.002 {
		s.tripKm += d
		s.tripLast = smp
	}
	return s.tripKm
}

func (s *Session) report(err error) {
	log.Printf("[session] %v", err)
	select {
	case s.errs <- err:
	default:
		log.Printf("[session] error channel full, not queued: %v", err)
	}
}

func wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
