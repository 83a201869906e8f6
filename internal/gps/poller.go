package gps

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Poller turns a Provider into a Source by reading it on a ticker.
//
// The provider is connected lazily by the first Subscribe and closed again
// when the last subscription goes away. Each subscription runs its own
// goroutine, so samples for one subscriber are delivered in the order read.
//
// MaxFailures consecutive read errors make the poller close and reconnect
// the provider, backing off from RetryMin up to RetryMax between attempts.
type Poller struct {
	prov Provider

	MaxFailures int
	RetryMin    time.Duration
	RetryMax    time.Duration

	mu        sync.Mutex
	connected bool
	next      Handle
	subs      map[Handle]context.CancelFunc
}

// NewPoller wraps prov.
func NewPoller(prov Provider) *Poller {
	return &Poller{
		prov:        prov,
		MaxFailures: 3,
		RetryMin:    1 * time.Second,
		RetryMax:    60 * time.Second,
		subs:        make(map[Handle]context.CancelFunc),
	}
}

// Name returns the wrapped provider's name.
func (p *Poller) Name() string { return p.prov.Name() }

func (p *Poller) Subscribe(ctx context.Context, interval time.Duration, fn func(Sample), onErr func(error)) (Handle, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("gps: interval must be positive, got %v", interval)
	}
	if fn == nil {
		return 0, fmt.Errorf("gps: nil callback")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		if err := p.prov.Connect(); err != nil {
			return 0, err
		}
		p.connected = true
	}
	if err := ctx.Err(); err != nil {
		p.closeIfIdle()
		return 0, err
	}

	p.next++
	h := p.next
	runCtx, cancel := context.WithCancel(context.Background())
	p.subs[h] = cancel

	go p.run(runCtx, interval, fn, onErr)
	log.Printf("[gps] %s: subscription %d every %v", p.prov.Name(), h, interval)
	return h, nil
}

func (p *Poller) Unsubscribe(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cancel, ok := p.subs[h]
	if !ok {
		return ErrUnknownHandle
	}
	delete(p.subs, h)
	cancel()
	log.Printf("[gps] %s: subscription %d cancelled", p.prov.Name(), h)
	return p.closeIfIdle()
}

// closeIfIdle must be called with mu held.
func (p *Poller) closeIfIdle() error {
	if len(p.subs) > 0 || !p.connected {
		return nil
	}
	p.connected = false
	if err := p.prov.Close(); err != nil {
		return fmt.Errorf("gps: close %s: %w", p.prov.Name(), err)
	}
	return nil
}

func (p *Poller) run(ctx context.Context, interval time.Duration, fn func(Sample), onErr func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		data, err := p.prov.Read()
		if ctx.Err() != nil {
			return
		}
		switch {
		case errors.Is(err, ErrNoFix):
			continue
		case err != nil:
			failures++
			log.Printf("[gps] %s: read failed (%d/%d): %v", p.prov.Name(), failures, p.MaxFailures, err)
			if failures < p.MaxFailures {
				continue
			}
			notify(onErr, fmt.Errorf("gps: %s: %d consecutive read failures: %w", p.prov.Name(), failures, err))
			if !p.reconnect(ctx, onErr) {
				return
			}
			failures = 0
			continue
		}
		failures = 0

		if data == nil || !data.Valid {
			continue
		}
		fn(data.Sample())
	}
}

// reconnect closes and reopens the provider with exponential backoff. It
// returns false once ctx is done.
func (p *Poller) reconnect(ctx context.Context, onErr func(error)) bool {
	delay := p.RetryMin
	for attempt := 1; ; attempt++ {
		p.mu.Lock()
		if ctx.Err() != nil {
			p.mu.Unlock()
			return false
		}
		p.prov.Close()
		err := p.prov.Connect()
		p.connected = err == nil
		p.mu.Unlock()

		if err == nil {
			log.Printf("[gps] %s: reconnected (attempt %d)", p.prov.Name(), attempt)
			return true
		}
		log.Printf("[gps] %s: reconnect attempt %d failed: %v (retry in %v)", p.prov.Name(), attempt, err, delay)
		notify(onErr, fmt.Errorf("gps: %s: reconnect attempt %d: %w", p.prov.Name(), attempt, err))

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		delay *= 2
		if delay > p.RetryMax {
			delay = p.RetryMax
		}
	}
}

func notify(onErr func(error), err error) {
	if onErr != nil {
		onErr(err)
	}
}
