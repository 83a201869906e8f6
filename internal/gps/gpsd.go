package gps

import (
	"fmt"
	"log"
	"sync"
	"time"

	gpsd "github.com/stratoberry/go-gpsd"
)

// DefaultGPSDAddress of gpsd (localhost:2947)
const DefaultGPSDAddress = "localhost:2947"

// GPSDProvider reads TPV reports from a gpsd daemon. The go-gpsd session
// pushes reports from its own goroutine; Read picks up the newest one.
type GPSDProvider struct {
	address string
	timeout time.Duration

	mu      sync.Mutex
	session *gpsd.Session
	last    Data
	fresh   bool      // last has not been returned by Read yet
	failure error     // ERROR report not yet returned by Read
	seen    time.Time // arrival of the most recent report of any class
	updates chan struct{}
}

// GPSDConfig holds configuration for the gpsd provider.
type GPSDConfig struct {
	Address string `yaml:"address" json:"address"`
	// Timeout bounds the WATCH handshake and each Read. A stream silent for
	// three timeouts counts as lost.
	Timeout time.Duration `yaml:"-" json:"-"`
}

// NewGPSD creates a new gpsd provider.
func NewGPSD(cfg GPSDConfig) *GPSDProvider {
	if cfg.Address == "" {
		cfg.Address = DefaultGPSDAddress
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &GPSDProvider{address: cfg.Address, timeout: cfg.Timeout}
}

func (g *GPSDProvider) Name() string { return "gpsd" }

// Connect dials gpsd, enables JSON watch mode and waits for gpsd to
// acknowledge it.
func (g *GPSDProvider) Connect() error {
	s, err := gpsd.Dial(g.address)
	if err != nil {
		return fmt.Errorf("gpsd: dial %s: %w", g.address, err)
	}

	ready := make(chan struct{})
	var once sync.Once
	s.AddFilter("WATCH", func(interface{}) {
		once.Do(func() { close(ready) })
		g.touch(s)
	})
	s.AddFilter("TPV", func(r interface{}) {
		if tpv, ok := r.(*gpsd.TPVReport); ok && tpv != nil {
			g.applyTPV(s, tpv)
		}
	})
	s.AddFilter("ERROR", func(r interface{}) {
		if e, ok := r.(*gpsd.ERRORReport); ok && e != nil {
			g.fail(s, fmt.Errorf("gpsd: %s", e.Message))
		}
	})
	for _, class := range []string{"DEVICES", "SKY"} {
		s.AddFilter(class, func(interface{}) { g.touch(s) })
	}

	g.mu.Lock()
	g.session = s
	g.last = Data{}
	g.fresh = false
	g.failure = nil
	g.seen = time.Now()
	g.updates = make(chan struct{}, 1)
	g.mu.Unlock()

	done := s.Watch()
	go func() { <-done }()

	select {
	case <-ready:
	case <-time.After(g.timeout):
		g.Close()
		return fmt.Errorf("gpsd: %s did not acknowledge WATCH within %v", g.address, g.timeout)
	}

	log.Printf("[gps] connected to gpsd at %s", g.address)
	return nil
}

func (g *GPSDProvider) Close() error {
	g.mu.Lock()
	s := g.session
	g.session = nil
	g.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.Close()
}

// Read returns the first TPV report that arrived since the previous call,
// waiting up to the timeout for one. It returns ErrNoFix when none arrives
// and an error once the stream has been silent for three timeouts.
func (g *GPSDProvider) Read() (*Data, error) {
	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	for {
		g.mu.Lock()
		if g.session == nil {
			g.mu.Unlock()
			return nil, fmt.Errorf("gpsd: not connected")
		}
		if err := g.failure; err != nil {
			g.failure = nil
			g.mu.Unlock()
			return nil, err
		}
		if g.fresh {
			g.fresh = false
			out := g.last
			g.mu.Unlock()
			return &out, nil
		}
		if quiet := time.Since(g.seen); quiet > 3*g.timeout {
			g.mu.Unlock()
			return nil, fmt.Errorf("gpsd: no reports from %s for %v", g.address, quiet.Round(time.Millisecond))
		}
		updates := g.updates
		g.mu.Unlock()

		select {
		case <-updates:
		case <-timer.C:
			return nil, ErrNoFix
		}
	}
}

// touch records that s is still talking. Reports from a replaced session
// are ignored.
func (g *GPSDProvider) touch(s *gpsd.Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session == s {
		g.seen = time.Now()
	}
}

func (g *GPSDProvider) fail(s *gpsd.Session, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session != s {
		return
	}
	g.seen = time.Now()
	g.failure = err
	g.signal()
}

func (g *GPSDProvider) applyTPV(s *gpsd.Session, tpv *gpsd.TPVReport) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session != s {
		return
	}
	g.seen = time.Now()
	g.fresh = true
	defer g.signal()

	g.last.Valid = tpv.Mode >= gpsd.Mode2D
	if !g.last.Valid {
		return
	}
	g.last.Latitude = tpv.Lat
	g.last.Longitude = tpv.Lon
	g.last.Altitude = tpv.Alt
	g.last.Heading = tpv.Track
	g.last.Speed = tpv.Speed * 3.6 // m/s to km/h
	g.last.FixQuality = 1
	g.last.Time = tpv.Time.UTC()
}

// signal must be called with mu held.
func (g *GPSDProvider) signal() {
	select {
	case g.updates <- struct{}{}:
	default:
	}
}
