package gps

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// DemoGPS generates simulated GPS data for testing.
type DemoGPS struct {
	mu sync.Mutex
	t  float64
}

func NewDemoGPS() *DemoGPS { return &DemoGPS{} }

func (d *DemoGPS) Name() string   { return "Demo GPS (Simulated)" }
func (d *DemoGPS) Connect() error { return nil }
func (d *DemoGPS) Close() error   { return nil }

func (d *DemoGPS) Read() (*Data, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.t += 0.1

	// Simulate driving in a circle around a point
	centerLat := 43.6532 // Toronto
	centerLon := -79.3832
	radius := 0.005 // ~500m

	return &Data{
		Valid:      true,
		Latitude:   centerLat + radius*math.Sin(d.t*0.1),
		Longitude:  centerLon + radius*math.Cos(d.t*0.1),
		Speed:      50 + 30*math.Sin(d.t*0.3) + rand.Float64()*5,
		Heading:    math.Mod(d.t*10, 360),
		Altitude:   76,
		Satellites: 12,
		FixQuality: 1,
		HDOP:       0.8,
		Time:       time.Now().UTC(),
	}, nil
}
