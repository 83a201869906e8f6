package gps

import (
	"context"
	"errors"
	"math"
	"time"
)

// Provider is the interface for GPS data sources.
type Provider interface {
	Name() string
	Connect() error
	Close() error
	// Read returns the next GPS fix. It returns ErrNoFix when the device
	// produced nothing new since the previous call, and any other error when
	// the device or stream has failed. May block briefly.
	Read() (*Data, error)
}

// Data holds a single GPS fix.
type Data struct {
	Valid      bool      `json:"valid"`      // Fix is valid
	Latitude   float64   `json:"latitude"`   // Decimal degrees
	Longitude  float64   `json:"longitude"`  // Decimal degrees
	Speed      float64   `json:"speed"`      // km/h
	Heading    float64   `json:"heading"`    // Degrees true
	Altitude   float64   `json:"altitude"`   // Meters
	Satellites int       `json:"satellites"` // Sats in use
	FixQuality int       `json:"fixQuality"` // 0=none, 1=GPS, 2=DGPS
	HDOP       float64   `json:"hdop"`       // Horizontal dilution
	Time       time.Time `json:"time"`       // UTC instant of the fix
}

// Sample projects a fix onto the timestamped coordinate the session records.
// A fix without a time is stamped with the current instant.
func (d *Data) Sample() Sample {
	ts := d.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return Sample{Time: ts.UTC(), Latitude: d.Latitude, Longitude: d.Longitude}
}

// Sample is one timestamped coordinate reading. It is a value type and is
// never mutated after a source produces it.
type Sample struct {
	Time      time.Time `json:"time"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
}

// Handle identifies an active subscription on a Source.
type Handle uint64

// Source delivers samples to a callback at roughly the requested interval
// until the subscription is cancelled. The context passed to Subscribe bounds
// the subscribe call only, not the lifetime of the subscription.
//
// onErr, when non-nil, receives failures the source hit after Subscribe
// returned. The subscription stays active; the source keeps trying to
// recover on its own.
type Source interface {
	Subscribe(ctx context.Context, interval time.Duration, fn func(Sample), onErr func(error)) (Handle, error)
	Unsubscribe(h Handle) error
}

var (
	// ErrUnauthorized is returned by Subscribe when the environment refuses
	// access to the positioning device.
	ErrUnauthorized = errors.New("gps: not authorized")
	// ErrUnknownHandle is returned by Unsubscribe for a handle that is not active.
	ErrUnknownHandle = errors.New("gps: unknown subscription handle")
	// ErrNoFix is returned by Provider.Read when no new fix arrived.
	ErrNoFix = errors.New("gps: no new fix")
)

// DistanceKm calculates the great-circle distance between two lat/lon points.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371.0 // Earth radius km
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
