// Package geofence decides whether a reported position lies inside the school's permitted
// radius with acceptable accuracy.
package geofence

import (
	"context"
	"fmt"
	"math"

	"classroll/internal/apperr"
)

// EarthRadiusMeters is the mean earth radius used for distance calculations.
const EarthRadiusMeters = 6371008.8

const (
	MinRadiusMeters      = 50
	MaxRadiusMeters      = 1000
	MinAccuracyThreshold = 10
)

var (
	ErrOutsideGeofence = apperr.Forbidden("outside_geofence", "location is outside the school premises")
	ErrLowAccuracy     = apperr.Forbidden("low_accuracy", "location accuracy is too low")
)

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"latitude"`
	Lng float64 `json:"longitude"`
}

// Reading is a position reported by a client. Accuracy is in meters when known.
type Reading struct {
	Point
	Accuracy *float64 `json:"accuracy,omitempty"`
}

// IsValidCoordinate reports whether lat/lng are finite and within range.
func IsValidCoordinate(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// Valid reports whether p is a usable coordinate.
func (p Point) Valid() bool { return IsValidCoordinate(p.Lat, p.Lng) }

// DistanceMeters is the great-circle distance between a and b.
func DistanceMeters(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

// IsWithinRadius is false whenever either coordinate is invalid.
func IsWithinRadius(p, center Point, radius float64) bool {
	if !p.Valid() || !center.Valid() {
		return false
	}
	return DistanceMeters(p, center) <= radius
}

// IsAccuracyAcceptable reports 0 <= accuracy <= max.
func IsAccuracyAcceptable(accuracy, max float64) bool {
	return accuracy >= 0 && accuracy <= max
}

// Config is the school's geo-fence.
type Config struct {
	Enabled           bool    `json:"enabled"`
	Center            Point   `json:"center"`
	RadiusMeters      float64 `json:"radius_meters"`
	RequireAccuracy   bool    `json:"require_accuracy"`
	MaxAccuracyMeters float64 `json:"max_accuracy_meters"`
}

// DefaultConfig is centred on Johannesburg with a 200m radius.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		Center:            Point{Lat: -26.2041, Lng: 28.0473},
		RadiusMeters:      200,
		RequireAccuracy:   true,
		MaxAccuracyMeters: 100,
	}
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	var fields []apperr.FieldError
	if !c.Center.Valid() {
		fields = append(fields, apperr.FieldError{Field: "center", Message: "must be a valid coordinate"})
	}
	if c.RadiusMeters < MinRadiusMeters || c.RadiusMeters > MaxRadiusMeters {
		fields = append(fields, apperr.FieldError{
			Field:   "radius_meters",
			Message: fmt.Sprintf("must be between %d and %d", MinRadiusMeters, MaxRadiusMeters),
		})
	}
	if c.MaxAccuracyMeters < MinAccuracyThreshold {
		fields = append(fields, apperr.FieldError{
			Field:   "max_accuracy_meters",
			Message: fmt.Sprintf("must be at least %d", MinAccuracyThreshold),
		})
	}
	if len(fields) > 0 {
		return apperr.Validation("invalid_geofence", apperr.JoinFields(fields), fields...)
	}
	return nil
}

// Check validates a reading against the fence.
func (c Config) Check(r Reading) error {
	if !r.Valid() {
		return apperr.Validation("invalid_location", "invalid location coordinates",
			apperr.FieldError{Field: "location", Message: "must be a valid coordinate"})
	}
	if !c.Enabled {
		return nil
	}
	if !IsWithinRadius(r.Point, c.Center, c.RadiusMeters) {
		return ErrOutsideGeofence
	}
	if c.RequireAccuracy && r.Accuracy != nil && !IsAccuracyAcceptable(*r.Accuracy, c.MaxAccuracyMeters) {
		return ErrLowAccuracy
	}
	return nil
}

// Provider loads and stores the school's geo-fence.
type Provider interface {
	GeoFence(ctx context.Context) (Config, error)
	SaveGeoFence(ctx context.Context, cfg Config) error
}
