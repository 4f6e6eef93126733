package geofence

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classroll/internal/apperr"
)

var johannesburg = Point{Lat: -26.2041, Lng: 28.0473}

func ptr(f float64) *float64 { return &f }

func TestDistanceSymmetric(t *testing.T) {
	pairs := [][2]Point{
		{johannesburg, {Lat: -33.9249, Lng: 18.4241}},
		{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 1}},
		{{Lat: 51.5074, Lng: -0.1278}, {Lat: 40.7128, Lng: -74.0060}},
		{johannesburg, johannesburg},
	}
	for _, p := range pairs {
		assert.InDelta(t, DistanceMeters(p[0], p[1]), DistanceMeters(p[1], p[0]), 1e-6)
	}
	assert.Zero(t, DistanceMeters(johannesburg, johannesburg))
}

func TestDistanceKnownValues(t *testing.T) {
	// One degree of longitude on the equator.
	d := DistanceMeters(Point{0, 0}, Point{0, 1})
	assert.InDelta(t, 2*math.Pi*EarthRadiusMeters/360, d, 0.01)

	// Johannesburg to Cape Town is roughly 1 260 km.
	d = DistanceMeters(johannesburg, Point{Lat: -33.9249, Lng: 18.4241})
	assert.InDelta(t, 1_262_000, d, 10_000)
}

func TestWithinRadiusMonotonic(t *testing.T) {
	p := Point{Lat: -26.2050, Lng: 28.0480}
	d := DistanceMeters(p, johannesburg)

	radii := []float64{10, 50, d - 1, d, d + 1, 200, 1000}
	seenInside := false
	for _, r := range radii {
		in := IsWithinRadius(p, johannesburg, r)
		if seenInside {
			assert.True(t, in, "radius %.2f must stay inside once a smaller radius was", r)
		}
		seenInside = seenInside || in
	}
	assert.True(t, IsWithinRadius(p, johannesburg, d))
	assert.False(t, IsWithinRadius(p, johannesburg, d-1))
}

func TestWithinRadiusInvalidCoordinates(t *testing.T) {
	assert.False(t, IsWithinRadius(Point{Lat: 91, Lng: 0}, johannesburg, 1e9))
	assert.False(t, IsWithinRadius(johannesburg, Point{Lat: 0, Lng: 181}, 1e9))
	assert.False(t, IsWithinRadius(Point{Lat: math.NaN(), Lng: 0}, johannesburg, 1e9))
}

func TestAccuracy(t *testing.T) {
	assert.True(t, IsAccuracyAcceptable(0, 100))
	assert.True(t, IsAccuracyAcceptable(100, 100))
	assert.False(t, IsAccuracyAcceptable(100.5, 100))
	assert.False(t, IsAccuracyAcceptable(-1, 100))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.RadiusMeters = 20
	cfg.MaxAccuracyMeters = 5
	cfg.Center = Point{Lat: 100}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Len(t, apperr.FieldsOf(err), 3)
}

func TestCheck(t *testing.T) {
	cfg := DefaultConfig()
	near := Point{Lat: -26.2045, Lng: 28.0475}
	far := Point{Lat: -26.2200, Lng: 28.0473}

	tests := []struct {
		name    string
		cfg     func(Config) Config
		reading Reading
		want    error
		kind    apperr.Kind
	}{
		{name: "inside", reading: Reading{Point: near, Accuracy: ptr(15)}},
		{name: "inside without accuracy", reading: Reading{Point: near}},
		{name: "outside", reading: Reading{Point: far, Accuracy: ptr(15)}, want: ErrOutsideGeofence},
		{name: "low accuracy", reading: Reading{Point: near, Accuracy: ptr(150)}, want: ErrLowAccuracy},
		{
			name:    "accuracy not required",
			cfg:     func(c Config) Config { c.RequireAccuracy = false; return c },
			reading: Reading{Point: near, Accuracy: ptr(150)},
		},
		{
			name:    "disabled ignores distance",
			cfg:     func(c Config) Config { c.Enabled = false; return c },
			reading: Reading{Point: far},
		},
		{name: "invalid coordinate", reading: Reading{Point: Point{Lat: -95, Lng: 0}}, kind: apperr.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := cfg
			if tt.cfg != nil {
				c = tt.cfg(c)
			}
			err := c.Check(tt.reading)
			switch {
			case tt.want != nil:
				assert.ErrorIs(t, err, tt.want)
			case tt.kind != apperr.KindUnknown:
				assert.Equal(t, tt.kind, apperr.KindOf(err))
			default:
				assert.NoError(t, err)
			}
		})
	}
}
