// Package geo implements the geofence check on a spherical-earth model.
package geo

import (
	"math"

	"geoattend/internal/model"
)

// EarthRadiusMeters is the mean earth radius used by Distance.
const EarthRadiusMeters = 6371000.0

// DefaultRadiusMeters is the geofence radius around a session anchor.
const DefaultRadiusMeters = 300.0

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b model.Location) float64 {
	phi1 := a.Lat * math.Pi / 180
	phi2 := b.Lat * math.Pi / 180
	dPhi := (b.Lat - a.Lat) * math.Pi / 180
	dLambda := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

// WithinRadius reports whether current lies within radiusMeters of anchor.
func WithinRadius(current, anchor model.Location, radiusMeters float64) bool {
	return Distance(current, anchor) <= radiusMeters
}

// Degenerate reports whether an anchor was never captured. Sessions store
// lat=0 when the instructor's location fix failed upstream.
func Degenerate(anchor model.Location) bool {
	return anchor.Lat == 0
}

// Check is the outcome of a geofence evaluation.
type Check struct {
	Distance float64 `json:"distance_m"`
	Within   bool    `json:"within"`
	Waived   bool    `json:"waived"`
}

// Verifier applies a fixed geofence radius.
type Verifier struct {
	RadiusMeters float64
}

// NewVerifier returns a verifier for radiusMeters; a non-positive radius
// uses DefaultRadiusMeters.
func NewVerifier(radiusMeters float64) *Verifier {
	if radiusMeters <= 0 {
		radiusMeters = DefaultRadiusMeters
	}
	return &Verifier{RadiusMeters: radiusMeters}
}

// Waive returns the result used when the anchor is degenerate: the check
// passes without a distance.
func (v *Verifier) Waive() Check {
	return Check{Within: true, Waived: true}
}

// Evaluate checks current against anchor. A degenerate anchor waives the check.
func (v *Verifier) Evaluate(current, anchor model.Location) Check {
	if Degenerate(anchor) {
		return v.Waive()
	}
	d := Distance(current, anchor)
	return Check{Distance: d, Within: d <= v.RadiusMeters}
}
