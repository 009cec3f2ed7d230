// Package geo provides spherical-Earth geodesy used by the predictors:
// haversine distance, initial bearing, the forward solution, and great-circle
// interpolation. All functions are total; callers guarantee inputs are in
// range.
package geo

import (
	"math"

	"crep/timeline/internal/timeline"
)

// EarthRadiusMeters is the mean spherical Earth radius assumed throughout.
const EarthRadiusMeters = 6371000.0

// KnotsToMps converts knots into metres per second.
const KnotsToMps = 0.514444

func radians(deg float64) float64 { return deg * math.Pi / 180.0 }

func degrees(rad float64) float64 { return rad * 180.0 / math.Pi }

// Distance returns the great-circle distance between two points in metres
// using the haversine formula.
func Distance(p1, p2 timeline.GeoPoint) float64 {
	lat1 := radians(p1.Lat)
	lat2 := radians(p2.Lat)
	dLat := radians(p2.Lat - p1.Lat)
	dLng := radians(p2.Lng - p1.Lng)

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	a := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng
	return EarthRadiusMeters * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Bearing returns the initial bearing from p1 towards p2 in degrees clockwise
// from true north, normalised into [0, 360).
func Bearing(p1, p2 timeline.GeoPoint) float64 {
	lat1 := radians(p1.Lat)
	lat2 := radians(p2.Lat)
	dLng := radians(p2.Lng - p1.Lng)

	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	bearing := math.Mod(degrees(math.Atan2(y, x))+360.0, 360.0)
	return bearing
}

// Destination computes the spherical forward solution: the point reached after
// travelling distanceMeters from start along the initial bearing. Altitude is
// passed through unchanged.
func Destination(start timeline.GeoPoint, bearingDeg, distanceMeters float64) timeline.GeoPoint {
	lat1 := radians(start.Lat)
	lng1 := radians(start.Lng)
	brng := radians(bearingDeg)
	angular := distanceMeters / EarthRadiusMeters

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(angular) + math.Cos(lat1)*math.Sin(angular)*math.Cos(brng))
	lng2 := lng1 + math.Atan2(
		math.Sin(brng)*math.Sin(angular)*math.Cos(lat1),
		math.Cos(angular)-math.Sin(lat1)*math.Sin(lat2),
	)
	//1.- Normalise longitude back into [-180, 180] after the forward step.
	lng2 = math.Mod(lng2+3*math.Pi, 2*math.Pi) - math.Pi

	return timeline.GeoPoint{Lat: degrees(lat2), Lng: degrees(lng2), Altitude: start.Altitude}
}

// Interpolate slerps along the great circle between p1 and p2 for fraction f
// in [0, 1]. Altitude interpolates linearly when both endpoints carry one;
// otherwise the available endpoint altitude is carried through.
func Interpolate(p1, p2 timeline.GeoPoint, f float64) timeline.GeoPoint {
	if f <= 0 {
		return p1
	}
	if f >= 1 {
		return p2
	}

	lat1 := radians(p1.Lat)
	lng1 := radians(p1.Lng)
	lat2 := radians(p2.Lat)
	lng2 := radians(p2.Lng)

	//1.- Angular distance between the endpoints via the haversine relation.
	delta := Distance(p1, p2) / EarthRadiusMeters
	if delta < 1e-10 {
		return p1
	}

	sinDelta := math.Sin(delta)
	a := math.Sin((1-f)*delta) / sinDelta
	b := math.Sin(f*delta) / sinDelta

	x := a*math.Cos(lat1)*math.Cos(lng1) + b*math.Cos(lat2)*math.Cos(lng2)
	y := a*math.Cos(lat1)*math.Sin(lng1) + b*math.Cos(lat2)*math.Sin(lng2)
	z := a*math.Sin(lat1) + b*math.Sin(lat2)

	point := timeline.GeoPoint{
		Lat: degrees(math.Atan2(z, math.Sqrt(x*x+y*y))),
		Lng: degrees(math.Atan2(y, x)),
	}
	//2.- Blend altitudes linearly when both ends supply one.
	switch {
	case p1.Altitude != nil && p2.Altitude != nil:
		point.Altitude = timeline.Float64(*p1.Altitude + (*p2.Altitude-*p1.Altitude)*f)
	case p1.Altitude != nil:
		point.Altitude = p1.Altitude
	case p2.Altitude != nil:
		point.Altitude = p2.Altitude
	}
	return point
}
