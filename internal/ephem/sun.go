// Package ephem computes where the sun is in the station's sky.
package ephem

import (
	"math"
	"time"

	"github.com/jkaberg/dock-station/internal/hw"
)

// Position is the sun in horizontal coordinates.
// Azimuth: 0° = North, 90° = East. Elevation: 0° = horizon.
type Position struct {
	Azimuth   float64
	Elevation float64
}

// Sun implements hw.SunEphemeris. While the sun is below MinElevation the
// panels are sent to ParkAngle.
type Sun struct {
	ParkAngle    float64
	MinElevation float64
}

func NewSun(parkAngle float64) *Sun {
	return &Sun{ParkAngle: parkAngle}
}

// Angle returns the panel target azimuth for the site at t.
func (s *Sun) Angle(t time.Time, site hw.Site) float64 {
	p := SunPosition(t, site)
	if p.Elevation <= s.MinElevation {
		return s.ParkAngle
	}
	return p.Azimuth
}

// SunPosition returns the sun's azimuth and elevation for the site.
// Accuracy is around 0.01°, far below any panel deadband.
func SunPosition(t time.Time, site hw.Site) Position {
	ra, dec := sunEquatorial(t)

	lat := degToRad(site.Latitude)
	decRad := degToRad(dec)
	ha := degToRad(localSiderealTime(t, site.Longitude) - ra)

	sinAlt := math.Sin(decRad)*math.Sin(lat) + math.Cos(decRad)*math.Cos(lat)*math.Cos(ha)
	alt := math.Asin(sinAlt)

	cosAz := (math.Sin(decRad) - math.Sin(alt)*math.Sin(lat)) / (math.Cos(alt) * math.Cos(lat))
	cosAz = math.Max(-1, math.Min(1, cosAz))
	az := math.Acos(cosAz)
	// positive hour angle: sun is west of the meridian
	if math.Sin(ha) > 0 {
		az = 2*math.Pi - az
	}

	return Position{Azimuth: radToDeg(az), Elevation: radToDeg(alt)}
}

// sunEquatorial returns the apparent right ascension and declination of
// the sun in degrees.
func sunEquatorial(t time.Time) (raDeg, decDeg float64) {
	T := (julianDate(t) - 2451545.0) / 36525.0

	L0 := normalize360(280.46646 + 36000.76983*T + 0.0003032*T*T)
	M := degToRad(normalize360(357.52911 + 35999.05029*T - 0.0001537*T*T))

	// equation of center
	C := (1.914602-0.004817*T-0.000014*T*T)*math.Sin(M) +
		(0.019993-0.000101*T)*math.Sin(2*M) +
		0.000289*math.Sin(3*M)

	omega := degToRad(125.04 - 1934.136*T)
	lon := degToRad(L0 + C - 0.00569 - 0.00478*math.Sin(omega))

	eps0 := 23.439291 - 0.0130042*T - 0.00000016*T*T + 0.000000504*T*T*T
	eps := degToRad(eps0 + 0.00256*math.Cos(omega))

	raDeg = normalize360(radToDeg(math.Atan2(math.Cos(eps)*math.Sin(lon), math.Cos(lon))))
	decDeg = radToDeg(math.Asin(math.Sin(eps) * math.Sin(lon)))
	return raDeg, decDeg
}

// localSiderealTime returns LST in degrees (IAU 1982 GMST plus longitude).
func localSiderealTime(t time.Time, lonDeg float64) float64 {
	jd := julianDate(t)
	T := (jd - 2451545.0) / 36525.0
	gmst := 280.46061837 +
		360.98564736629*(jd-2451545.0) +
		0.000387933*T*T -
		T*T*T/38710000.0
	return normalize360(gmst + lonDeg)
}

func julianDate(t time.Time) float64 {
	t = t.UTC()
	y := float64(t.Year())
	m := float64(t.Month())
	d := float64(t.Day())
	dayFrac := (float64(t.Hour()) +
		float64(t.Minute())/60 +
		float64(t.Second())/3600 +
		float64(t.Nanosecond())/3600e9) / 24.0

	if m <= 2 {
		y--
		m += 12
	}
	A := math.Floor(y / 100)
	B := 2 - A + math.Floor(A/4)

	return math.Floor(365.25*(y+4716)) + math.Floor(30.6001*(m+1)) + d + dayFrac + B - 1524.5
}

func normalize360(a float64) float64 {
	a = math.Mod(a, 360)
	if a < 0 {
		a += 360
	}
	return a
}

func degToRad(deg float64) float64 { return deg * math.Pi / 180 }
func radToDeg(rad float64) float64 { return rad * 180 / math.Pi }
