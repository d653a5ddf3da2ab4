package geo

import "strings"

// LabelPrecision is the geohash length stored alongside abuse signals.
// Four characters is roughly a 20 km cell: enough to explain a geo jump
// without recording where the principal actually was.
const LabelPrecision = 4

// base32 is the geohash base32 alphabet.
const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// Geohash encodes p with the given precision. A precision below 1 uses
// LabelPrecision.
func (p Point) Geohash(precision int) string {
	if precision < 1 {
		precision = LabelPrecision
	}

	latRange := [2]float64{-90.0, 90.0}
	lonRange := [2]float64{-180.0, 180.0}

	var hash strings.Builder
	hash.Grow(precision)

	bits := 0
	var ch uint

	even := true
	for hash.Len() < precision {
		if even {
			mid := (lonRange[0] + lonRange[1]) / 2
			if p.Lon > mid {
				ch |= 1 << (4 - bits)
				lonRange[0] = mid
			} else {
				lonRange[1] = mid
			}
		} else {
			mid := (latRange[0] + latRange[1]) / 2
			if p.Lat > mid {
				ch |= 1 << (4 - bits)
				latRange[0] = mid
			} else {
				latRange[1] = mid
			}
		}

		even = !even
		bits++

		if bits == 5 {
			hash.WriteByte(base32[ch])
			bits = 0
			ch = 0
		}
	}

	return hash.String()
}

// Label returns the coarse geohash label for p.
func (p Point) Label() string {
	return p.Geohash(LabelPrecision)
}
