// Package isochrone relabels travel-time polygons for a different walking
// speed. Polygon shapes are never touched: the distance a ring covers does not
// depend on the walker, only the time it takes to cover it.
package isochrone

import (
	"errors"
	"fmt"
	"math"

	"proximity/internal/models"
)

// SpeedTolerance is the speed difference, in km/h, below which a rescale is a no-op.
const SpeedTolerance = 0.1

var ErrInvalidSpeed = errors.New("isochrone: speed must be positive")

// Rescale returns iso relabelled for targetKmh. Each label becomes
// round(reference label × reference speed / target speed); the reference
// labels are kept next to the scaled ones. Labels are always derived from the
// reference values, so rescaling a rescaled set does not accumulate rounding.
//
// When targetKmh is within SpeedTolerance of the reference speed and iso still
// carries its reference labels, the input is returned as is.
func Rescale(iso *models.Isochrone, targetKmh float64) (*models.Isochrone, error) {
	if iso == nil {
		return nil, nil
	}
	if !(targetKmh > 0) || math.IsInf(targetKmh, 0) {
		return nil, fmt.Errorf("%w: target %v", ErrInvalidSpeed, targetKmh)
	}
	if !(iso.ReferenceSpeedKmh > 0) {
		return nil, fmt.Errorf("%w: reference %v", ErrInvalidSpeed, iso.ReferenceSpeedKmh)
	}
	if near(targetKmh, iso.ReferenceSpeedKmh) && (iso.SpeedKmh == 0 || near(iso.SpeedKmh, iso.ReferenceSpeedKmh)) {
		return iso, nil
	}

	factor := iso.ReferenceSpeedKmh / targetKmh
	out := iso.Clone()
	out.SpeedKmh = targetKmh

	refs := iso.ReferenceRangesSeconds
	if len(refs) == 0 {
		refs = iso.RangesSeconds
	}
	out.ReferenceRangesSeconds = append([]int(nil), refs...)
	out.RangesSeconds = make([]int, len(refs))
	for i, r := range refs {
		out.RangesSeconds[i] = scale(r, factor)
	}

	for i := range out.Rings {
		ring := &out.Rings[i]
		if ring.ReferenceRangeSeconds == 0 {
			ring.ReferenceRangeSeconds = ring.RangeSeconds
		}
		ring.RangeSeconds = scale(ring.ReferenceRangeSeconds, factor)
	}
	return out, nil
}

func scale(seconds int, factor float64) int {
	return int(math.Round(float64(seconds) * factor))
}

func near(a, b float64) bool {
	return math.Abs(a-b) <= SpeedTolerance
}
