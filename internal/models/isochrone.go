package models

import "encoding/json"

// IsochroneRing is one polygon labelled with the travel time it represents.
type IsochroneRing struct {
	RangeSeconds          int             `json:"range_seconds"`
	ReferenceRangeSeconds int             `json:"reference_range_seconds"`
	Geometry              json.RawMessage `json:"geometry,omitempty"`
}

// Isochrone is a set of reachability polygons computed at ReferenceSpeedKmh.
// SpeedKmh is the speed the current labels correspond to; it equals the
// reference speed until the set is rescaled.
type Isochrone struct {
	RangesSeconds          []int           `json:"ranges_seconds"`
	ReferenceRangesSeconds []int           `json:"reference_ranges_seconds"`
	Rings                  []IsochroneRing `json:"rings"`
	ReferenceSpeedKmh      float64         `json:"reference_speed_kmh"`
	SpeedKmh               float64         `json:"speed_kmh"`
}

// Clone deep-copies the isochrone. Geometry bytes are shared; they are never
// mutated after decoding.
func (iso *Isochrone) Clone() *Isochrone {
	if iso == nil {
		return nil
	}
	out := *iso
	out.RangesSeconds = append([]int(nil), iso.RangesSeconds...)
	out.ReferenceRangesSeconds = append([]int(nil), iso.ReferenceRangesSeconds...)
	out.Rings = append([]IsochroneRing(nil), iso.Rings...)
	return &out
}
