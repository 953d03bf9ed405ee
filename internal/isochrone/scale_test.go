package isochrone

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proximity/internal/models"
)

func walkingSet() *models.Isochrone {
	geom := json.RawMessage(`{"type":"Polygon","coordinates":[]}`)
	return &models.Isochrone{
		RangesSeconds:          []int{600, 1200, 1800},
		ReferenceRangesSeconds: []int{600, 1200, 1800},
		Rings: []models.IsochroneRing{
			{RangeSeconds: 600, ReferenceRangeSeconds: 600, Geometry: geom},
			{RangeSeconds: 1200, ReferenceRangeSeconds: 1200, Geometry: geom},
			{RangeSeconds: 1800, ReferenceRangeSeconds: 1800, Geometry: geom},
		},
		ReferenceSpeedKmh: 5.0,
		SpeedKmh:          5.0,
	}
}

func TestRescale_SlowerWalker(t *testing.T) {
	iso := walkingSet()

	out, err := Rescale(iso, 4.5)
	require.NoError(t, err)

	assert.Equal(t, []int{667, 1333, 2000}, out.RangesSeconds)
	assert.Equal(t, []int{600, 1200, 1800}, out.ReferenceRangesSeconds)
	assert.Equal(t, 4.5, out.SpeedKmh)
	assert.Equal(t, 5.0, out.ReferenceSpeedKmh)
	for i, ring := range out.Rings {
		assert.Equal(t, out.RangesSeconds[i], ring.RangeSeconds)
		assert.Equal(t, iso.Rings[i].RangeSeconds, ring.ReferenceRangeSeconds)
		assert.JSONEq(t, string(iso.Rings[i].Geometry), string(ring.Geometry))
	}

	// input untouched
	assert.Equal(t, []int{600, 1200, 1800}, iso.RangesSeconds)
	assert.Equal(t, 600, iso.Rings[0].RangeSeconds)
}

func TestRescale_Identity(t *testing.T) {
	iso := walkingSet()

	for _, speed := range []float64{5.0, 5.05, 4.95} {
		out, err := Rescale(iso, speed)
		require.NoError(t, err)
		assert.Equal(t, iso.RangesSeconds, out.RangesSeconds, "speed %v", speed)
	}
}

func TestRescale_Monotonic(t *testing.T) {
	iso := walkingSet()
	speeds := []float64{2, 3.5, 4.5, 6, 8}

	prev, err := Rescale(iso, speeds[0])
	require.NoError(t, err)
	for _, s := range speeds[1:] {
		next, err := Rescale(iso, s)
		require.NoError(t, err)
		for i := range next.Rings {
			assert.Less(t, next.Rings[i].RangeSeconds, prev.Rings[i].RangeSeconds, "ring %d at %v km/h", i, s)
		}
		prev = next
	}
}

func TestRescale_NoDriftAcrossRepeatedRescales(t *testing.T) {
	once, err := Rescale(walkingSet(), 4.5)
	require.NoError(t, err)
	twice, err := Rescale(once, 3.0)
	require.NoError(t, err)
	back, err := Rescale(twice, 5.0)
	require.NoError(t, err)

	assert.Equal(t, []int{600, 1200, 1800}, back.RangesSeconds)
}

func TestRescale_MissingReferenceLabels(t *testing.T) {
	iso := &models.Isochrone{
		RangesSeconds:     []int{300},
		Rings:             []models.IsochroneRing{{RangeSeconds: 300}},
		ReferenceSpeedKmh: 5.0,
	}

	out, err := Rescale(iso, 2.5)
	require.NoError(t, err)
	assert.Equal(t, []int{600}, out.RangesSeconds)
	assert.Equal(t, []int{300}, out.ReferenceRangesSeconds)
	assert.Equal(t, 300, out.Rings[0].ReferenceRangeSeconds)
}

func TestRescale_InvalidSpeeds(t *testing.T) {
	_, err := Rescale(walkingSet(), 0)
	assert.ErrorIs(t, err, ErrInvalidSpeed)

	bad := walkingSet()
	bad.ReferenceSpeedKmh = 0
	_, err = Rescale(bad, 4)
	assert.ErrorIs(t, err, ErrInvalidSpeed)

	out, err := Rescale(nil, 4)
	assert.NoError(t, err)
	assert.Nil(t, out)
}
