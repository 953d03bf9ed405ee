package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeKind(t *testing.T) {
	tests := []struct {
		raw  string
		want Kind
	}{
		{"charger", KindCharger},
		{" Station ", KindCharger},
		{"charging_station", KindCharger},
		{"POI", KindPOI},
		{"place", KindPOI},
		{"Restaurant", Kind("restaurant")},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeKind(tt.raw), tt.raw)
	}
}

func TestParseAnchorKind(t *testing.T) {
	k, err := ParseAnchorKind("stations")
	require.NoError(t, err)
	assert.Equal(t, KindCharger, k)

	_, err = ParseAnchorKind("restaurant")
	assert.Error(t, err)
}

func TestAnchor_KeyAndValidate(t *testing.T) {
	a := NewAnchor(" 42 ", "station")
	assert.Equal(t, "charger:42", a.Key())
	assert.NoError(t, a.Validate())

	assert.Error(t, Anchor{Kind: KindPOI}.Validate())
	assert.Error(t, Anchor{ID: "1", Kind: "bench"}.Validate())
}

func TestPartitionAnchors(t *testing.T) {
	chargers, pois := PartitionAnchors([]Anchor{
		{ID: "c1", Kind: KindCharger},
		{ID: "p1", Kind: KindPOI},
		{ID: "c1", Kind: KindCharger},
		{ID: "", Kind: KindPOI},
		{ID: "c2", Kind: KindCharger},
		{ID: "c1", Kind: KindPOI},
	})

	assert.Equal(t, []Anchor{{ID: "c1", Kind: KindCharger}, {ID: "c2", Kind: KindCharger}}, chargers)
	assert.Equal(t, []Anchor{{ID: "p1", Kind: KindPOI}, {ID: "c1", Kind: KindPOI}}, pois)
}
