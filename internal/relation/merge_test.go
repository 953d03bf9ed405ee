package relation

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proximity/internal/models"
)

func ptr(v float64) *float64 { return &v }

func item(kind models.Kind, id string, anchors ...string) models.ProximityItem {
	return models.ProximityItem{ID: id, Kind: kind, Title: "item " + id, NearAnchors: models.NewAnchorSet(anchors...)}
}

func keys(items []models.ProximityItem) []models.ItemKey {
	out := make([]models.ItemKey, len(items))
	for i, it := range items {
		out[i] = it.Key()
	}
	return out
}

func TestMerge_Idempotent(t *testing.T) {
	s := []models.ProximityItem{
		item(models.KindPOI, "9", "C1"),
		item(models.KindPOI, "10", "C1", "C2"),
		item(models.KindCharger, "9", "P4"),
	}

	merged := Merge(s, s)

	require.Len(t, merged, len(s))
	assert.Equal(t, keys(s), keys(merged))
	for i := range s {
		assert.True(t, s[i].NearAnchors.Equal(merged[i].NearAnchors), "item %s", s[i].Key())
	}
}

func TestMerge_RelationUnion(t *testing.T) {
	fromA := []models.ProximityItem{{ID: "9", Kind: models.KindPOI, Title: "Cafe", DistanceMeters: ptr(120), NearAnchors: models.NewAnchorSet("A")}}
	fromB := []models.ProximityItem{{ID: "9", Kind: models.KindPOI, Title: "Cafe (B)", DistanceMeters: ptr(480), NearAnchors: models.NewAnchorSet("B")}}

	merged := Merge(fromA, fromB)

	require.Len(t, merged, 1)
	assert.Equal(t, []string{"A", "B"}, merged[0].NearAnchors.Sorted())
	assert.Equal(t, "Cafe", merged[0].Title)
	assert.Equal(t, 120.0, *merged[0].DistanceMeters)
}

func TestMerge_KindIsPartOfIdentity(t *testing.T) {
	merged := Merge(
		[]models.ProximityItem{item(models.KindPOI, "9", "A")},
		[]models.ProximityItem{item(models.KindCharger, "9", "B")},
	)
	assert.Len(t, merged, 2)
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	existing := []models.ProximityItem{item(models.KindPOI, "1", "A")}
	incoming := []models.ProximityItem{item(models.KindPOI, "1", "B")}

	merged := Merge(existing, incoming)
	merged[0].NearAnchors.Add("Z")

	assert.Equal(t, []string{"A"}, existing[0].NearAnchors.Sorted())
	assert.Equal(t, []string{"B"}, incoming[0].NearAnchors.Sorted())
}

func TestMerge_DeduplicatesWithinExisting(t *testing.T) {
	merged := Merge([]models.ProximityItem{
		item(models.KindPOI, "1", "A"),
		item(models.KindPOI, "1", "B"),
		{Kind: models.KindPOI},
	}, nil)

	require.Len(t, merged, 1)
	assert.Equal(t, []string{"A", "B"}, merged[0].NearAnchors.Sorted())
}

func TestMerge_ScalarAndArrayRelations(t *testing.T) {
	var scalar, array []models.ProximityItem
	require.NoError(t, json.Unmarshal([]byte(`[{"id": 9, "kind": "poi", "near_anchors": "C1"}]`), &scalar))
	require.NoError(t, json.Unmarshal([]byte(`[{"id": "9", "kind": "poi", "near_anchors": ["C2", 7]}]`), &array))

	merged := Merge(scalar, array)

	require.Len(t, merged, 1)
	assert.Equal(t, []string{"7", "C1", "C2"}, merged[0].NearAnchors.Sorted())
}

func TestMerger_ConcurrentAdd(t *testing.T) {
	m := NewMerger()
	var wg sync.WaitGroup
	for a := 0; a < 8; a++ {
		wg.Add(1)
		go func(anchor string) {
			defer wg.Done()
			m.Add([]models.ProximityItem{item(models.KindPOI, "shared", anchor), item(models.KindPOI, "own-"+anchor, anchor)})
		}(fmt.Sprintf("C%d", a))
	}
	wg.Wait()

	items := m.Items()
	assert.Len(t, items, 9)
	assert.Equal(t, 9, m.Len())
	for _, it := range items {
		if it.ID == "shared" {
			assert.Equal(t, 8, it.NearAnchors.Len())
		}
	}
}

func TestMerger_EmptyItems(t *testing.T) {
	m := NewMerger()
	m.Add(nil)
	assert.NotNil(t, m.Items())
	assert.Empty(t, m.Items())
}
