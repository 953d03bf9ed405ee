// Package relation deduplicates proximity items discovered from several
// anchors into one item per (kind, id), keeping every anchor relation.
package relation

import (
	"sync"

	"proximity/internal/models"
)

// Merge returns existing followed by the incoming items it did not already
// contain. Items sharing a key collapse into the first occurrence: its display
// fields (including the anchor-relative distance and duration) are kept and
// the NearAnchors sets are unioned. Items without an id are dropped.
//
// Merge does not modify its inputs; the result holds deep copies.
func Merge(existing, incoming []models.ProximityItem) []models.ProximityItem {
	out := make([]models.ProximityItem, 0, len(existing)+len(incoming))
	index := make(map[models.ItemKey]int, len(existing)+len(incoming))
	out = appendMerged(out, index, existing)
	out = appendMerged(out, index, incoming)
	return out
}

func appendMerged(out []models.ProximityItem, index map[models.ItemKey]int, items []models.ProximityItem) []models.ProximityItem {
	for i := range items {
		item := &items[i]
		if item.ID == "" {
			continue
		}
		key := item.Key()
		if pos, ok := index[key]; ok {
			out[pos].NearAnchors.AddAll(item.NearAnchors)
			continue
		}
		index[key] = len(out)
		clone := item.Clone()
		out = append(out, clone)
	}
	return out
}

// Merger accumulates items across a batch run. It is safe for concurrent use
// by the orchestrator's workers.
type Merger struct {
	mu    sync.Mutex
	items []models.ProximityItem
	index map[models.ItemKey]int
}

func NewMerger() *Merger {
	return &Merger{index: make(map[models.ItemKey]int)}
}

// Add merges items into the accumulated set, following the same rules as Merge.
func (m *Merger) Add(items []models.ProximityItem) {
	if len(items) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = appendMerged(m.items, m.index, items)
}

// Items returns a copy of the merged items in first-seen order.
func (m *Merger) Items() []models.ProximityItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := models.CloneItems(m.items)
	if out == nil {
		out = []models.ProximityItem{}
	}
	return out
}

func (m *Merger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
