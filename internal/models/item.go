package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// AnchorSet is the set of anchor ids an item was discovered from. Membership
// is all that matters; it marshals as a sorted array.
type AnchorSet map[string]struct{}

// NewAnchorSet returns a set holding the given non-empty ids.
func NewAnchorSet(ids ...string) AnchorSet {
	s := make(AnchorSet, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id, allocating the set on first use.
func (s *AnchorSet) Add(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	if *s == nil {
		*s = make(AnchorSet)
	}
	(*s)[id] = struct{}{}
}

// AddAll unions other into s.
func (s *AnchorSet) AddAll(other AnchorSet) {
	for id := range other {
		s.Add(id)
	}
}

func (s AnchorSet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

func (s AnchorSet) Len() int { return len(s) }

// Sorted returns the members in lexical order.
func (s AnchorSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Equal reports set equality.
func (s AnchorSet) Equal(other AnchorSet) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if !other.Contains(id) {
			return false
		}
	}
	return true
}

func (s AnchorSet) Clone() AnchorSet {
	out := make(AnchorSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

func (s AnchorSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON accepts null, a single scalar (string or number) or an array
// of scalars.
func (s *AnchorSet) UnmarshalJSON(data []byte) error {
	set := make(AnchorSet)
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return fmt.Errorf("near anchors: %w", err)
		}
		for _, r := range raw {
			id, err := ScalarString(r)
			if err != nil {
				return fmt.Errorf("near anchors: %w", err)
			}
			set.Add(id)
		}
	} else {
		id, err := ScalarString(trimmed)
		if err != nil {
			return fmt.Errorf("near anchors: %w", err)
		}
		set.Add(id)
	}
	*s = set
	return nil
}

// ScalarString decodes a JSON string or number into its string form. null and
// empty input decode to "".
func ScalarString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	case '[', '{':
		return "", fmt.Errorf("expected scalar, got %s", string(raw))
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", fmt.Errorf("expected scalar, got %s", string(raw))
		}
		return n.String(), nil
	}
}

// ItemKey is the identity of a proximity item.
type ItemKey struct {
	Kind Kind
	ID   string
}

func (k ItemKey) String() string {
	return string(k.Kind) + ":" + k.ID
}

// ProximityItem is one nearby result.
type ProximityItem struct {
	ID              string    `json:"id"`
	Kind            Kind      `json:"kind"`
	Title           string    `json:"title,omitempty"`
	DistanceMeters  *float64  `json:"distance_meters,omitempty"`
	DurationSeconds *float64  `json:"duration_seconds,omitempty"`
	Icon            string    `json:"icon,omitempty"`
	Provider        string    `json:"provider,omitempty"`
	Category        string    `json:"category,omitempty"`
	NearAnchors     AnchorSet `json:"near_anchors"`
}

func (p ProximityItem) Key() ItemKey {
	return ItemKey{Kind: p.Kind, ID: p.ID}
}

// Clone returns a deep copy so merged results never alias cached payloads.
func (p ProximityItem) Clone() ProximityItem {
	out := p
	if p.DistanceMeters != nil {
		d := *p.DistanceMeters
		out.DistanceMeters = &d
	}
	if p.DurationSeconds != nil {
		d := *p.DurationSeconds
		out.DurationSeconds = &d
	}
	out.NearAnchors = p.NearAnchors.Clone()
	return out
}

// AsAnchor converts an item into a query anchor when its kind allows it.
func (p ProximityItem) AsAnchor() (Anchor, bool) {
	a := Anchor{ID: p.ID, Kind: p.Kind}
	return a, a.Validate() == nil
}

// UnmarshalJSON accepts numeric or string ids and normalizes the kind.
func (p *ProximityItem) UnmarshalJSON(data []byte) error {
	type alias ProximityItem
	aux := struct {
		ID   json.RawMessage `json:"id"`
		Kind string          `json:"kind"`
		*alias
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	id, err := ScalarString(aux.ID)
	if err != nil {
		return fmt.Errorf("item id: %w", err)
	}
	p.ID = id
	p.Kind = NormalizeKind(aux.Kind)
	if p.NearAnchors == nil {
		p.NearAnchors = make(AnchorSet)
	}
	return nil
}

// CloneItems deep-copies a slice of items.
func CloneItems(items []ProximityItem) []ProximityItem {
	if items == nil {
		return nil
	}
	out := make([]ProximityItem, len(items))
	for i := range items {
		out[i] = items[i].Clone()
	}
	return out
}
