// Package models - domain types shared by every engine component.
//
// Identity rules:
// - An Anchor is the origin of a proximity query, identified by (kind, id).
// - A ProximityItem is identified by (kind, id); the same key reached from
//   different anchors is one entity whose NearAnchors are unioned.
package models

import (
	"errors"
	"fmt"
	"strings"
)

// Kind distinguishes chargers from points of interest.
type Kind string

const (
	KindCharger Kind = "charger"
	KindPOI     Kind = "poi"
)

// NormalizeKind maps the spellings seen on the wire onto the canonical kinds.
// Unknown values are lower-cased and returned unchanged so that item kinds the
// engine does not know about still keep a stable identity key.
func NormalizeKind(raw string) Kind {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "charger", "chargers", "station", "stations", "charging_station", "charging-station":
		return KindCharger
	case "poi", "pois", "point-of-interest", "point_of_interest", "place":
		return KindPOI
	default:
		return Kind(s)
	}
}

// ParseAnchorKind is the strict variant used for anchors: only chargers and
// points of interest can start a proximity query.
func ParseAnchorKind(raw string) (Kind, error) {
	k := NormalizeKind(raw)
	if k != KindCharger && k != KindPOI {
		return "", fmt.Errorf("unsupported anchor kind: %q", raw)
	}
	return k, nil
}

// Anchor is the origin point of a proximity query.
type Anchor struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
}

// NewAnchor builds an anchor, normalizing the kind.
func NewAnchor(id string, kind Kind) Anchor {
	return Anchor{ID: strings.TrimSpace(id), Kind: NormalizeKind(string(kind))}
}

// Key is the cache and job identity of the anchor.
func (a Anchor) Key() string {
	return string(a.Kind) + ":" + a.ID
}

func (a Anchor) String() string {
	return a.Key()
}

// Validate reports whether the anchor can be queried.
func (a Anchor) Validate() error {
	if a.ID == "" {
		return errors.New("anchor id cannot be empty")
	}
	if a.Kind != KindCharger && a.Kind != KindPOI {
		return fmt.Errorf("unsupported anchor kind: %q", a.Kind)
	}
	return nil
}

// PartitionAnchors splits anchors into chargers and points of interest,
// dropping duplicates and anchors that fail validation.
func PartitionAnchors(anchors []Anchor) (chargers, pois []Anchor) {
	seen := make(map[string]struct{}, len(anchors))
	for _, a := range anchors {
		if a.Validate() != nil {
			continue
		}
		if _, dup := seen[a.Key()]; dup {
			continue
		}
		seen[a.Key()] = struct{}{}
		if a.Kind == KindCharger {
			chargers = append(chargers, a)
		} else {
			pois = append(pois, a)
		}
	}
	return chargers, pois
}
