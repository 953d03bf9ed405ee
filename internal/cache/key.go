// Package cache implements the two-tier cache in front of the proximity
// backend: a short-lived process-memory tier and a longer-lived persistent
// tier backed by a storage.Store.
//
// Persistent keys are namespaced by the payload schema version so that a
// release changing the payload shape never rehydrates old entries. Reads
// always prefer the memory tier; a persistent hit warms the memory tier.
package cache

import (
	"strings"

	"proximity/internal/models"
)

// Scopes partition the key space by payload kind.
const (
	ScopeNearby    = "nearby"
	ScopeAggregate = "aggregate"
)

// Key addresses one cached payload.
type Key struct {
	Scope  string
	Filter string // filter signature, "all" when unfiltered
	ID     string
}

// NearbyKey is the key of an anchor's job payload.
func NearbyKey(anchor models.Anchor) Key {
	return Key{Scope: ScopeNearby, Filter: "all", ID: anchor.Key()}
}

// Path is the tier-independent form of the key: scope/filter-digest/id. The
// filter signature is hashed so arbitrary signatures stay path-safe.
// Invalidation prefixes match against Path.
func (k Key) Path() string {
	filter := k.Filter
	if filter == "" {
		filter = "all"
	}
	return strings.Join([]string{k.Scope, models.SignatureDigest(filter), k.ID}, "/")
}

func (k Key) String() string {
	return k.Scope + "/" + k.Filter + "/" + k.ID
}
