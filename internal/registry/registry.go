// Package registry tracks peripherals discovered during one scan window.
package registry

import (
	"strings"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blekit/internal/device"
)

// Filter restricts which sightings are recorded.
type Filter struct {
	AllowList []string // only these identifiers, when non-empty
	BlockList []string // never these identifiers
	MinRSSI   int      // ignore weaker sightings; 0 disables
}

// Registry de-duplicates sightings by identifier and keeps first-seen order.
// It is not safe for concurrent use; the central mutates it only from its
// event loop.
type Registry struct {
	entries *orderedmap.OrderedMap[string, device.Identity]
	filter  Filter
	logger  *logrus.Logger
}

// New creates an empty registry.
func New(filter Filter, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		entries: orderedmap.New[string, device.Identity](),
		filter:  normalizeFilter(filter),
		logger:  logger,
	}
}

func normalizeFilter(f Filter) Filter {
	out := Filter{MinRSSI: f.MinRSSI}
	for _, id := range f.AllowList {
		out.AllowList = append(out.AllowList, device.NormalizeID(id))
	}
	for _, id := range f.BlockList {
		out.BlockList = append(out.BlockList, device.NormalizeID(id))
	}
	return out
}

// OnDiscovered inserts a new identity or updates the existing entry in place.
// MinRSSI gates insertion only; a weaker repeat still refreshes its entry.
// Returns true when the identity was seen for the first time in this window.
func (r *Registry) OnDiscovered(identity device.Identity) bool {
	identity.ID = device.NormalizeID(identity.ID)
	if identity.ID == "" || !r.accepts(identity) {
		return false
	}

	existing, ok := r.entries.Get(identity.ID)
	if !ok {
		if r.filter.MinRSSI != 0 && identity.RSSI < r.filter.MinRSSI {
			return false
		}
		r.entries.Set(identity.ID, identity)
		r.logger.WithFields(logrus.Fields{
			"device": identity.DisplayName(),
			"id":     identity.ID,
			"rssi":   identity.RSSI,
		}).Info("Discovered new device")
		return true
	}

	existing.RSSI = identity.RSSI
	existing.LastSeen = identity.LastSeen
	if strings.TrimSpace(identity.Name) != "" {
		existing.Name = identity.Name
	}
	r.entries.Set(identity.ID, existing)
	r.logger.WithFields(logrus.Fields{
		"device": existing.DisplayName(),
		"rssi":   existing.RSSI,
	}).Debug("Updated device")
	return false
}

func (r *Registry) accepts(identity device.Identity) bool {
	for _, blocked := range r.filter.BlockList {
		if identity.ID == blocked {
			return false
		}
	}

	if len(r.filter.AllowList) > 0 {
		allowed := false
		for _, a := range r.filter.AllowList {
			if identity.ID == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	return true
}

// Snapshot returns the current entries in first-seen order.
func (r *Registry) Snapshot() []device.Identity {
	out := make([]device.Identity, 0, r.entries.Len())
	for pair := r.entries.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Get returns the entry for id.
func (r *Registry) Get(id string) (device.Identity, bool) {
	return r.entries.Get(device.NormalizeID(id))
}

// Len returns the number of distinct identities.
func (r *Registry) Len() int {
	return r.entries.Len()
}

// Clear resets the registry for a new scan window.
func (r *Registry) Clear() {
	r.entries = orderedmap.New[string, device.Identity]()
	r.logger.Debug("Cleared discovered devices")
}
