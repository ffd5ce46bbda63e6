package proximity

import (
	"math"
	"sort"
	"sync"

	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

// RingKey keys an entity's ring per reporting sensor when one is known.
func RingKey(d *models.Detection) string {
	if d.SeenBy != "" {
		return d.ID + "-" + d.SeenBy
	}
	return d.ID
}

// Rings tracks the alert rings of entities without a position fix.
type Rings struct {
	mu        sync.RWMutex
	estimator *Estimator
	rings     map[string]models.AlertRing
}

// NewRings creates an empty tracker.
func NewRings(estimator *Estimator) *Rings {
	return &Rings{
		estimator: estimator,
		rings:     make(map[string]models.AlertRing),
	}
}

// Update recomputes the ring for d around center. The returned ring is nil when
// the entity should have no ring; changed reports whether tracked state moved.
func (r *Rings) Update(d *models.Detection, center models.Position) (ring *models.AlertRing, changed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d.Position.HasFix() || d.RSSI == 0 || math.IsNaN(d.RSSI) || !center.HasFix() {
		return nil, r.removeLocked(d.ID) > 0
	}

	next := models.AlertRing{
		Key:      RingKey(d),
		EntityID: d.ID,
		Center:   center,
		Radius:   r.estimator.EstimateRadius(d.RSSI, BandFor(d.Kind(), d.PrimaryMedium)),
		RSSI:     d.RSSI,
	}
	prev, ok := r.rings[next.Key]
	r.rings[next.Key] = next
	return &next, !ok || prev != next
}

// Recenter moves every ring to a new sensor position.
func (r *Rings) Recenter(center models.Position) {
	if !center.HasFix() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, ring := range r.rings {
		ring.Center = center
		r.rings[key] = ring
	}
}

// Remove drops every ring of an entity and returns how many there were.
func (r *Rings) Remove(entityID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(entityID)
}

func (r *Rings) removeLocked(entityID string) int {
	removed := 0
	for key, ring := range r.rings {
		if ring.EntityID == entityID {
			delete(r.rings, key)
			removed++
		}
	}
	return removed
}

// Clear drops all rings.
func (r *Rings) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rings = make(map[string]models.AlertRing)
}

// All returns the rings ordered by key.
func (r *Rings) All() []models.AlertRing {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.AlertRing, 0, len(r.rings))
	for _, ring := range r.rings {
		out = append(out, ring)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Restore replaces the tracked rings, for example from persisted state.
func (r *Rings) Restore(rings []models.AlertRing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rings = make(map[string]models.AlertRing, len(rings))
	for _, ring := range rings {
		if ring.Key == "" {
			ring.Key = ring.EntityID
		}
		r.rings[ring.Key] = ring
	}
}

// Count returns the number of tracked rings.
func (r *Rings) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rings)
}
