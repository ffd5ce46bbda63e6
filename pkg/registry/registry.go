// Package registry holds the authoritative in-memory state of every detected
// drone, aircraft and FPV link.
package registry

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

// Outcome reports what Upsert did with a detection.
type Outcome int

const (
	Discarded Outcome = iota
	Created
	Updated
	CompanionApplied
	RegistrationApplied
	// RegistrationPending means a CAA registration is held until its drone appears.
	RegistrationPending
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case CompanionApplied:
		return "companion"
	case RegistrationApplied:
		return "registration"
	case RegistrationPending:
		return "registration_pending"
	default:
		return "discarded"
	}
}

// Limits caps the number of entries per kind. Zero or missing means unlimited.
type Limits map[models.Kind]int

// DefaultHistorySize is how many past fixes each entry keeps.
const DefaultHistorySize = 32

// Options configures a Registry.
type Options struct {
	// PendingTTL is how long an unmatched CAA registration waits for its drone.
	// Zero discards unmatched registrations.
	PendingTTL  time.Duration
	HistorySize int
}

type entry struct {
	det     *models.Detection
	seq     uint64
	history []models.Position
	// derivedCourse is set while Course comes from the bearing between fixes.
	derivedCourse bool
}

// Registry stores detections keyed by id.
type Registry struct {
	logger *zap.Logger
	events chan<- models.Event
	opts   Options

	mu      sync.RWMutex
	entries map[string]*entry
	seeds   map[string][]models.Position
	seq     uint64

	pending *cache.Cache // identity -> CAA registration

	now func() time.Time

	// overflow holds events that did not fit in the channel, in order.
	overflowMu       sync.Mutex
	overflow         []models.Event
	overflowedEvents atomic.Uint64
}

// New creates a registry that reports changes on events. Sends never block;
// events that do not fit are queued for TakeOverflow.
func New(logger *zap.Logger, events chan<- models.Event, opts Options) *Registry {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	r := &Registry{
		logger:  logger.Named("registry"),
		events:  events,
		opts:    opts,
		entries: make(map[string]*entry),
		seeds:   make(map[string][]models.Position),
		now:     time.Now,
	}
	if opts.PendingTTL > 0 {
		r.pending = cache.New(opts.PendingTTL, 2*opts.PendingTTL)
	}
	return r
}

// Upsert merges d into the registry. The registry keeps its own copy of d.
func (r *Registry) Upsert(d *models.Detection) Outcome {
	if d == nil || d.ID == "" {
		return Discarded
	}
	if d.IsCompanion() {
		return r.applyCompanion(d)
	}
	if d.RegistrationOnly {
		return r.applyRegistration(d)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[d.ID]; ok {
		merge(e, d, r.opts.HistorySize)
		r.emit(models.EventUpdated, e.det, "")
		return Updated
	}

	det := d.Clone()
	det.RegistrationOnly = false
	if det.LastUpdated.IsZero() {
		det.LastUpdated = r.now()
	}
	surfacePrimary(det)

	r.seq++
	e := &entry{det: det, seq: r.seq}
	if seeded, ok := r.seeds[d.ID]; ok {
		e.history = seeded
		delete(r.seeds, d.ID)
	}
	if det.Position.HasFix() {
		e.pushHistory(det.Position, r.opts.HistorySize)
	}
	r.takePending(det)

	r.entries[d.ID] = e
	r.emit(models.EventCreated, det, "")
	return Created
}

// applyCompanion routes pilot-/home- positions onto their drone.
func (r *Registry) applyCompanion(d *models.Detection) Outcome {
	target, pilot, _ := d.CompanionTarget()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[target]
	if !ok || !d.Position.HasFix() {
		r.logger.Debug("Discarding companion position", zap.String("id", d.ID), zap.Bool("target_known", ok))
		return Discarded
	}
	if pilot {
		e.det.Pilot = d.Position
	} else {
		e.det.Home = d.Position
	}
	r.emit(models.EventUpdated, e.det, "")
	return CompanionApplied
}

// applyRegistration attaches a CAA registration to the drone sharing its signal identity.
func (r *Registry) applyRegistration(d *models.Detection) Outcome {
	identities := identitiesOf(d)

	r.mu.Lock()
	defer r.mu.Unlock()

	if e := r.findByIdentity(identities); e != nil {
		e.det.CAARegistration = d.CAARegistration
		if rankIDType(d.IDType) > rankIDType(e.det.IDType) {
			e.det.IDType = d.IDType
		}
		r.emit(models.EventUpdated, e.det, "")
		return RegistrationApplied
	}

	if r.pending == nil || len(identities) == 0 {
		return Discarded
	}
	for _, id := range identities {
		r.pending.SetDefault(id, d.CAARegistration)
	}
	return RegistrationPending
}

func (r *Registry) findByIdentity(identities []string) *entry {
	if len(identities) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(identities))
	for _, id := range identities {
		want[id] = struct{}{}
	}

	var best *entry
	for _, e := range r.entries {
		if e.det.Kind() != models.KindDrone {
			continue
		}
		for _, id := range identitiesOf(e.det) {
			if _, ok := want[id]; ok && (best == nil || e.det.LastUpdated.After(best.det.LastUpdated)) {
				best = e
			}
		}
	}
	return best
}

// takePending applies a held CAA registration to a newly created drone.
func (r *Registry) takePending(det *models.Detection) {
	if r.pending == nil || det.Kind() != models.KindDrone {
		return
	}
	for _, id := range identitiesOf(det) {
		if v, ok := r.pending.Get(id); ok {
			if det.CAARegistration == "" {
				det.CAARegistration = v.(string)
			}
			r.pending.Delete(id)
		}
	}
}

// identitiesOf lists the normalized signal identities of d.
func identitiesOf(d *models.Detection) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			return
		}
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	add(d.MAC)
	for _, s := range d.SignalSources {
		add(s.Identity)
	}
	return out
}

// EvictInactive removes entries not updated within timeout, skipping exempt kinds.
func (r *Registry) EvictInactive(now time.Time, timeout time.Duration, exempt ...models.Kind) []string {
	skip := make(map[models.Kind]bool, len(exempt))
	for _, k := range exempt {
		skip[k] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, e := range r.entries {
		if skip[e.det.Kind()] {
			continue
		}
		if now.Sub(e.det.LastUpdated) > timeout {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	for _, id := range removed {
		r.removeLocked(id, models.RemovedByInactivity)
	}
	return removed
}

// EnforceCapacity removes the oldest entries of each kind above its limit.
// Age is LastUpdated, with insertion order breaking ties.
func (r *Registry) EnforceCapacity(limits Limits) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	byKind := make(map[models.Kind][]*entry)
	for _, e := range r.entries {
		k := e.det.Kind()
		byKind[k] = append(byKind[k], e)
	}

	var removed []string
	for _, kind := range []models.Kind{models.KindDrone, models.KindAircraft, models.KindFPV} {
		limit := limits[kind]
		list := byKind[kind]
		if limit <= 0 || len(list) <= limit {
			continue
		}
		sort.Slice(list, func(i, j int) bool {
			if !list[i].det.LastUpdated.Equal(list[j].det.LastUpdated) {
				return list[i].det.LastUpdated.Before(list[j].det.LastUpdated)
			}
			return list[i].seq < list[j].seq
		})
		for _, e := range list[:len(list)-limit] {
			removed = append(removed, e.det.ID)
			r.removeLocked(e.det.ID, models.RemovedByCapacity)
		}
	}
	return removed
}

// Remove deletes one entry at the operator's request.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id, models.RemovedByOperator)
}

// Clear deletes every entry and any held registrations. It returns how many
// entries were removed.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r.removeLocked(id, models.RemovedByOperator)
	}
	if r.pending != nil {
		r.pending.Flush()
	}
	return len(ids)
}

func (r *Registry) removeLocked(id, reason string) bool {
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	delete(r.entries, id)
	r.emit(models.EventRemoved, e.det, reason)
	return true
}

// Get returns a copy of one entry.
func (r *Registry) Get(id string) (*models.Detection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.det.Clone(), true
}

// All returns copies of every entry ordered by id.
func (r *Registry) All() []*models.Detection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Detection, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.det.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of entries of kind.
func (r *Registry) Count(kind models.Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.det.Kind() == kind {
			n++
		}
	}
	return n
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// SeedHistory records previously known fixes for id, oldest first. Seeds for
// an id not yet present are applied when it is created.
func (r *Registry) SeedHistory(id string, positions ...models.Position) {
	var fixes []models.Position
	for _, p := range positions {
		if p.HasFix() {
			fixes = append(fixes, p)
		}
	}
	if len(fixes) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		e.history = trimHistory(append(fixes, e.history...), r.opts.HistorySize)
		return
	}
	r.seeds[id] = trimHistory(append(r.seeds[id], fixes...), r.opts.HistorySize)
}

// History returns the recorded fixes of id, oldest first.
func (r *Registry) History(id string) []models.Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	return append([]models.Position(nil), e.history...)
}

func (r *Registry) emit(t models.EventType, det *models.Detection, reason string) {
	if r.events == nil {
		return
	}
	ev := models.Event{
		Type:       t,
		Detection:  det.Clone(),
		Reason:     reason,
		OccurredAt: r.now(),
	}
	r.overflowMu.Lock()
	defer r.overflowMu.Unlock()
	// Once anything is queued, later events queue behind it.
	if len(r.overflow) == 0 {
		select {
		case r.events <- ev:
			return
		default:
		}
	}
	r.overflow = append(r.overflow, ev)
	r.overflowedEvents.Add(1)
}

// TakeOverflow returns the events that did not fit in the channel and
// resets the queue. Callers drain the channel first to keep order.
func (r *Registry) TakeOverflow() []models.Event {
	r.overflowMu.Lock()
	defer r.overflowMu.Unlock()
	out := r.overflow
	r.overflow = nil
	return out
}

// Stats returns registry statistics.
func (r *Registry) Stats() map[string]interface{} {
	pending := 0
	if r.pending != nil {
		pending = r.pending.ItemCount()
	}
	return map[string]interface{}{
		"drones":                r.Count(models.KindDrone),
		"aircraft":              r.Count(models.KindAircraft),
		"fpv":                   r.Count(models.KindFPV),
		"pending_registrations": pending,
		"overflowed_events":     r.overflowedEvents.Load(),
	}
}
