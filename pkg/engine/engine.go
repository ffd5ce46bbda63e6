// Package engine runs the detection pipeline. A single writer goroutine owns
// every registry mutation: frames, sweeps, operator commands and config
// changes are all funneled through its channels.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hervehildenbrand/rid-radar/pkg/classifier"
	"github.com/hervehildenbrand/rid-radar/pkg/metrics"
	"github.com/hervehildenbrand/rid-radar/pkg/models"
	"github.com/hervehildenbrand/rid-radar/pkg/normalizer"
	"github.com/hervehildenbrand/rid-radar/pkg/proximity"
	"github.com/hervehildenbrand/rid-radar/pkg/registry"
	"github.com/hervehildenbrand/rid-radar/pkg/signal"
	"github.com/hervehildenbrand/rid-radar/pkg/storage"
)

// ErrNotRunning is returned by commands issued while the engine is stopped.
var ErrNotRunning = errors.New("engine not running")

const (
	defaultQueueSize         = 1000
	defaultSweepInterval     = 10 * time.Second
	defaultInactivityTimeout = 60 * time.Second
	eventBufferSize          = 1024
)

// Publisher receives registry events and sensor status. *fanout.Coordinator
// implements it. Calls must not block.
type Publisher interface {
	HandleEvent(ev models.Event)
	HandleStatus(st *models.StatusMessage)
}

type nullPublisher struct{}

func (nullPublisher) HandleEvent(models.Event)           {}
func (nullPublisher) HandleStatus(*models.StatusMessage) {}

// Config holds the settings the engine applies at runtime.
type Config struct {
	// Limits caps entries per kind.
	Limits registry.Limits
	// InactivityTimeout evicts entries not updated for this long.
	InactivityTimeout time.Duration
	// Exempt kinds are never evicted for inactivity.
	Exempt        []models.Kind
	SweepInterval time.Duration
	// Sensor is the fallback ring center until a status report carries a fix.
	Sensor         models.Position
	FrequencyRules normalizer.FrequencyRules
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		Limits: registry.Limits{
			models.KindDrone:    30,
			models.KindAircraft: 100,
			models.KindFPV:      20,
		},
		InactivityTimeout: defaultInactivityTimeout,
		SweepInterval:     defaultSweepInterval,
		FrequencyRules:    normalizer.DefaultFrequencyRules(),
	}
}

// Deps are the engine's collaborators. Nil fields get null implementations.
type Deps struct {
	Store      storage.EncounterStore
	Blocklist  storage.Blocklist
	Signatures classifier.SignatureGenerator
	Spoof      classifier.SpoofDetector
	Estimator  *proximity.Estimator
	Publisher  Publisher
	// PendingTTL is how long an unmatched CAA registration is held.
	PendingTTL time.Duration
	QueueSize  int
}

// Engine normalizes frames and maintains the registry.
type Engine struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	normalizer *normalizer.Normalizer
	registry   *registry.Registry
	rings      *proximity.Rings
	store      storage.EncounterStore
	blocklist  storage.Blocklist
	signatures classifier.SignatureGenerator
	spoof      classifier.SpoofDetector
	publisher  Publisher

	events   chan models.Event
	frames   chan models.Frame
	commands chan func()

	// Owned by the writer loop
	cfg          Config
	sensor       models.Position
	fingerprints map[string]string // fingerprint -> entity id
	lastStatus   atomic.Pointer[models.StatusMessage]

	running atomic.Bool
	mu      sync.Mutex
	done    chan struct{}
	wg      sync.WaitGroup
	now     func() time.Time

	// Stats
	framesQueued  atomic.Uint64
	framesDropped atomic.Uint64
	blocked       atomic.Uint64
	spoofed       atomic.Uint64
	sigMatches    atomic.Uint64
	outcomes      sync.Map // outcome name -> *atomic.Uint64
}

// New creates an engine. m may be nil.
func New(logger *zap.Logger, m *metrics.Metrics, cfg Config, deps Deps) *Engine {
	logger = logger.Named("engine")
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = defaultInactivityTimeout
	}
	if deps.Store == nil {
		deps.Store = storage.NewNullStore()
	}
	if deps.Blocklist == nil {
		deps.Blocklist = storage.NewNullBlocklist()
	}
	if deps.Signatures == nil {
		deps.Signatures = classifier.NullSignature{}
	}
	if deps.Spoof == nil {
		deps.Spoof = classifier.NullSpoofDetector{}
	}
	if deps.Estimator == nil {
		deps.Estimator = proximity.NewEstimator(classifier.DefaultLogDistance())
	}
	if deps.Publisher == nil {
		deps.Publisher = nullPublisher{}
	}
	if deps.QueueSize <= 0 {
		deps.QueueSize = defaultQueueSize
	}

	events := make(chan models.Event, eventBufferSize)
	e := &Engine{
		logger:       logger,
		metrics:      m,
		normalizer:   normalizer.New(logger, cfg.FrequencyRules),
		registry:     registry.New(logger, events, registry.Options{PendingTTL: deps.PendingTTL}),
		rings:        proximity.NewRings(deps.Estimator),
		store:        deps.Store,
		blocklist:    deps.Blocklist,
		signatures:   deps.Signatures,
		spoof:        deps.Spoof,
		publisher:    deps.Publisher,
		events:       events,
		frames:       make(chan models.Frame, deps.QueueSize),
		commands:     make(chan func()),
		cfg:          cfg,
		sensor:       cfg.Sensor,
		fingerprints: make(map[string]string),
		done:         make(chan struct{}),
		now:          time.Now,
	}
	return e
}

// Start launches the writer loop.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return
	}
	e.done = make(chan struct{})
	e.running.Store(true)

	e.wg.Add(1)
	go e.loop(e.done)
	e.logger.Info("Engine started",
		zap.Duration("inactivity_timeout", e.cfg.InactivityTimeout),
		zap.Any("limits", e.cfg.Limits))
}

// Stop ends the writer loop. Queued frames are discarded.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running.Load() {
		return
	}
	e.running.Store(false)
	close(e.done)
	e.wg.Wait()
	e.logger.Info("Engine stopped", zap.Int("entities", e.registry.Len()))
}

// Submit queues a frame without blocking. It returns false when the frame was
// dropped because the queue is full or the engine is stopped.
func (e *Engine) Submit(frame models.Frame) bool {
	if !e.running.Load() {
		return false
	}
	select {
	case e.frames <- frame:
		e.framesQueued.Add(1)
		return true
	default:
		e.framesDropped.Add(1)
		e.metrics.RecordDroppedFrame(frame.Source, "queue_full")
		return false
	}
}

// do runs fn on the writer loop and waits for it.
func (e *Engine) do(ctx context.Context, fn func()) error {
	if !e.running.Load() {
		return ErrNotRunning
	}
	finished := make(chan struct{})
	cmd := func() {
		defer close(finished)
		fn()
	}
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()

	select {
	case e.commands <- cmd:
	case <-done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

func (e *Engine) loop(done <-chan struct{}) {
	defer e.wg.Done()

	interval := e.cfg.SweepInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-e.frames:
			e.process(frame)
		case cmd := <-e.commands:
			cmd()
			if e.cfg.SweepInterval != interval {
				interval = e.cfg.SweepInterval
				ticker.Reset(interval)
			}
		case <-ticker.C:
			e.sweep()
		case <-done:
			return
		}
	}
}

// process runs one frame through the pipeline.
func (e *Engine) process(frame models.Frame) {
	res := e.normalizer.Normalize(frame)
	e.metrics.RecordNormalized(res.Kind.String())

	switch res.Kind {
	case normalizer.ResultStatus:
		e.handleStatus(res.Status)
	case normalizer.ResultDetection:
		e.handleDetection(res.Detection)
	}
}

func (e *Engine) handleStatus(st *models.StatusMessage) {
	if st.Position.HasFix() {
		e.sensor = st.Position
		e.rings.Recenter(st.Position)
	}
	e.lastStatus.Store(st)
	e.publisher.HandleStatus(st)
}

func (e *Engine) isBlocked(d *models.Detection) bool {
	candidates := []string{d.ID, d.MAC, d.CAARegistration}
	if target, _, ok := d.CompanionTarget(); ok {
		candidates = append(candidates, target)
	}
	for _, c := range candidates {
		if c != "" && e.blocklist.IsBlocked(c) {
			return true
		}
	}
	return false
}

func (e *Engine) handleDetection(d *models.Detection) {
	if e.isBlocked(d) {
		e.blocked.Add(1)
		e.metrics.RecordBlocked()
		e.logger.Debug("Blocked detection", zap.String("id", d.ID))
		return
	}

	if !d.IsCompanion() && !d.RegistrationOnly {
		if err := signal.Attach(d); err != nil && !errors.Is(err, models.ErrZeroSignal) {
			e.logger.Debug("Signal source rejected", zap.String("id", d.ID), zap.Error(err))
		}
		previous, _ := e.registry.Get(d.ID)
		if state := e.spoof.DetectSpoof(previous, d, e.sensor); state != nil {
			d.Spoof = state
			if state.Suspected {
				e.spoofed.Add(1)
				e.logger.Warn("Suspected spoofed position",
					zap.String("id", d.ID),
					zap.Strings("reasons", state.Reasons))
			}
		}
	}

	outcome := e.registry.Upsert(d)
	e.countOutcome(outcome)

	switch outcome {
	case registry.Created, registry.Updated:
		cur, ok := e.registry.Get(d.ID)
		if !ok {
			break
		}
		if outcome == registry.Created {
			e.trackSignature(cur)
		}
		ring, _ := e.rings.Update(cur, e.sensor)
		e.store.SaveEncounter(cur, ring)
		if outcome == registry.Created {
			e.registry.EnforceCapacity(e.cfg.Limits)
		}
	case registry.CompanionApplied:
		target, pilot, _ := d.CompanionTarget()
		if pilot {
			e.store.UpdatePilotLocation(target, d.Position)
		} else {
			e.store.UpdateHomeLocation(target, d.Position)
		}
	}

	e.drainEvents(true)
}

// trackSignature notices a new entity broadcasting the identity fields of one
// already tracked, which usually means a rotated id.
func (e *Engine) trackSignature(d *models.Detection) {
	sig := e.signatures.CreateSignature(d)
	if sig.Fingerprint == "" {
		return
	}
	if other, ok := e.fingerprints[sig.Fingerprint]; ok && other != d.ID {
		e.sigMatches.Add(1)
		e.logger.Info("New entity matches tracked signature",
			zap.String("id", d.ID),
			zap.String("matches", other))
	}
	e.fingerprints[sig.Fingerprint] = d.ID
}

func (e *Engine) forgetSignature(id string) {
	for fp, owner := range e.fingerprints {
		if owner == id {
			delete(e.fingerprints, fp)
		}
	}
}

func (e *Engine) countOutcome(o registry.Outcome) {
	v, _ := e.outcomes.LoadOrStore(o.String(), new(atomic.Uint64))
	v.(*atomic.Uint64).Add(1)
}

// drainEvents handles every event the registry emitted during the last
// mutation. Events are forwarded to the publisher only when publish is set.
func (e *Engine) drainEvents(publish bool) {
	for {
		select {
		case ev := <-e.events:
			e.handleEvent(ev, publish)
		default:
			for _, ev := range e.registry.TakeOverflow() {
				e.handleEvent(ev, publish)
			}
			e.updateGauges()
			return
		}
	}
}

func (e *Engine) handleEvent(ev models.Event, publish bool) {
	e.metrics.RecordRegistryEvent(string(ev.Type), ev.Reason)
	if ev.Type == models.EventRemoved {
		e.rings.Remove(ev.Detection.ID)
		e.forgetSignature(ev.Detection.ID)
		e.logger.Debug("Entity removed",
			zap.String("id", ev.Detection.ID),
			zap.String("reason", ev.Reason))
	}
	if publish {
		e.publisher.HandleEvent(ev)
	}
}

func (e *Engine) updateGauges() {
	if e.metrics == nil {
		return
	}
	for _, k := range []models.Kind{models.KindDrone, models.KindAircraft, models.KindFPV} {
		e.metrics.SetEntities(string(k), e.registry.Count(k))
	}
	e.metrics.SetAlertRings(e.rings.Count())
}

// sweep evicts inactive entries and enforces the capacity limits.
func (e *Engine) sweep() {
	inactive := e.registry.EvictInactive(e.now(), e.cfg.InactivityTimeout, e.cfg.Exempt...)
	overflow := e.registry.EnforceCapacity(e.cfg.Limits)
	if len(inactive) > 0 || len(overflow) > 0 {
		e.logger.Info("Sweep removed entities",
			zap.Int("inactive", len(inactive)),
			zap.Int("capacity", len(overflow)))
	}
	e.drainEvents(true)
}

// Sweep runs one eviction pass on the writer loop.
func (e *Engine) Sweep(ctx context.Context) error {
	return e.do(ctx, e.sweep)
}

// Clear removes every entity at the operator's request and returns how many
// there were.
func (e *Engine) Clear(ctx context.Context) (int, error) {
	var n int
	err := e.do(ctx, func() {
		n = e.registry.Clear()
		e.drainEvents(true)
		e.rings.Clear()
		e.fingerprints = make(map[string]string)
		e.updateGauges()
	})
	return n, err
}

// Remove deletes one entity at the operator's request.
func (e *Engine) Remove(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := e.do(ctx, func() {
		ok = e.registry.Remove(id)
		e.drainEvents(true)
	})
	return ok, err
}

// ApplyConfig swaps the runtime limits and rules, then sweeps so new limits
// take effect immediately.
func (e *Engine) ApplyConfig(ctx context.Context, cfg Config) error {
	return e.do(ctx, func() {
		if cfg.SweepInterval <= 0 {
			cfg.SweepInterval = e.cfg.SweepInterval
		}
		if cfg.InactivityTimeout <= 0 {
			cfg.InactivityTimeout = defaultInactivityTimeout
		}
		if !e.sensor.HasFix() || cfg.Sensor != e.cfg.Sensor && cfg.Sensor.HasFix() {
			e.sensor = cfg.Sensor
			e.rings.Recenter(cfg.Sensor)
		}
		e.cfg = cfg
		e.normalizer.SetFrequencyRules(cfg.FrequencyRules)
		e.logger.Info("Applied configuration",
			zap.Duration("inactivity_timeout", cfg.InactivityTimeout),
			zap.Any("limits", cfg.Limits))
		e.sweep()
	})
}

// Restore reloads encounters seen within the inactivity timeout. Restored
// entities are not published.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	var (
		restored int
		loadErr  error
	)
	err := e.do(ctx, func() {
		since := e.now().Add(-e.cfg.InactivityTimeout)
		encounters, err := e.store.GetEncounters(ctx, since)
		if err != nil {
			loadErr = err
			return
		}
		var rings []models.AlertRing
		for _, enc := range encounters {
			if len(enc.Positions) > 0 {
				e.registry.SeedHistory(enc.ID, enc.Positions...)
			}
			if e.isBlocked(&models.Detection{ID: enc.ID, MAC: enc.MAC}) {
				continue
			}
			switch e.registry.Upsert(detectionOf(enc)) {
			case registry.Created, registry.Updated:
				restored++
				if enc.Ring != nil {
					rings = append(rings, *enc.Ring)
				}
			}
		}
		e.rings.Restore(rings)
		e.drainEvents(false)
	})
	if err != nil {
		return 0, err
	}
	if loadErr != nil {
		return 0, loadErr
	}
	e.logger.Info("Restored encounters", zap.Int("count", restored))
	return restored, nil
}

func detectionOf(enc storage.Encounter) *models.Detection {
	d := &models.Detection{
		ID:              enc.ID,
		IDType:          enc.IDType,
		CAARegistration: enc.CAARegistration,
		Manufacturer:    enc.Manufacturer,
		MAC:             enc.MAC,
		Description:     enc.Description,
		Pilot:           enc.Pilot,
		Home:            enc.Home,
		RSSI:            enc.MaxRSSI,
		LastUpdated:     enc.LastSeen,
	}
	if n := len(enc.Positions); n > 0 {
		d.Position = enc.Positions[n-1]
	}
	if enc.Kind == models.KindFPV {
		d.FPV = &models.FPVInfo{}
	}
	return d
}

// Detections returns a snapshot of every entity.
func (e *Engine) Detections() []*models.Detection {
	return e.registry.All()
}

// Detection returns one entity.
func (e *Engine) Detection(id string) (*models.Detection, bool) {
	return e.registry.Get(id)
}

// History returns the recorded fixes of one entity.
func (e *Engine) History(id string) []models.Position {
	return e.registry.History(id)
}

// Rings returns the current alert rings.
func (e *Engine) Rings() []models.AlertRing {
	return e.rings.All()
}

// LastStatus returns the latest sensor status report, nil before the first.
func (e *Engine) LastStatus() *models.StatusMessage {
	return e.lastStatus.Load()
}

// Running reports whether the writer loop is running.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Stats returns engine statistics.
func (e *Engine) Stats() map[string]interface{} {
	outcomes := make(map[string]uint64)
	e.outcomes.Range(func(k, v any) bool {
		outcomes[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	return map[string]interface{}{
		"running":           e.running.Load(),
		"frames_queued":     e.framesQueued.Load(),
		"frames_dropped":    e.framesDropped.Load(),
		"queue_len":         len(e.frames),
		"queue_cap":         cap(e.frames),
		"blocked":           e.blocked.Load(),
		"spoof_suspected":   e.spoofed.Load(),
		"signature_matches": e.sigMatches.Load(),
		"alert_rings":       e.rings.Count(),
		"outcomes":          outcomes,
		"registry":          e.registry.Stats(),
		"normalizer":        e.normalizer.Stats(),
	}
}
