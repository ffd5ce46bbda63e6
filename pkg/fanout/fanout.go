// Package fanout delivers registry events and sensor status to every
// configured sink without letting one sink slow down the others.
package fanout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hervehildenbrand/rid-radar/pkg/metrics"
	"github.com/hervehildenbrand/rid-radar/pkg/models"
	"github.com/hervehildenbrand/rid-radar/pkg/sinks"
)

const (
	defaultTimeout     = 5 * time.Second
	defaultMaxInFlight = 16
	janitorInterval    = time.Minute
	minEntityIdle      = time.Minute
)

// Delivery outcomes
const (
	OutcomeSuccess     = "success"
	OutcomeError       = "error"
	OutcomeRateLimited = "rate_limited"
	OutcomeBusy        = "busy"
)

// Config controls per-sink limiting. Every sink gets its own limiters built
// from the same settings.
type Config struct {
	// Rate is the sustained deliveries per second per sink; 0 disables the global limit.
	Rate  float64
	Burst int
	// EntityInterval is the minimum spacing between updates of one entity to one
	// sink; 0 disables per-entity limiting.
	EntityInterval time.Duration
	// Timeout bounds a single delivery.
	Timeout time.Duration
	// MaxInFlight bounds concurrent deliveries per sink; excess is dropped.
	MaxInFlight int
}

type route struct {
	sink     sinks.Sink
	global   *rate.Limiter // nil when unlimited
	mu       sync.Mutex
	entities *cache.Cache // entity id -> *rate.Limiter
	inflight chan struct{}

	delivered atomic.Uint64
	failed    atomic.Uint64
	limited   atomic.Uint64
	busy      atomic.Uint64
}

// Coordinator fans events out to sinks. Delivery is fire-and-forget: errors
// are logged and counted, never returned to the caller.
type Coordinator struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	cfg     Config
	routes  []*route

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	loopWG sync.WaitGroup
	sendWG sync.WaitGroup

	mu      sync.RWMutex
	running bool
}

// New creates a coordinator for sinks. m may be nil.
func New(logger *zap.Logger, m *metrics.Metrics, cfg Config, targets ...sinks.Sink) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	entityTTL := 10 * cfg.EntityInterval
	if entityTTL < minEntityIdle {
		entityTTL = minEntityIdle
	}

	c := &Coordinator{
		logger:  logger.Named("fanout"),
		metrics: m,
		cfg:     cfg,
		done:    make(chan struct{}),
	}
	for _, s := range targets {
		r := &route{
			sink: s,
			// Expired limiters are swept by the coordinator loop, not a janitor goroutine.
			entities: cache.New(entityTTL, 0),
			inflight: make(chan struct{}, cfg.MaxInFlight),
		}
		if cfg.Rate > 0 {
			r.global = rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst)
		}
		c.routes = append(c.routes, r)
	}
	return c
}

// Start accepts direct Handle calls and consumes events and statuses until
// Stop. Either channel may be nil.
func (c *Coordinator) Start(events <-chan models.Event, statuses <-chan *models.StatusMessage) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	c.loopWG.Add(1)
	go c.loop(events, statuses)

	names := make([]string, len(c.routes))
	for i, r := range c.routes {
		names[i] = r.sink.Name()
	}
	c.logger.Info("Fan-out started", zap.Strings("sinks", names))
}

// Stop stops consuming, waits for in-flight deliveries and closes every sink.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.done)
	c.loopWG.Wait()
	c.sendWG.Wait()
	c.cancel()

	for _, r := range c.routes {
		if err := r.sink.Close(); err != nil {
			c.logger.Warn("Failed to close sink", zap.String("sink", r.sink.Name()), zap.Error(err))
		}
	}
	c.logger.Info("Fan-out stopped")
}

func (c *Coordinator) loop(events <-chan models.Event, statuses <-chan *models.StatusMessage) {
	defer c.loopWG.Done()

	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.HandleEvent(ev)
		case st, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			c.HandleStatus(st)
		case <-ticker.C:
			for _, r := range c.routes {
				r.mu.Lock()
				r.entities.DeleteExpired()
				r.mu.Unlock()
			}
		case <-c.done:
			return
		}
	}
}

// HandleEvent routes one registry event to every sink.
func (c *Coordinator) HandleEvent(ev models.Event) {
	if ev.Detection == nil {
		return
	}
	d := ev.Detection

	switch ev.Type {
	case models.EventCreated, models.EventUpdated:
		for _, r := range c.routes {
			if !c.allow(r, d.ID, true) {
				continue
			}
			c.deliver(r, func(ctx context.Context) error {
				return r.sink.PublishDetection(ctx, d)
			})
		}
	case models.EventRemoved:
		// Aircraft are identified by ICAO address, not an RF signal identity.
		if !d.HasSignalIdentity() {
			return
		}
		for _, r := range c.routes {
			r.mu.Lock()
			r.entities.Delete(d.ID)
			r.mu.Unlock()
			if !c.allow(r, d.ID, false) {
				continue
			}
			c.deliver(r, func(ctx context.Context) error {
				return r.sink.PublishOffline(ctx, d)
			})
		}
	}
}

// HandleStatus sends a sensor status report to every sink.
func (c *Coordinator) HandleStatus(st *models.StatusMessage) {
	if st == nil {
		return
	}
	for _, r := range c.routes {
		if !c.allow(r, "", false) {
			continue
		}
		c.deliver(r, func(ctx context.Context) error {
			return r.sink.Send(ctx, st)
		})
	}
}

// allow applies the per-entity limiter (when perEntity is set) and then the
// global limiter. A denied delivery is counted for that sink only.
func (c *Coordinator) allow(r *route, entityID string, perEntity bool) bool {
	if perEntity && c.cfg.EntityInterval > 0 {
		r.mu.Lock()
		var lim *rate.Limiter
		if v, ok := r.entities.Get(entityID); ok {
			lim = v.(*rate.Limiter)
		} else {
			lim = rate.NewLimiter(rate.Every(c.cfg.EntityInterval), 1)
		}
		r.entities.Set(entityID, lim, cache.DefaultExpiration)
		ok := lim.Allow()
		r.mu.Unlock()
		if !ok {
			c.reject(r, OutcomeRateLimited)
			return false
		}
	}
	if r.global != nil && !r.global.Allow() {
		c.reject(r, OutcomeRateLimited)
		return false
	}
	return true
}

func (c *Coordinator) reject(r *route, outcome string) {
	if outcome == OutcomeBusy {
		r.busy.Add(1)
	} else {
		r.limited.Add(1)
	}
	c.metrics.RecordDelivery(r.sink.Name(), outcome, 0)
}

func (c *Coordinator) deliver(r *route, send func(ctx context.Context) error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.running {
		return
	}

	select {
	case r.inflight <- struct{}{}:
	default:
		c.reject(r, OutcomeBusy)
		return
	}

	parent := c.ctx
	c.sendWG.Add(1)
	go func() {
		defer c.sendWG.Done()
		defer func() { <-r.inflight }()

		ctx, cancel := context.WithTimeout(parent, c.cfg.Timeout)
		defer cancel()

		start := time.Now()
		err := send(ctx)
		elapsed := time.Since(start)
		if err != nil {
			r.failed.Add(1)
			c.metrics.RecordDelivery(r.sink.Name(), OutcomeError, elapsed)
			c.logger.Warn("Sink delivery failed", zap.String("sink", r.sink.Name()), zap.Error(err))
			return
		}
		r.delivered.Add(1)
		c.metrics.RecordDelivery(r.sink.Name(), OutcomeSuccess, elapsed)
	}()
}

// Stats returns per-sink delivery counters keyed by sink name.
func (c *Coordinator) Stats() map[string]interface{} {
	out := make(map[string]interface{}, len(c.routes))
	for _, r := range c.routes {
		r.mu.Lock()
		tracked := r.entities.ItemCount()
		r.mu.Unlock()
		out[r.sink.Name()] = map[string]interface{}{
			"delivered":        r.delivered.Load(),
			"failed":           r.failed.Load(),
			"rate_limited":     r.limited.Load(),
			"busy":             r.busy.Load(),
			"in_flight":        len(r.inflight),
			"tracked_entities": tracked,
		}
	}
	return out
}
