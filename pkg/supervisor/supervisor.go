// Package supervisor owns the transport listener's lifecycle: start and stop,
// foreground and background delivery, and the periodic liveness check.
package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hervehildenbrand/rid-radar/pkg/listener"
	"github.com/hervehildenbrand/rid-radar/pkg/metrics"
	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

// State is the listener lifecycle state.
type State string

const (
	Stopped      State = "stopped"
	Starting     State = "starting"
	Listening    State = "listening"
	Reconnecting State = "reconnecting"
)

// AllStates lists every state, for metrics.
var AllStates = []string{string(Stopped), string(Starting), string(Listening), string(Reconnecting)}

// Defaults
const (
	DefaultBackgroundBuffer   = 50
	DefaultBackgroundInterval = 5 * time.Second
	DefaultDrainDelay         = 10 * time.Millisecond
	DefaultHealthInterval     = 10 * time.Second
	stateBufferSize           = 32
)

// StateChange is published on every transition. Err is set when a transport
// failure caused the transition.
type StateChange struct {
	From State
	To   State
	Err  error
	At   time.Time
}

// FrameSink consumes frames. *engine.Engine implements it.
type FrameSink interface {
	Submit(frame models.Frame) bool
}

// Config tunes delivery and liveness.
type Config struct {
	// BackgroundBuffer is the drop-oldest ring size while backgrounded.
	BackgroundBuffer int
	// BackgroundInterval is how often the ring is drained while backgrounded.
	BackgroundInterval time.Duration
	// DrainDelay spaces out buffered frames when returning to the foreground.
	DrainDelay time.Duration
	// ForegroundThrottle drops frames arriving within this interval of the
	// previous one. Zero processes every frame.
	ForegroundThrottle time.Duration
	// HealthInterval is the liveness check period while listening.
	HealthInterval time.Duration
	// StaleAfter reconnects when no frame arrived for this long. Zero disables.
	StaleAfter time.Duration
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		BackgroundBuffer:   DefaultBackgroundBuffer,
		BackgroundInterval: DefaultBackgroundInterval,
		DrainDelay:         DefaultDrainDelay,
		HealthInterval:     DefaultHealthInterval,
	}
}

// session is one listener and the goroutine forwarding its frames.
type session struct {
	listener listener.Listener
	quit     chan struct{}
	done     chan struct{}
}

// Supervisor drives one listener at a time.
type Supervisor struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	cfg     Config
	factory func() (listener.Listener, error)
	sink    FrameSink

	states chan StateChange
	wake   chan struct{}

	mu         sync.Mutex
	startMu    sync.Mutex
	state      State
	lastErr    error
	current    *session
	background bool
	ring       []models.Frame
	lastFrame  time.Time

	// Stats
	forwarded  uint64
	throttled  uint64
	overflowed uint64
	reconnects uint64
}

// New creates a stopped supervisor. factory is called for every (re)start.
func New(logger *zap.Logger, m *metrics.Metrics, cfg Config, factory func() (listener.Listener, error), sink FrameSink) *Supervisor {
	if cfg.BackgroundBuffer <= 0 {
		cfg.BackgroundBuffer = DefaultBackgroundBuffer
	}
	if cfg.BackgroundInterval <= 0 {
		cfg.BackgroundInterval = DefaultBackgroundInterval
	}
	if cfg.DrainDelay < 0 {
		cfg.DrainDelay = 0
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	s := &Supervisor{
		logger:  logger.Named("supervisor"),
		metrics: m,
		cfg:     cfg,
		factory: factory,
		sink:    sink,
		states:  make(chan StateChange, stateBufferSize),
		wake:    make(chan struct{}, 1),
		state:   Stopped,
	}
	m.SetSupervisorState(string(Stopped), AllStates)
	return s
}

// States delivers state transitions. Slow readers miss transitions rather
// than stalling the supervisor.
func (s *Supervisor) States() <-chan StateChange {
	return s.states
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error of the last failed transition, nil otherwise.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// setStateLocked records a transition. Callers hold s.mu.
func (s *Supervisor) setStateLocked(to State, err error) {
	from := s.state
	if from == to && err == nil {
		return
	}
	s.state = to
	s.lastErr = err
	s.metrics.SetSupervisorState(string(to), AllStates)

	fields := []zap.Field{zap.String("from", string(from)), zap.String("to", string(to))}
	if err != nil {
		s.logger.Warn("Listener state changed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Info("Listener state changed", fields...)
	}

	select {
	case s.states <- StateChange{From: from, To: to, Err: err, At: time.Now()}:
	default:
	}
}

func (s *Supervisor) setState(to State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(to, err)
}

// Start binds a new listener. It is a no-op while listening, reconnecting or
// already starting. A previous listener is torn down and its sockets released
// before the new one binds. Bind failures leave the supervisor Stopped and are
// returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case Listening, Reconnecting, Starting:
		s.mu.Unlock()
		return nil
	}
	prev := s.current
	s.current = nil
	s.setStateLocked(Starting, nil)
	s.mu.Unlock()

	if prev != nil {
		s.teardown(prev)
	}

	l, err := s.bind(ctx)
	if err != nil {
		s.setState(Stopped, err)
		return err
	}

	sess := &session{listener: l, quit: make(chan struct{}), done: make(chan struct{})}
	s.mu.Lock()
	s.current = sess
	s.setStateLocked(Listening, nil)
	s.mu.Unlock()

	go s.run(sess)
	return nil
}

func (s *Supervisor) bind(ctx context.Context) (listener.Listener, error) {
	l, err := s.factory()
	if err != nil {
		return nil, err
	}
	if err := l.Start(ctx); err != nil {
		<-l.Done()
		return nil, err
	}
	return l, nil
}

// teardown stops a session and waits until its sockets are released.
func (s *Supervisor) teardown(sess *session) {
	close(sess.quit)
	<-sess.done
}

// Stop releases the listener. It is idempotent and blocks until the sockets
// are released.
func (s *Supervisor) Stop() {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	sess := s.current
	s.current = nil
	s.mu.Unlock()

	if sess != nil {
		s.teardown(sess)
	}

	s.mu.Lock()
	if s.state != Stopped {
		s.setStateLocked(Stopped, nil)
	}
	s.mu.Unlock()
}

// SetBackground switches between direct delivery and buffered delivery.
// Returning to the foreground drains the buffer before new frames.
func (s *Supervisor) SetBackground(background bool) {
	s.mu.Lock()
	if s.background == background {
		s.mu.Unlock()
		return
	}
	s.background = background
	active := s.current != nil
	s.mu.Unlock()

	s.logger.Info("Delivery mode changed", zap.Bool("background", background))
	if background {
		return
	}
	if active {
		select {
		case s.wake <- struct{}{}:
		default:
		}
		return
	}
	s.drain(s.cfg.DrainDelay, nil)
}

// Background reports whether frames are being buffered.
func (s *Supervisor) Background() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.background
}

// run forwards one listener's frames until it ends or is torn down.
func (s *Supervisor) run(sess *session) {
	defer close(sess.done)

	health := time.NewTicker(s.cfg.HealthInterval)
	defer health.Stop()
	drainTicker := time.NewTicker(s.cfg.BackgroundInterval)
	defer drainTicker.Stop()

	l := sess.listener
	frames := l.Frames()
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				s.ended(sess, l)
				return
			}
			s.handle(frame, sess.quit)
		case <-s.wake:
			if !s.Background() {
				s.drain(s.cfg.DrainDelay, sess.quit)
			}
		case <-drainTicker.C:
			if s.Background() {
				s.drain(0, sess.quit)
			}
		case <-health.C:
			next, ok := s.checkLiveness(sess, l)
			if !ok {
				return
			}
			if next != l {
				l = next
				frames = l.Frames()
			}
		case <-sess.quit:
			l.Stop()
			<-l.Done()
			return
		}
	}
}

// ended handles a listener whose frame channel closed on its own.
func (s *Supervisor) ended(sess *session, l listener.Listener) {
	<-l.Done()
	err := l.Err()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != sess {
		return
	}
	s.current = nil
	s.setStateLocked(Stopped, err)
}

// checkLiveness reconnects once when the listener is alive but not healthy or
// has gone quiet. A terminal read error stops the supervisor instead. It
// returns the listener to continue with and false when the session is over.
func (s *Supervisor) checkLiveness(sess *session, l listener.Listener) (listener.Listener, bool) {
	if err := l.Err(); err != nil {
		l.Stop()
		s.ended(sess, l)
		return nil, false
	}

	stale := false
	if s.cfg.StaleAfter > 0 {
		s.mu.Lock()
		stale = !s.lastFrame.IsZero() && time.Since(s.lastFrame) > s.cfg.StaleAfter
		s.mu.Unlock()
	}
	if l.Healthy() && !stale {
		return l, true
	}

	s.mu.Lock()
	if s.current != sess {
		s.mu.Unlock()
		return l, true
	}
	s.reconnects++
	s.lastFrame = time.Time{}
	s.setStateLocked(Reconnecting, nil)
	s.mu.Unlock()

	s.logger.Warn("Listener unhealthy, reconnecting", zap.Bool("stale", stale), zap.Any("stats", l.Stats()))
	l.Stop()
	<-l.Done()

	next, err := s.bind(context.Background())
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.current == sess {
			s.current = nil
			s.setStateLocked(Stopped, err)
		}
		return nil, false
	}
	if s.current != sess {
		// Stopped while reconnecting.
		next.Stop()
		<-next.Done()
		return nil, false
	}
	sess.listener = next
	s.setStateLocked(Listening, nil)
	return next, true
}

// handle routes one frame according to the delivery mode. In the foreground
// any frames still buffered are delivered first.
func (s *Supervisor) handle(frame models.Frame, quit <-chan struct{}) {
	s.mu.Lock()
	pending := !s.background && len(s.ring) > 0
	s.mu.Unlock()
	if pending {
		s.drain(s.cfg.DrainDelay, quit)
	}

	now := time.Now()
	s.mu.Lock()
	if s.background {
		if len(s.ring) >= s.cfg.BackgroundBuffer {
			// Drop oldest
			s.ring = append(s.ring[:0], s.ring[1:]...)
			s.overflowed++
			s.metrics.RecordDroppedFrame(frame.Source, "buffer_full")
		}
		s.ring = append(s.ring, frame)
		s.lastFrame = now
		s.metrics.SetBufferedFrames(len(s.ring))
		s.mu.Unlock()
		return
	}
	if s.cfg.ForegroundThrottle > 0 && !s.lastFrame.IsZero() && now.Sub(s.lastFrame) < s.cfg.ForegroundThrottle {
		s.throttled++
		s.mu.Unlock()
		s.metrics.RecordDroppedFrame(frame.Source, "throttled")
		return
	}
	s.lastFrame = now
	s.forwarded++
	s.mu.Unlock()

	s.sink.Submit(frame)
}

// drain submits buffered frames oldest first, pausing delay between them.
// It stops early when quit closes.
func (s *Supervisor) drain(delay time.Duration, quit <-chan struct{}) {
	n := 0
	for {
		s.mu.Lock()
		if len(s.ring) == 0 {
			s.metrics.SetBufferedFrames(0)
			s.mu.Unlock()
			break
		}
		frame := s.ring[0]
		s.ring = s.ring[1:]
		s.forwarded++
		s.mu.Unlock()

		s.sink.Submit(frame)
		n++

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-quit:
				return
			}
		}
	}
	if n > 0 {
		s.logger.Debug("Drained buffered frames", zap.Int("count", n))
	}
}

// Buffered returns how many frames wait in the background ring.
func (s *Supervisor) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ring)
}

// Stats returns supervisor statistics.
func (s *Supervisor) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := map[string]interface{}{
		"state":      string(s.state),
		"background": s.background,
		"buffered":   len(s.ring),
		"forwarded":  s.forwarded,
		"throttled":  s.throttled,
		"overflowed": s.overflowed,
		"reconnects": s.reconnects,
	}
	if s.lastErr != nil {
		stats["last_error"] = s.lastErr.Error()
	}
	if s.current != nil {
		stats["listener"] = s.current.listener.Stats()
	}
	return stats
}
