package supervisor

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/hervehildenbrand/rid-radar/pkg/listener"
	"github.com/hervehildenbrand/rid-radar/pkg/metrics"
	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeListener struct {
	frames   chan models.Frame
	done     chan struct{}
	startErr error

	mu      sync.Mutex
	closed  bool
	healthy bool
	err     error
}

func newFakeListener(startErr error, healthy bool) *fakeListener {
	return &fakeListener{
		frames:   make(chan models.Frame, 100),
		done:     make(chan struct{}),
		startErr: startErr,
		healthy:  healthy,
	}
}

func (l *fakeListener) Start(context.Context) error {
	if l.startErr != nil {
		l.Stop()
		return l.startErr
	}
	return nil
}

func (l *fakeListener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.healthy = false
	close(l.frames)
	close(l.done)
}

func (l *fakeListener) Frames() <-chan models.Frame { return l.frames }
func (l *fakeListener) Done() <-chan struct{}       { return l.done }

func (l *fakeListener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *fakeListener) Healthy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.healthy
}

func (l *fakeListener) Stats() map[string]interface{} { return map[string]interface{}{} }

func (l *fakeListener) push(data string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.frames <- models.Frame{Source: models.SourceMulticast, Data: []byte(data), ReceivedAt: time.Now()}
	}
}

func (l *fakeListener) fail(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
	l.Stop()
}

func (l *fakeListener) released() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// fakeFactory hands out listeners built by make, one per call.
type fakeFactory struct {
	mu        sync.Mutex
	listeners []*fakeListener
	make      func(n int) *fakeListener
}

func (f *fakeFactory) New() (listener.Listener, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var l *fakeListener
	if f.make != nil {
		l = f.make(len(f.listeners))
	} else {
		l = newFakeListener(nil, true)
	}
	f.listeners = append(f.listeners, l)
	return l, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

func (f *fakeFactory) get(i int) *fakeListener {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listeners[i]
}

type fakeSink struct {
	mu     sync.Mutex
	frames []string
}

func (s *fakeSink) Submit(frame models.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, string(frame.Data))
	return true
}

func (s *fakeSink) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func newTestSupervisor(cfg Config, f *fakeFactory) (*Supervisor, *fakeSink) {
	sink := &fakeSink{}
	return New(zap.NewNop(), nil, cfg, f.New, sink), sink
}

// transitions drains the state channel.
func transitions(s *Supervisor) []StateChange {
	var out []StateChange
	for {
		select {
		case c := <-s.States():
			out = append(out, c)
		default:
			return out
		}
	}
}

func targets(changes []StateChange) []State {
	out := make([]State, len(changes))
	for i, c := range changes {
		out[i] = c.To
	}
	return out
}

func TestStart_NoopWhenListening(t *testing.T) {
	f := &fakeFactory{}
	s, _ := newTestSupervisor(DefaultConfig(), f)
	defer s.Stop()

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))

	assert.Equal(t, 1, f.count())
	assert.Equal(t, Listening, s.State())
	assert.Equal(t, []State{Starting, Listening}, targets(transitions(s)))
}

func TestStart_ConnectError(t *testing.T) {
	bindErr := &listener.ConnectError{Transport: listener.ModeMulticast, Address: "224.0.0.1:6969", Err: errors.New("address in use")}
	f := &fakeFactory{make: func(int) *fakeListener { return newFakeListener(bindErr, false) }}
	s, _ := newTestSupervisor(DefaultConfig(), f)

	err := s.Start(context.Background())
	var ce *listener.ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, Stopped, s.State())
	assert.ErrorIs(t, s.Err(), bindErr)

	changes := transitions(s)
	require.Len(t, changes, 2)
	assert.Equal(t, Stopped, changes[1].To)
	assert.Equal(t, bindErr, changes[1].Err)
}

func TestStop_ReleasesAndRestarts(t *testing.T) {
	f := &fakeFactory{}
	s, _ := newTestSupervisor(DefaultConfig(), f)

	require.NoError(t, s.Start(context.Background()))
	first := f.get(0)
	s.Stop()
	s.Stop()

	assert.True(t, first.released())
	assert.Equal(t, Stopped, s.State())
	assert.NoError(t, s.Err())

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 2, f.count())
	s.Stop()
	assert.True(t, f.get(1).released())
}

func TestForeground_ForwardsInOrder(t *testing.T) {
	f := &fakeFactory{}
	s, sink := newTestSupervisor(DefaultConfig(), f)
	defer s.Stop()
	require.NoError(t, s.Start(context.Background()))

	for i := 1; i <= 3; i++ {
		f.get(0).push(strconv.Itoa(i))
	}
	require.Eventually(t, func() bool { return len(sink.received()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"1", "2", "3"}, sink.received())
}

func TestForeground_Throttle(t *testing.T) {
	f := &fakeFactory{}
	cfg := DefaultConfig()
	cfg.ForegroundThrottle = time.Hour
	s, sink := newTestSupervisor(cfg, f)
	defer s.Stop()
	require.NoError(t, s.Start(context.Background()))

	for i := 1; i <= 3; i++ {
		f.get(0).push(strconv.Itoa(i))
	}
	require.Eventually(t, func() bool { return s.Stats()["throttled"] == uint64(2) }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"1"}, sink.received())
}

func TestBackground_DropOldestThenDrain(t *testing.T) {
	f := &fakeFactory{}
	cfg := DefaultConfig()
	cfg.BackgroundBuffer = 3
	cfg.BackgroundInterval = time.Hour
	cfg.DrainDelay = time.Millisecond

	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	sink := &fakeSink{}
	s := New(zap.NewNop(), m, cfg, f.New, sink)
	defer s.Stop()
	require.NoError(t, s.Start(context.Background()))

	s.SetBackground(true)
	assert.True(t, s.Background())
	for i := 1; i <= 5; i++ {
		f.get(0).push(strconv.Itoa(i))
	}
	require.Eventually(t, func() bool { return s.Stats()["overflowed"] == uint64(2) }, time.Second, time.Millisecond)
	assert.Equal(t, 3, s.Buffered())
	assert.Empty(t, sink.received())
	assert.Equal(t, float64(3), testutil.ToFloat64(m.BufferedFrames))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.FramesDropped.WithLabelValues(models.SourceMulticast, "buffer_full")))

	s.SetBackground(false)
	require.Eventually(t, func() bool { return len(sink.received()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"3", "4", "5"}, sink.received())
	assert.Equal(t, 0, s.Buffered())

	// Back in the foreground, frames go straight through.
	f.get(0).push("6")
	require.Eventually(t, func() bool { return len(sink.received()) == 4 }, time.Second, time.Millisecond)
}

func TestBackground_DrainCadence(t *testing.T) {
	f := &fakeFactory{}
	cfg := DefaultConfig()
	cfg.BackgroundInterval = 20 * time.Millisecond
	s, sink := newTestSupervisor(cfg, f)
	defer s.Stop()
	require.NoError(t, s.Start(context.Background()))

	s.SetBackground(true)
	f.get(0).push("a")
	f.get(0).push("b")

	require.Eventually(t, func() bool { return len(sink.received()) == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, s.Background())
}

func TestBackground_DrainWhileStopped(t *testing.T) {
	f := &fakeFactory{}
	cfg := DefaultConfig()
	cfg.BackgroundInterval = time.Hour
	s, sink := newTestSupervisor(cfg, f)

	require.NoError(t, s.Start(context.Background()))
	s.SetBackground(true)
	f.get(0).push("a")
	require.Eventually(t, func() bool { return s.Buffered() == 1 }, time.Second, time.Millisecond)
	s.Stop()

	s.SetBackground(false)
	assert.Equal(t, []string{"a"}, sink.received())
}

func TestTransportFailureStops(t *testing.T) {
	f := &fakeFactory{}
	s, _ := newTestSupervisor(DefaultConfig(), f)
	defer s.Stop()
	require.NoError(t, s.Start(context.Background()))
	transitions(s)

	readErr := errors.New("connection reset")
	f.get(0).fail(readErr)

	require.Eventually(t, func() bool { return s.State() == Stopped }, time.Second, time.Millisecond)
	assert.Equal(t, readErr, s.Err())
	changes := transitions(s)
	require.Len(t, changes, 1)
	assert.Equal(t, Listening, changes[0].From)
	assert.Equal(t, readErr, changes[0].Err)

	// No retry.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.count())
}

func TestLiveness_ReconnectsOnce(t *testing.T) {
	f := &fakeFactory{make: func(n int) *fakeListener {
		// The first listener never becomes healthy.
		return newFakeListener(nil, n > 0)
	}}
	cfg := DefaultConfig()
	cfg.HealthInterval = 10 * time.Millisecond
	s, sink := newTestSupervisor(cfg, f)
	defer s.Stop()
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return f.count() == 2 && s.State() == Listening }, time.Second, time.Millisecond)
	assert.True(t, f.get(0).released())
	assert.Equal(t, uint64(1), s.Stats()["reconnects"])
	assert.Contains(t, targets(transitions(s)), Reconnecting)

	// Frames flow from the new listener.
	f.get(1).push("x")
	require.Eventually(t, func() bool { return len(sink.received()) == 1 }, time.Second, time.Millisecond)
}

func TestLiveness_ReconnectFailureStops(t *testing.T) {
	bindErr := errors.New("bind failed")
	f := &fakeFactory{make: func(n int) *fakeListener {
		if n == 0 {
			return newFakeListener(nil, false)
		}
		return newFakeListener(bindErr, false)
	}}
	cfg := DefaultConfig()
	cfg.HealthInterval = 10 * time.Millisecond
	s, _ := newTestSupervisor(cfg, f)
	defer s.Stop()
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return s.State() == Stopped }, time.Second, time.Millisecond)
	assert.Equal(t, bindErr, s.Err())
	assert.Equal(t, 2, f.count())
}

func TestStateMetrics(t *testing.T) {
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	f := &fakeFactory{}
	s := New(zap.NewNop(), m, DefaultConfig(), f.New, &fakeSink{})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SupervisorState.WithLabelValues(string(Stopped))))
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SupervisorState.WithLabelValues(string(Listening))))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.SupervisorState.WithLabelValues(string(Stopped))))
	s.Stop()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SupervisorState.WithLabelValues(string(Stopped))))
}

func TestForeground_BufferedFramesGoFirst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DrainDelay = 0
	s, sink := newTestSupervisor(cfg, &fakeFactory{})

	s.mu.Lock()
	s.background = true
	s.mu.Unlock()
	s.handle(models.Frame{Data: []byte("1")}, nil)
	s.handle(models.Frame{Data: []byte("2")}, nil)

	// Back in the foreground before the wake-up drain has run.
	s.mu.Lock()
	s.background = false
	s.mu.Unlock()
	s.handle(models.Frame{Data: []byte("3")}, nil)

	assert.Equal(t, []string{"1", "2", "3"}, sink.received())
	assert.Zero(t, s.Buffered())
}
