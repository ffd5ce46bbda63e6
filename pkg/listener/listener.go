// Package listener receives raw sensor frames over UDP multicast or ZMQ.
//
// A listener is single-use: Start binds once, Stop releases the sockets and
// Done is closed after the last socket is gone. The supervisor creates a new
// listener for every (re)start.
package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hervehildenbrand/rid-radar/pkg/metrics"
	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

// Transport modes
const (
	ModeMulticast = "multicast"
	ModeZMQ       = "zmq"
)

// Defaults
const (
	DefaultMulticastGroup = "224.0.0.1"
	DefaultMulticastPort  = 6969
	DefaultZMQHost        = "127.0.0.1"
	DefaultTelemetryPort  = 4224
	DefaultStatusPort     = 4225
	DefaultBufferSize     = 1000

	maxDatagram = 65535
)

// ErrAlreadyStarted is returned when Start is called on a used listener.
var ErrAlreadyStarted = errors.New("listener already started")

// ConnectError reports a bind, join or connect failure. It is never retried
// by the listener itself.
type ConnectError struct {
	Transport string
	Address   string
	Err       error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s connect %s: %v", e.Transport, e.Address, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Listener is a source of raw frames.
type Listener interface {
	// Start binds the sockets and begins reading. It returns a *ConnectError on
	// bind or connect failure.
	Start(ctx context.Context) error
	// Stop cancels in-flight reads. It is idempotent and does not block.
	Stop()
	// Frames delivers received frames. It is closed once reading has ended.
	Frames() <-chan models.Frame
	// Done is closed after every socket has been released.
	Done() <-chan struct{}
	// Err returns the terminal read error, nil after a clean stop.
	Err() error
	// Healthy reports whether the listener is reading without error.
	Healthy() bool
	Stats() map[string]interface{}
}

// Config selects and configures the transport.
type Config struct {
	Mode string

	MulticastGroup string
	MulticastPort  int
	Interface      string // empty joins on every multicast-capable interface

	ZMQHost       string
	TelemetryPort int
	StatusPort    int

	BufferSize int
}

// DefaultConfig returns the sensor's stock endpoints in multicast mode.
func DefaultConfig() Config {
	return Config{
		Mode:           ModeMulticast,
		MulticastGroup: DefaultMulticastGroup,
		MulticastPort:  DefaultMulticastPort,
		ZMQHost:        DefaultZMQHost,
		TelemetryPort:  DefaultTelemetryPort,
		StatusPort:     DefaultStatusPort,
		BufferSize:     DefaultBufferSize,
	}
}

// New builds an unstarted listener for cfg.Mode. m may be nil.
func New(logger *zap.Logger, m *metrics.Metrics, cfg Config) (Listener, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	switch cfg.Mode {
	case ModeMulticast, "":
		return NewMulticast(logger, m, cfg), nil
	case ModeZMQ:
		return NewZMQ(logger, m, cfg), nil
	default:
		return nil, fmt.Errorf("unknown transport mode %q", cfg.Mode)
	}
}

// Factory returns a constructor the supervisor calls on every start.
func Factory(logger *zap.Logger, m *metrics.Metrics, cfg Config) func() (Listener, error) {
	return func() (Listener, error) {
		return New(logger, m, cfg)
	}
}

// base holds the lifecycle and frame plumbing shared by both transports.
type base struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	frames chan models.Frame
	done   chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc // guarded by mu

	running  atomic.Bool
	stopOnce sync.Once
	mu       sync.Mutex
	started  bool
	err      error

	// Stats
	received  atomic.Uint64
	dropped   atomic.Uint64
	lastFrame atomic.Int64
}

func newBase(logger *zap.Logger, m *metrics.Metrics, bufferSize int) base {
	return base{
		logger:  logger,
		metrics: m,
		frames:  make(chan models.Frame, bufferSize),
		done:    make(chan struct{}),
	}
}

func (b *base) Frames() <-chan models.Frame { return b.frames }
func (b *base) Done() <-chan struct{}       { return b.done }

func (b *base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *base) Healthy() bool {
	return b.running.Load() && b.Err() == nil
}

// begin derives the read context. It fails when the listener was used before.
func (b *base) begin(ctx context.Context) (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil, ErrAlreadyStarted
	}
	b.started = true
	ctx, b.cancel = context.WithCancel(ctx)
	return ctx, nil
}

// abort releases a listener whose Start failed.
func (b *base) abort() {
	b.cancel()
	b.stopOnce.Do(func() {
		close(b.frames)
		close(b.done)
	})
}

// run marks the listener running and closes Frames and Done once every
// reader has returned and release has run.
func (b *base) run(release func()) {
	b.running.Store(true)
	go func() {
		b.wg.Wait()
		b.running.Store(false)
		release()
		b.stopOnce.Do(func() {
			close(b.frames)
			close(b.done)
		})
	}()
}

func (b *base) Stop() {
	b.mu.Lock()
	if b.started {
		// run's goroutine closes Done once the readers return.
		if b.cancel != nil {
			b.cancel()
		}
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	// Never started: nothing to release.
	b.stopOnce.Do(func() {
		close(b.frames)
		close(b.done)
	})
}

// fail records the first terminal read error and stops every reader.
func (b *base) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
	}
	b.cancel()
}

// emit copies data out of the read buffer and hands it on without blocking.
func (b *base) emit(source string, data []byte) {
	frame := models.Frame{
		Source:     source,
		Data:       append([]byte(nil), data...),
		ReceivedAt: time.Now(),
	}
	b.received.Add(1)
	b.lastFrame.Store(frame.ReceivedAt.UnixNano())
	b.metrics.RecordFrame(source)

	select {
	case b.frames <- frame:
	default:
		// Channel full, drop
		if n := b.dropped.Add(1); n%1000 == 1 {
			b.logger.Warn("Frame channel full, dropping frames", zap.Uint64("dropped", n))
		}
		b.metrics.RecordDroppedFrame(source, "channel_full")
	}
}

func (b *base) stats() map[string]interface{} {
	var last time.Time
	if ns := b.lastFrame.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return map[string]interface{}{
		"running":     b.running.Load(),
		"received":    b.received.Load(),
		"dropped":     b.dropped.Load(),
		"channel_len": len(b.frames),
		"channel_cap": cap(b.frames),
		"last_frame":  last,
	}
}
