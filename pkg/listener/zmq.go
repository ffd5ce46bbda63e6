package listener

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"

	"github.com/hervehildenbrand/rid-radar/pkg/metrics"
	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

// ZMQ subscribes to the sensor's telemetry and status publishers.
type ZMQ struct {
	base
	cfg Config
}

// NewZMQ creates an unstarted ZMQ listener.
func NewZMQ(logger *zap.Logger, m *metrics.Metrics, cfg Config) *ZMQ {
	if cfg.ZMQHost == "" {
		cfg.ZMQHost = DefaultZMQHost
	}
	if cfg.TelemetryPort == 0 {
		cfg.TelemetryPort = DefaultTelemetryPort
	}
	if cfg.StatusPort == 0 {
		cfg.StatusPort = DefaultStatusPort
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	return &ZMQ{
		base: newBase(logger.Named("zmq"), m, cfg.BufferSize),
		cfg:  cfg,
	}
}

func (l *ZMQ) endpoint(port int) string {
	return "tcp://" + net.JoinHostPort(l.cfg.ZMQHost, strconv.Itoa(port))
}

// Start connects both SUB sockets and begins reading.
func (l *ZMQ) Start(ctx context.Context) error {
	ctx, err := l.begin(ctx)
	if err != nil {
		return err
	}

	feeds := []struct {
		source string
		port   int
	}{
		{models.SourceTelemetry, l.cfg.TelemetryPort},
		{models.SourceStatus, l.cfg.StatusPort},
	}

	sockets := make([]zmq4.Socket, 0, len(feeds))
	closeAll := func() {
		for _, s := range sockets {
			s.Close()
		}
	}

	for _, f := range feeds {
		ep := l.endpoint(f.port)
		sock := zmq4.NewSub(ctx)
		if err := sock.Dial(ep); err != nil {
			sock.Close()
			closeAll()
			l.abort()
			return &ConnectError{Transport: ModeZMQ, Address: ep, Err: err}
		}
		if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
			sock.Close()
			closeAll()
			l.abort()
			return &ConnectError{Transport: ModeZMQ, Address: ep, Err: fmt.Errorf("subscribe: %w", err)}
		}
		sockets = append(sockets, sock)
		l.logger.Info("Subscribed", zap.String("endpoint", ep), zap.String("source", f.source))
	}

	for i, f := range feeds {
		l.wg.Add(1)
		go l.readLoop(ctx, sockets[i], f.source)
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		<-ctx.Done()
		// Unblocks Recv.
		closeAll()
	}()

	l.run(func() {
		l.logger.Info("ZMQ sockets closed")
	})
	return nil
}

func (l *ZMQ) readLoop(ctx context.Context, sock zmq4.Socket, source string) {
	defer l.wg.Done()

	for {
		msg, err := sock.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Error("ZMQ receive failed", zap.String("source", source), zap.Error(err))
			l.fail(err)
			return
		}
		payload := splitTopic(msg.Frames)
		if len(payload) == 0 {
			continue
		}
		l.emit(source, payload)
	}
}

// splitTopic returns the body of a published message. Multi-part messages
// carry it in the last frame; single-part messages may prefix it with a bare
// "topic " token. JSON and CoT XML bodies are returned unchanged.
func splitTopic(frames [][]byte) []byte {
	if len(frames) == 0 {
		return nil
	}
	body := frames[len(frames)-1]
	if len(frames) > 1 {
		return body
	}
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 || isBodyStart(trimmed[0]) {
		return body
	}
	i := bytes.IndexByte(trimmed, ' ')
	if i <= 0 || bytes.ContainsAny(trimmed[:i], "{[<") {
		return body
	}
	rest := bytes.TrimLeft(trimmed[i+1:], " ")
	if len(rest) > 0 && isBodyStart(rest[0]) {
		return rest
	}
	return body
}

func isBodyStart(c byte) bool {
	return c == '{' || c == '[' || c == '<'
}

// Stats returns listener statistics.
func (l *ZMQ) Stats() map[string]interface{} {
	stats := l.stats()
	stats["mode"] = ModeZMQ
	stats["telemetry"] = l.endpoint(l.cfg.TelemetryPort)
	stats["status"] = l.endpoint(l.cfg.StatusPort)
	return stats
}
