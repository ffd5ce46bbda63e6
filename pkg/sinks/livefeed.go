package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

const (
	feedSendBuffer   = 64
	feedPingInterval = 30 * time.Second
	feedWriteTimeout = 10 * time.Second
)

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *feedClient) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// LiveFeed is a WebSocket hub that pushes every message to connected
// browsers. A slow client loses messages rather than slowing the others.
type LiveFeed struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	mu      sync.Mutex
	clients map[*feedClient]struct{}
	closed  bool
	wg      sync.WaitGroup

	// Stats
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewLiveFeed creates an empty hub.
func NewLiveFeed(logger *zap.Logger) *LiveFeed {
	return &LiveFeed{
		logger: logger.Named("livefeed"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now:     time.Now,
		clients: make(map[*feedClient]struct{}),
	}
}

// ServeHTTP upgrades the request and streams messages until the client leaves.
func (f *LiveFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &feedClient{conn: conn, send: make(chan []byte, feedSendBuffer)}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.Close()
		return
	}
	f.clients[c] = struct{}{}
	f.wg.Add(2)
	f.mu.Unlock()

	f.logger.Debug("Live feed client connected", zap.String("remote", r.RemoteAddr))
	go f.writeLoop(c)
	go f.readLoop(c)
}

// readLoop discards client input and unregisters the client when it goes away.
func (f *LiveFeed) readLoop(c *feedClient) {
	defer f.wg.Done()
	defer f.unregister(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *LiveFeed) writeLoop(c *feedClient) {
	defer f.wg.Done()
	defer c.conn.Close()

	ticker := time.NewTicker(feedPingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			f.sent.Add(1)
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *LiveFeed) unregister(c *feedClient) {
	f.mu.Lock()
	delete(f.clients, c)
	f.mu.Unlock()
	c.close()
}

func (f *LiveFeed) broadcast(msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("livefeed: marshal: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.send <- payload:
		default:
			f.dropped.Add(1)
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (f *LiveFeed) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *LiveFeed) Name() string { return "livefeed" }

func (f *LiveFeed) PublishDetection(_ context.Context, d *models.Detection) error {
	return f.broadcast(DetectionMessage(d, f.now()))
}

func (f *LiveFeed) PublishOffline(_ context.Context, d *models.Detection) error {
	return f.broadcast(OfflineMessage(d, f.now()))
}

func (f *LiveFeed) Send(_ context.Context, st *models.StatusMessage) error {
	return f.broadcast(StatusMessage(st, f.now()))
}

// Close disconnects every client and waits for their goroutines.
func (f *LiveFeed) Close() error {
	f.mu.Lock()
	f.closed = true
	for c := range f.clients {
		delete(f.clients, c)
		c.close()
		// Unblock the read loop.
		c.conn.SetReadDeadline(time.Now())
	}
	f.mu.Unlock()
	f.wg.Wait()
	return nil
}

// Stats returns hub statistics.
func (f *LiveFeed) Stats() map[string]interface{} {
	return map[string]interface{}{
		"clients": f.Clients(),
		"sent":    f.sent.Load(),
		"dropped": f.dropped.Load(),
	}
}
