package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

// doneToken is an already-completed MQTT token.
type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

// pendingToken never completes.
type pendingToken struct{}

func (pendingToken) Wait() bool                     { return false }
func (pendingToken) WaitTimeout(time.Duration) bool { return false }
func (pendingToken) Done() <-chan struct{}          { return make(chan struct{}) }
func (pendingToken) Error() error                   { return nil }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu           sync.Mutex
	messages     []published
	token        mqtt.Token
	disconnected bool
}

func (p *fakePublisher) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, published{topic: topic, retained: retained, payload: payload.([]byte)})
	if p.token != nil {
		return p.token
	}
	return doneToken{}
}

func (p *fakePublisher) Disconnect(uint) { p.disconnected = true }

func TestMQTTSink_Topics(t *testing.T) {
	pub := &fakePublisher{}
	sink := newMQTTSink(zap.NewNop(), pub, MQTTConfig{BaseTopic: "wardragon/", Retain: true})
	sink.now = func() time.Time { return now }
	ctx := context.Background()

	d := sampleDrone()
	require.NoError(t, sink.PublishDetection(ctx, d))
	require.NoError(t, sink.PublishOffline(ctx, d))
	require.NoError(t, sink.Send(ctx, &models.StatusMessage{SerialNumber: "wd-1"}))

	require.Len(t, pub.messages, 3)
	assert.Equal(t, "wardragon/drones/"+d.ID, pub.messages[0].topic)
	assert.True(t, pub.messages[0].retained)
	assert.Equal(t, "wardragon/offline/"+d.ID, pub.messages[1].topic)
	assert.False(t, pub.messages[1].retained)
	assert.Equal(t, "wardragon/system/wd-1", pub.messages[2].topic)

	var msg Message
	require.NoError(t, json.Unmarshal(pub.messages[1].payload, &msg))
	assert.Equal(t, TypeOffline, msg.Type)
	assert.Equal(t, d.MAC, msg.Identity)
	assert.Equal(t, models.KindDrone, msg.Kind)

	require.NoError(t, sink.Close())
	assert.True(t, pub.disconnected)
}

func TestMQTTSink_Errors(t *testing.T) {
	pub := &fakePublisher{token: doneToken{err: errors.New("not connected")}}
	sink := newMQTTSink(zap.NewNop(), pub, MQTTConfig{})
	err := sink.PublishDetection(context.Background(), sampleDrone())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rid-radar/drones/")

	pub.token = pendingToken{}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = sink.PublishDetection(ctx, sampleDrone())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisSink(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub := client.Subscribe(ctx, RedisChannelDetections)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	sink := NewRedisSink(client, 0)
	d := sampleDrone()
	require.NoError(t, sink.PublishDetection(ctx, d))

	assert.True(t, mr.Exists(EntityKey(d.ID)))
	assert.Equal(t, models.ActivityWindow, mr.TTL(EntityKey(d.ID)))

	select {
	case m := <-sub.Channel():
		var msg Message
		require.NoError(t, json.Unmarshal([]byte(m.Payload), &msg))
		assert.Equal(t, TypeDetection, msg.Type)
		require.NotNil(t, msg.Detection)
		assert.Equal(t, d.ID, msg.Detection.ID)
	case <-ctx.Done():
		t.Fatal("no pub/sub message received")
	}

	require.NoError(t, sink.PublishOffline(ctx, d))
	assert.False(t, mr.Exists(EntityKey(d.ID)))

	require.NoError(t, sink.Send(ctx, &models.StatusMessage{SerialNumber: "wd-1"}))
	assert.True(t, mr.Exists(SensorKey("wd-1")))
}

func TestRedisSink_ServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	sink := NewRedisSink(client, time.Minute)
	assert.Error(t, sink.PublishDetection(context.Background(), sampleDrone()))
}

func TestWebhookSink(t *testing.T) {
	var mu sync.Mutex
	var got []Message
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, msg)
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(WebhookConfig{URL: srv.URL, Token: "secret"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.PublishDetection(ctx, sampleDrone()))
	require.NoError(t, sink.Send(ctx, &models.StatusMessage{SerialNumber: "wd-1"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, TypeDetection, got[0].Type)
	assert.Equal(t, TypeStatus, got[1].Type)
	assert.Equal(t, "wd-1", got[1].Identity)
	assert.Equal(t, "Bearer secret", auth)
}

func TestWebhookSink_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(WebhookConfig{URL: srv.URL})
	require.NoError(t, err)
	err = sink.PublishOffline(context.Background(), sampleDrone())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")

	_, err = NewWebhookSink(WebhookConfig{})
	assert.Error(t, err)
}

func TestLatticeSink(t *testing.T) {
	var mu sync.Mutex
	var entities []LatticeEntity
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != latticeEntityPath {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var e LatticeEntity
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		entities = append(entities, e)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := NewLatticeSink(LatticeConfig{BaseURL: srv.URL + "/", Token: "t"})
	require.NoError(t, err)
	sink.now = func() time.Time { return now }

	ctx := context.Background()
	fpv := &models.Detection{
		ID:          "fpv-01-97e8-5800",
		RSSI:        1500,
		FPV:         &models.FPVInfo{Frequency: 5800},
		LastUpdated: now,
	}
	require.NoError(t, sink.PublishDetection(ctx, sampleDrone()))
	require.NoError(t, sink.PublishDetection(ctx, fpv))
	require.NoError(t, sink.PublishOffline(ctx, sampleDrone()))
	require.NoError(t, sink.Send(ctx, &models.StatusMessage{SerialNumber: "wd-1"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, entities, 3)

	drone := entities[0]
	assert.True(t, drone.IsLive)
	assert.Equal(t, "SMALL_UAS", drone.Ontology.PlatformType)
	require.NotNil(t, drone.Location)
	assert.Equal(t, 37.25, drone.Location.Position.LatitudeDegrees)
	assert.True(t, now.Add(models.ActivityWindow).Equal(drone.ExpiryTime))

	assert.Equal(t, "FPV_UAS", entities[1].Ontology.PlatformType)
	assert.Nil(t, entities[1].Location)
	require.NotNil(t, entities[1].Signal)
	assert.Equal(t, 5800.0, entities[1].Signal.FrequencyMHz)

	assert.False(t, entities[2].IsLive)
	assert.True(t, now.Equal(entities[2].ExpiryTime))
}

type fakeNotifier struct {
	messages []string
	titles   []string
	err      error
}

func (n *fakeNotifier) Send(message string, params *types.Params) []error {
	n.messages = append(n.messages, message)
	title, _ := params.Title()
	n.titles = append(n.titles, title)
	return []error{n.err}
}

func TestNotifySink(t *testing.T) {
	fake := &fakeNotifier{}
	sink := newNotifySink(fake, NotifyConfig{Offline: true})
	ctx := context.Background()

	d := sampleDrone()
	require.NoError(t, sink.PublishDetection(ctx, d))
	require.NoError(t, sink.PublishDetection(ctx, d))
	require.NoError(t, sink.PublishDetection(ctx, &models.Detection{ID: "aircraft-a1b2c3"}))

	require.Len(t, fake.messages, 1)
	assert.Equal(t, "New drone detected", fake.titles[0])
	assert.True(t, strings.HasPrefix(fake.messages[0], d.ID+" (DJI) at 37.25000,-115.75000"))

	require.NoError(t, sink.PublishOffline(ctx, d))
	require.Len(t, fake.messages, 2)
	assert.Equal(t, "Drone offline", fake.titles[1])

	// Offline clears the quiet period.
	require.NoError(t, sink.PublishDetection(ctx, d))
	assert.Len(t, fake.messages, 3)
	require.NoError(t, sink.Close())
}

func TestNotifySink_SendError(t *testing.T) {
	fake := &fakeNotifier{err: errors.New("smtp down")}
	sink := newNotifySink(fake, NotifyConfig{})
	err := sink.PublishDetection(context.Background(), sampleDrone())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp down")

	// Offline notices are off by default.
	require.NoError(t, sink.PublishOffline(context.Background(), sampleDrone()))
	assert.Len(t, fake.messages, 1)
}

func TestLiveFeed(t *testing.T) {
	feed := NewLiveFeed(zap.NewNop())
	srv := httptest.NewServer(feed)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return feed.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	d := sampleDrone()
	require.NoError(t, feed.PublishDetection(context.Background(), d))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, TypeDetection, msg.Type)
	require.NotNil(t, msg.Detection)
	assert.Equal(t, d.ID, msg.Detection.ID)

	require.NoError(t, feed.Close())
	assert.Equal(t, 0, feed.Clients())

	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
