package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predicta/internal/domain"
)

// chanBus hands out one Go channel per subscribed bus channel.
type chanBus struct {
	mu     sync.Mutex
	subs   map[string]chan []byte
	stream []domain.StreamMessage
}

func newChanBus() *chanBus { return &chanBus{subs: make(map[string]chan []byte)} }

func (b *chanBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	ch := b.subs[channel]
	b.mu.Unlock()
	if ch != nil {
		ch <- payload
	}
	return nil
}

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 8)
	b.subs[channel] = ch
	return ch, nil
}

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(_ context.Context, _ string, lastID string, _ int) ([]domain.StreamMessage, error) {
	var out []domain.StreamMessage
	for _, m := range b.stream {
		if m.ID > lastID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (b *chanBus) subscribed(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs) == n
}

func startHub(t *testing.T, bus *chanBus, cfg Config) (*Hub, *websocket.Conn) {
	t.Helper()
	hub := NewHub(bus, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	require.Eventually(t, func() bool { return bus.subscribed(len(hub.channels)) }, time.Second, 5*time.Millisecond)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	return hub, conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestHubSendsStatusThenEvents(t *testing.T) {
	bus := newChanBus()
	_, conn := startHub(t, bus, Config{Status: func() any {
		return map[string]string{"state": "authenticated"}
	}})

	status := readMessage(t, conn)
	assert.Equal(t, "status", status.Type)
	assert.JSONEq(t, `{"state":"authenticated"}`, string(status.Data))

	require.NoError(t, bus.Publish(context.Background(), domain.BusChannelEvents, []byte(`{"to":"open"}`)))
	ev := readMessage(t, conn)
	assert.Equal(t, "event", ev.Type)
	assert.Equal(t, domain.BusChannelEvents, ev.Channel)
	assert.JSONEq(t, `{"to":"open"}`, string(ev.Data))
}

func TestHubHonoursUnsubscribe(t *testing.T) {
	bus := newChanBus()
	hub, conn := startHub(t, bus, Config{})

	require.NoError(t, conn.WriteJSON(clientMsg{Action: "unsubscribe", Channels: []string{domain.BusSessionEvents}}))
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients {
			return !c.isSubscribed(domain.BusSessionEvents)
		}
		return false
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), domain.BusSessionEvents, []byte(`{"state":"failed"}`)))
	require.NoError(t, bus.Publish(context.Background(), domain.BusChannelEvents, []byte(`"not json`)))

	ev := readMessage(t, conn)
	assert.Equal(t, domain.BusChannelEvents, ev.Channel)
	var s string
	require.NoError(t, json.Unmarshal(ev.Data, &s))
	assert.Equal(t, `"not json`, s)
}

func TestHubReplaysStream(t *testing.T) {
	bus := newChanBus()
	bus.stream = []domain.StreamMessage{
		{ID: "1-0", Payload: []byte(`{"to":"creating"}`)},
		{ID: "2-0", Payload: []byte(`{"to":"open"}`)},
	}
	_, conn := startHub(t, bus, Config{})

	require.NoError(t, conn.WriteJSON(clientMsg{Action: "replay", Since: "1-0"}))
	msg := readMessage(t, conn)
	assert.Equal(t, "replay", msg.Type)
	assert.Equal(t, "2-0", msg.ID)
	assert.JSONEq(t, `{"to":"open"}`, string(msg.Data))
}

func TestIsSubscribedPattern(t *testing.T) {
	c := &client{subs: map[string]bool{"ch:*": true}}
	assert.True(t, c.isSubscribed(domain.BusChannelEvents))
	assert.False(t, c.isSubscribed(domain.StreamChannelEvents))
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example"})
	r := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, check(r))
	r.Header.Set("Origin", "https://APP.example")
	assert.True(t, check(r))
	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(r))
}
