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

	"github.com/alanyoungcy/posengine/internal/domain"
	"github.com/gorilla/websocket"
)

type chanBus struct {
	mu    sync.Mutex
	chans map[string]chan []byte
	ready chan struct{}
}

func newChanBus() *chanBus {
	return &chanBus{chans: make(map[string]chan []byte), ready: make(chan struct{}, len(Channels))}
}

func (b *chanBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	ch := b.chans[channel]
	b.mu.Unlock()
	ch <- payload
	return nil
}

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 8)
	b.mu.Lock()
	b.chans[channel] = ch
	b.mu.Unlock()
	b.ready <- struct{}{}
	return ch, nil
}

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestHubRelaysScopedEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newChanBus()
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Mode: "trade", Scopes: []string{"a", "b"}})
	go hub.Run(ctx)
	for range Channels {
		<-bus.ready
	}

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?scope=a"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var status struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&status); err != nil || status.Type != "engine_status" {
		t.Fatalf("initial status = %+v %v", status, err)
	}

	// Registration is asynchronous; wait until the hub sees the client.
	deadline := time.Now().Add(5 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	other, _ := json.Marshal(domain.Event{Type: "order.filled", Scope: "b"})
	mine, _ := json.Marshal(domain.Event{Type: "order.filled", Scope: "a"})
	_ = bus.Publish(ctx, domain.ChannelOrders, other)
	_ = bus.Publish(ctx, domain.ChannelOrders, mine)

	var got domain.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Scope != "a" {
		t.Fatalf("received event for scope %q, want a", got.Scope)
	}
}

func TestClientFilters(t *testing.T) {
	c := &client{subs: map[string]bool{domain.ChannelOrders: true}, scopes: map[string]bool{}}
	if !c.wants(domain.ChannelOrders, "x") {
		t.Fatal("unfiltered scope rejected")
	}
	if c.wants(domain.ChannelPositions, "x") {
		t.Fatal("unsubscribed channel accepted")
	}

	c.handleSubscription(subscribeMsg{Action: "subscribe", Channels: []string{domain.ChannelPositions}, Scopes: []string{"a"}})
	if !c.wants(domain.ChannelPositions, "a") || c.wants(domain.ChannelPositions, "x") {
		t.Fatal("scope filter not applied")
	}

	c.handleSubscription(subscribeMsg{Action: "unsubscribe", Channels: []string{domain.ChannelOrders}})
	if c.wants(domain.ChannelOrders, "a") {
		t.Fatal("unsubscribe ignored")
	}
}

func TestEventScope(t *testing.T) {
	if got := eventScope([]byte(`{"type":"x","scope":"master"}`)); got != "master" {
		t.Fatalf("scope = %q", got)
	}
	if got := eventScope([]byte(`not json`)); got != "" {
		t.Fatalf("scope = %q", got)
	}
}
