package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/websocket/v2"
)

// fakeConn records writes and blocks reads until closed.
type fakeConn struct {
	mu      sync.Mutex
	writes  [][]byte
	types   []int
	closed  chan struct{}
	closeMu sync.Once
}

func newFakeConn() *fakeConn { return &fakeConn{closed: make(chan struct{})} }

func (c *fakeConn) SetReadLimit(int64)                {}
func (c *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}
func (c *fakeConn) SetWriteDeadline(time.Time) error  { return nil }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("closed")
}

func (c *fakeConn) WriteMessage(t int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types = append(c.types, t)
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeMu.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for i, w := range c.writes {
		if c.types[i] == websocket.TextMessage {
			out = append(out, string(w))
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHub_BroadcastAndReplay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := New("status", nil)
	go h.Run(ctx)

	first := newFakeConn()
	c1 := newClient(h, first)
	go c1.Run()

	waitFor(t, "client registered", func() bool { return h.ClientCount() == 1 })
	if err := h.BroadcastJSON(map[string]bool{"running": true}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first message", func() bool { return len(first.messages()) == 1 })
	if got := first.messages()[0]; got != `{"running":true}` {
		t.Errorf("message = %s", got)
	}

	// A late client receives the latest state on connect.
	late := newFakeConn()
	c2 := newClient(h, late)
	go c2.Run()
	waitFor(t, "replayed state", func() bool { return len(late.messages()) == 1 })

	first.Close()
	waitFor(t, "client removed", func() bool { return h.ClientCount() == 1 })
}

func TestHub_DropsSlowClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := New("status", nil)
	go h.Run(ctx)

	// No pumps: the send buffer fills up and the client is dropped.
	newClient(h, newFakeConn())
	waitFor(t, "registered", func() bool { return h.ClientCount() == 1 })

	for i := 0; i < sendBuffer+10; i++ {
		h.Broadcast(NewJSONMessage([]byte("{}")))
		time.Sleep(100 * time.Microsecond)
	}
	waitFor(t, "slow client dropped", func() bool { return h.ClientCount() == 0 })
	if h.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", h.Dropped())
	}
}

func TestHub_StopClosesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := New("status", nil)
	go h.Run(ctx)

	conn := newFakeConn()
	c := newClient(h, conn)
	done := make(chan struct{})
	go func() {
		c.Run()
		close(done)
	}()
	waitFor(t, "running", h.IsRunning)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop after hub shutdown")
	}
	if h.IsRunning() {
		t.Error("hub should report stopped")
	}
}
