package unimart

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/unimart/sdk/golang/internal/logger"
)

// ============================================================================
// Test Helpers
// ============================================================================

type testWSServer struct {
	*httptest.Server

	accepts  atomic.Int32
	received chan map[string]any
	tokens   chan string

	mu    sync.Mutex
	conns []*websocket.Conn

	// reply, when set, is called for every inbound frame.
	reply func(ctx context.Context, c *websocket.Conn, frame map[string]any)
}

func newTestWSServer(t *testing.T) *testWSServer {
	t.Helper()
	s := &testWSServer{
		received: make(chan map[string]any, 64),
		tokens:   make(chan string, 16),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *testWSServer) handle(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	s.accepts.Add(1)
	s.tokens <- r.URL.Query().Get("token")

	ctx := r.Context()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var frame map[string]any
		if json.Unmarshal(data, &frame) != nil {
			continue
		}
		s.received <- frame
		if s.reply != nil {
			s.reply(ctx, c, frame)
		}
	}
}

func (s *testWSServer) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws/requests"
}

func (s *testWSServer) latest() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[len(s.conns)-1]
}

func (s *testWSServer) push(t *testing.T, frame string) {
	t.Helper()
	if err := s.latest().Write(context.Background(), websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func (s *testWSServer) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case f := <-s.received:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig() *RealtimeConfig {
	return &RealtimeConfig{
		Token:              "tok-1",
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		RequestTimeout:     200 * time.Millisecond,
		Logger:             logger.Discard(),
	}
}

func connectTest(t *testing.T, srv *testWSServer, cfg *RealtimeConfig) *Connection {
	t.Helper()
	c := NewConnection(ChannelRequests, srv.url(), cfg)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

// ============================================================================
// Connect
// ============================================================================

func TestConnectionConnect(t *testing.T) {
	t.Run("repeated connect keeps one socket", func(t *testing.T) {
		srv := newTestWSServer(t)
		c := connectTest(t, srv, testConfig())
		hooks := 0
		c.OnConnected(func() { hooks++ })

		for i := 0; i < 3; i++ {
			if err := c.Connect(context.Background()); err != nil {
				t.Fatalf("Connect #%d: %v", i, err)
			}
		}
		waitFor(t, "accept", func() bool { return srv.accepts.Load() >= 1 })
		time.Sleep(50 * time.Millisecond)
		if n := srv.accepts.Load(); n != 1 {
			t.Fatalf("expected 1 socket, got %d", n)
		}
		if hooks != 0 {
			t.Fatalf("no-op connects must not fire hooks, got %d", hooks)
		}
		if !c.IsConnected() || c.State() != StateConnected {
			t.Fatalf("unexpected state %s", c.State())
		}
	})

	t.Run("token sent as query parameter", func(t *testing.T) {
		srv := newTestWSServer(t)
		connectTest(t, srv, testConfig())
		select {
		case tok := <-srv.tokens:
			if tok != "tok-1" {
				t.Fatalf("unexpected token %q", tok)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no connection seen")
		}
	})

	t.Run("dial failure without reconnect", func(t *testing.T) {
		srv := newTestWSServer(t)
		endpoint := srv.url()
		srv.Close()

		c := NewConnection(ChannelRequests, endpoint, testConfig())
		if err := c.Connect(context.Background()); err == nil {
			t.Fatal("expected dial error")
		}
		if c.State() != StateDisconnected {
			t.Fatalf("expected disconnected, got %s", c.State())
		}
	})
}

// ============================================================================
// Inbound
// ============================================================================

func TestConnectionDispatch(t *testing.T) {
	srv := newTestWSServer(t)
	c := connectTest(t, srv, testConfig())

	got := make(chan string, 4)
	c.AddMessageHandler(KindRequestStatusUpdate, func(ev Event) { got <- "list:" + ev.(RequestStatusUpdateEvent).RequestID })
	c.AddMessageHandler(KindRequestStatusUpdate, func(ev Event) { got <- "toast:" + ev.(RequestStatusUpdateEvent).RequestID })
	unknown := make(chan string, 1)
	c.AddMessageHandler(KindUnknown, func(ev Event) { unknown <- ev.(UnknownEvent).Type })

	srv.push(t, `not json`)
	srv.push(t, `{"type":"typing"}`)
	srv.push(t, `{"type":"request_status_update","request_id":"r1","status":"CANCELLED"}`)

	for _, want := range []string{"list:r1", "toast:r1"} {
		select {
		case g := <-got:
			if g != want {
				t.Fatalf("expected %s, got %s", want, g)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
	select {
	case typ := <-unknown:
		if typ != "typing" {
			t.Fatalf("unexpected unknown type %q", typ)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unknown frame not dispatched")
	}
}

// ============================================================================
// Outbound
// ============================================================================

func TestConnectionSend(t *testing.T) {
	t.Run("frame reaches the server", func(t *testing.T) {
		srv := newTestWSServer(t)
		c := connectTest(t, srv, testConfig())
		if err := c.Send(context.Background(), CmdUpdateRequestStatus, UpdateRequestStatusCommand{RequestID: "r1", Status: RequestCancelled}); err != nil {
			t.Fatalf("Send: %v", err)
		}
		f := srv.next(t)
		if f["type"] != "update_request_status" || f["request_id"] != "r1" || f["status"] != "CANCELLED" {
			t.Fatalf("unexpected frame: %v", f)
		}
	})

	t.Run("not connected is dropped", func(t *testing.T) {
		c := NewConnection(ChannelRequests, "ws://127.0.0.1:1/ws/requests", testConfig())
		if err := c.Send(context.Background(), CmdGetUserRequests, nil); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	})
}

func TestConnectionRequest(t *testing.T) {
	t.Run("ack resolves by correlation id", func(t *testing.T) {
		srv := newTestWSServer(t)
		srv.reply = func(ctx context.Context, c *websocket.Conn, f map[string]any) {
			b, _ := json.Marshal(map[string]any{"type": "ack", "correlation_id": f["correlation_id"]})
			c.Write(ctx, websocket.MessageText, b)
		}
		c := connectTest(t, srv, testConfig())

		ev, err := c.Request(context.Background(), CmdMarkRead, ConversationCommand{ConversationID: "c1"})
		if err != nil {
			t.Fatalf("Request: %v", err)
		}
		if ev.Kind() != KindAck || ev.Correlation() == "" {
			t.Fatalf("unexpected reply: %#v", ev)
		}
	})

	t.Run("error reply surfaces as ServerError", func(t *testing.T) {
		srv := newTestWSServer(t)
		srv.reply = func(ctx context.Context, c *websocket.Conn, f map[string]any) {
			b, _ := json.Marshal(map[string]any{"type": "error", "reason": "not yours", "request_id": "r1", "correlation_id": f["correlation_id"]})
			c.Write(ctx, websocket.MessageText, b)
		}
		c := connectTest(t, srv, testConfig())
		routed := make(chan struct{}, 1)
		c.AddMessageHandler(KindError, func(Event) { routed <- struct{}{} })

		_, err := c.Request(context.Background(), CmdUpdateRequestStatus, UpdateRequestStatusCommand{RequestID: "r1", Status: RequestCancelled})
		var se *ServerError
		if !errors.As(err, &se) || se.Reason != "not yours" || se.RequestID != "r1" {
			t.Fatalf("expected ServerError, got %v", err)
		}
		select {
		case <-routed:
		case <-time.After(2 * time.Second):
			t.Fatal("error frame should also reach handlers")
		}
	})

	t.Run("no reply times out", func(t *testing.T) {
		srv := newTestWSServer(t)
		c := connectTest(t, srv, testConfig())
		if _, err := c.Request(context.Background(), CmdGetConversations, nil); !errors.Is(err, ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}
	})

	t.Run("disconnect fails waiting requests", func(t *testing.T) {
		srv := newTestWSServer(t)
		cfg := testConfig()
		cfg.RequestTimeout = 5 * time.Second
		c := connectTest(t, srv, cfg)

		done := make(chan error, 1)
		go func() {
			_, err := c.Request(context.Background(), CmdGetConversations, nil)
			done <- err
		}()
		srv.next(t)
		c.Disconnect()

		select {
		case err := <-done:
			if !errors.Is(err, ErrClosed) {
				t.Fatalf("expected ErrClosed, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("request still waiting after disconnect")
		}
	})
}

// ============================================================================
// Reconnect
// ============================================================================

func TestConnectionReconnect(t *testing.T) {
	t.Run("unexpected close reconnects and fires hooks", func(t *testing.T) {
		srv := newTestWSServer(t)
		cfg := testConfig()
		cfg.AutoReconnect = true
		c := NewConnection(ChannelRequests, srv.url(), cfg)

		var connects, drops, retries atomic.Int32
		c.OnConnected(func() {
			connects.Add(1)
			c.Send(context.Background(), CmdGetUserRequests, nil)
		})
		c.OnDisconnected(func(err error) { drops.Add(1) })
		c.OnReconnecting(func(int, time.Duration) { retries.Add(1) })

		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		t.Cleanup(c.Disconnect)
		srv.next(t)

		srv.latest().Close(websocket.StatusGoingAway, "restart")
		waitFor(t, "reconnect", func() bool { return connects.Load() == 2 })

		if f := srv.next(t); f["type"] != "get_user_requests" {
			t.Fatalf("expected resync frame, got %v", f)
		}
		if drops.Load() != 1 || retries.Load() < 1 {
			t.Fatalf("unexpected hooks: drops=%d retries=%d", drops.Load(), retries.Load())
		}
		if srv.accepts.Load() != 2 {
			t.Fatalf("expected 2 sockets, got %d", srv.accepts.Load())
		}
	})

	t.Run("connect from a disconnect hook keeps one socket", func(t *testing.T) {
		srv := newTestWSServer(t)
		cfg := testConfig()
		cfg.AutoReconnect = true
		c := connectTest(t, srv, cfg)

		var once sync.Once
		hookErr := make(chan error, 1)
		c.OnDisconnected(func(err error) {
			once.Do(func() { hookErr <- c.Connect(context.Background()) })
		})

		srv.latest().Close(websocket.StatusGoingAway, "restart")
		select {
		case err := <-hookErr:
			if err != nil {
				t.Fatalf("Connect from hook: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("disconnect hook not called")
		}
		waitFor(t, "reconnect", func() bool { return c.IsConnected() && srv.accepts.Load() >= 2 })
		time.Sleep(150 * time.Millisecond)
		if n := srv.accepts.Load(); n != 2 {
			t.Fatalf("expected 2 sockets over the connection's life, got %d", n)
		}
		if c.State() != StateConnected {
			t.Fatalf("unexpected state %s", c.State())
		}
	})

	t.Run("drop without reconnect allows a fresh connect", func(t *testing.T) {
		srv := newTestWSServer(t)
		c := connectTest(t, srv, testConfig())
		dropped := make(chan ConnState, 1)
		c.OnDisconnected(func(error) { dropped <- c.State() })

		srv.latest().Close(websocket.StatusGoingAway, "restart")
		select {
		case st := <-dropped:
			if st != StateDisconnected {
				t.Fatalf("hook saw state %s", st)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("disconnect hook not called")
		}
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		waitFor(t, "second socket", func() bool { return srv.accepts.Load() == 2 })
		if !c.IsConnected() {
			t.Fatalf("unexpected state %s", c.State())
		}
	})

	t.Run("deliberate disconnect does not reconnect", func(t *testing.T) {
		srv := newTestWSServer(t)
		cfg := testConfig()
		cfg.AutoReconnect = true
		c := connectTest(t, srv, cfg)
		var drops atomic.Int32
		c.OnDisconnected(func(err error) {
			if err != nil {
				t.Errorf("expected nil error on deliberate disconnect, got %v", err)
			}
			drops.Add(1)
		})

		c.Disconnect()
		time.Sleep(100 * time.Millisecond)
		if srv.accepts.Load() != 1 {
			t.Fatalf("expected no reconnect, got %d sockets", srv.accepts.Load())
		}
		if drops.Load() != 1 || c.IsConnected() {
			t.Fatalf("unexpected state: drops=%d connected=%v", drops.Load(), c.IsConnected())
		}
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		srv := newTestWSServer(t)
		cfg := testConfig()
		cfg.AutoReconnect = true
		cfg.MaxReconnectAttempts = 2
		c := connectTest(t, srv, cfg)
		var retries atomic.Int32
		c.OnReconnecting(func(int, time.Duration) { retries.Add(1) })

		srv.Close()
		srv.latest().Close(websocket.StatusGoingAway, "shutdown")
		waitFor(t, "give up", func() bool { return c.State() == StateDisconnected && retries.Load() == 2 })
	})
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    300 * time.Millisecond,
		MaxReconnectAttempts: 3,
	})
	var delays []time.Duration
	for {
		d, _, ok := r.next()
		if !ok {
			break
		}
		delays = append(delays, d)
	}
	if len(delays) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(delays))
	}
	if delays[0] < 100*time.Millisecond || delays[0] > 150*time.Millisecond {
		t.Fatalf("unexpected first delay %s", delays[0])
	}
	if delays[2] != 300*time.Millisecond {
		t.Fatalf("expected capped delay, got %s", delays[2])
	}

	r.markConnected()
	r.connectedAt = time.Now().Add(-2 * stableAfter)
	if _, attempt, ok := r.next(); !ok || attempt != 1 {
		t.Fatalf("expected counter reset after a stable connection, got attempt=%d ok=%v", attempt, ok)
	}
}
