package devhub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	unimart "github.com/unimart/sdk/golang"
	"github.com/unimart/sdk/golang/internal/logger"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "devhub-test-secret"

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = testSecret
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = time.Hour
	}
	return NewServer(cfg, nil, logger.Discard())
}

func token(t *testing.T, userID string, role unimart.Role) string {
	t.Helper()
	tok, err := unimart.SignToken(testSecret, userID, role, "", time.Hour)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	return tok
}

func doJSON(t *testing.T, s *Server, method, path, tok string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ============================================================================
// HTTP
// ============================================================================

func TestServerHTTP(t *testing.T) {
	t.Run("health", func(t *testing.T) {
		s := newTestServer(t, Config{})
		if status, body := doJSON(t, s, http.MethodGet, "/healthz", "", nil); status != 200 || body["status"] != "ok" {
			t.Fatalf("unexpected health: %d %v", status, body)
		}
	})

	t.Run("me requires a valid token", func(t *testing.T) {
		s := newTestServer(t, Config{})
		status, body := doJSON(t, s, http.MethodGet, "/api/users/me", "", nil)
		if status != 401 || body["code"] != "unauthorized" {
			t.Fatalf("unexpected response: %d %v", status, body)
		}
		bad, _ := unimart.SignToken("other-secret", "s1", unimart.RoleStudent, "", time.Hour)
		if status, _ := doJSON(t, s, http.MethodGet, "/api/users/me", bad, nil); status != 401 {
			t.Fatalf("expected 401 for a foreign token, got %d", status)
		}
	})

	t.Run("me returns the user", func(t *testing.T) {
		s := newTestServer(t, Config{})
		status, body := doJSON(t, s, http.MethodGet, "/api/users/me", token(t, "m1", unimart.RoleMerchant), nil)
		user, _ := body["user"].(map[string]any)
		if status != 200 || user["id"] != "m1" || user["role"] != "merchant" {
			t.Fatalf("unexpected response: %d %v", status, body)
		}
	})

	t.Run("dev token round trip", func(t *testing.T) {
		s := newTestServer(t, Config{})
		status, body := doJSON(t, s, http.MethodPost, "/api/dev/tokens", "", map[string]string{"user_id": "s9", "role": "STUDENT", "name": "Grace"})
		if status != 201 {
			t.Fatalf("unexpected status %d: %v", status, body)
		}
		claims, err := unimart.VerifyToken(testSecret, body["token"].(string))
		if err != nil || claims.Identity().UserID != "s9" || claims.Identity().Name != "Grace" {
			t.Fatalf("unexpected token: %+v %v", claims, err)
		}
		if status, _ := doJSON(t, s, http.MethodPost, "/api/dev/tokens", "", map[string]string{"role": "merchant"}); status != 400 {
			t.Fatalf("expected 400 without user_id, got %d", status)
		}
	})

	t.Run("requests and offers", func(t *testing.T) {
		s := newTestServer(t, Config{})
		student, merchant := token(t, "s1", unimart.RoleStudent), token(t, "m1", unimart.RoleMerchant)

		status, body := doJSON(t, s, http.MethodPost, "/api/requests", student, map[string]string{"title": "Desk lamp"})
		if status != 201 {
			t.Fatalf("create request: %d %v", status, body)
		}
		id := body["request"].(map[string]any)["id"].(string)

		if status, body := doJSON(t, s, http.MethodPost, "/api/requests", merchant, map[string]string{"title": "x"}); status != 403 || body["code"] != "forbidden" {
			t.Fatalf("merchant request: %d %v", status, body)
		}
		if status, _ := doJSON(t, s, http.MethodPost, "/api/requests/"+id+"/offers", merchant, map[string]any{"price": 15.5}); status != 201 {
			t.Fatalf("create offer: %d", status)
		}
		if status, body := doJSON(t, s, http.MethodPost, "/api/requests/nope/offers", merchant, map[string]any{"price": 1}); status != 404 || body["code"] != "not_found" {
			t.Fatalf("unknown request: %d %v", status, body)
		}

		_, body = doJSON(t, s, http.MethodGet, "/api/requests/"+id+"/offers", student, nil)
		if offers, _ := body["offers"].([]any); len(offers) != 1 {
			t.Fatalf("unexpected offers: %v", body)
		}
	})

	t.Run("sockets need an upgrade", func(t *testing.T) {
		s := newTestServer(t, Config{})
		if status, _ := doJSON(t, s, http.MethodGet, "/ws/requests", "", nil); status != fiber.StatusUpgradeRequired {
			t.Fatalf("expected 426, got %d", status)
		}
	})
}

// ============================================================================
// Webhook forwarding
// ============================================================================

func TestServerForwardsSignedWebhooks(t *testing.T) {
	router := unimart.NewRouter(logger.Discard())
	got := make(chan unimart.NewRequestEvent, 1)
	router.AddMessageHandler(unimart.KindNewRequest, func(ev unimart.Event) { got <- ev.(unimart.NewRequestEvent) })
	wh, err := unimart.NewWebhook("hook-secret", router, logger.Discard())
	if err != nil {
		t.Fatalf("NewWebhook: %v", err)
	}
	receiver := httptest.NewServer(wh.HTTPHandler())
	defer receiver.Close()

	s := newTestServer(t, Config{WebhookURL: receiver.URL, WebhookSecret: "hook-secret"})
	doJSON(t, s, http.MethodPost, "/api/requests", token(t, "s1", unimart.RoleStudent), map[string]string{"title": "Graph paper"})

	select {
	case ev := <-got:
		if ev.Request.Title != "Graph paper" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("webhook not delivered")
	}
}

// ============================================================================
// End to end
// ============================================================================

type liveHub struct {
	base string
}

func startLiveHub(t *testing.T) *liveHub {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := newTestServer(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &liveHub{base: "http://" + ln.Addr().String()}
}

func (h *liveHub) session(t *testing.T, userID string, role unimart.Role) *unimart.Session {
	t.Helper()
	client := unimart.NewClient(token(t, userID, role), unimart.WithBaseURL(h.base), unimart.WithLogger(logger.Discard()))
	sess, err := client.NewSession(context.Background(), &unimart.SessionConfig{
		Realtime: &unimart.RealtimeConfig{
			AutoReconnect:      true,
			ReconnectBaseDelay: 20 * time.Millisecond,
			Logger:             logger.Discard(),
		},
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(sess.Close)
	waitFor(t, userID+" connected", sess.IsConnected)
	return sess
}

func (h *liveHub) post(t *testing.T, path, tok string, body any) map[string]any {
	t.Helper()
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, h.base+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST %s: status %d", path, resp.StatusCode)
	}
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return out
}

func TestEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a live hub")
	}
	hub := startLiveHub(t)
	merchant := hub.session(t, "m1", unimart.RoleMerchant)
	student := hub.session(t, "s1", unimart.RoleStudent)
	ctx := context.Background()

	t.Run("identity via REST", func(t *testing.T) {
		id, err := unimart.NewClient(token(t, "s1", unimart.RoleStudent), unimart.WithBaseURL(hub.base)).Me(ctx)
		if err != nil || id.UserID != "s1" {
			t.Fatalf("unexpected identity %+v, err %v", id, err)
		}
	})

	t.Run("merchant presence reaches the student", func(t *testing.T) {
		waitFor(t, "online merchants", func() bool {
			return slices.Contains(student.Store().OnlineMerchants(), "m1")
		})
	})

	var requestID string
	t.Run("request and offer flow", func(t *testing.T) {
		body := hub.post(t, "/api/requests", token(t, "s1", unimart.RoleStudent), map[string]string{"title": "Chemistry goggles"})
		requestID = body["request"].(map[string]any)["id"].(string)

		waitFor(t, "request visible to both", func() bool {
			_, a := student.Store().Request(requestID)
			_, b := merchant.Store().Request(requestID)
			return a && b
		})

		body = hub.post(t, "/api/requests/"+requestID+"/offers", token(t, "m1", unimart.RoleMerchant), map[string]any{"price": 9.5})
		offerID := body["offer"].(map[string]any)["id"].(string)
		waitFor(t, "offer at the student", func() bool {
			r, _ := student.Store().Request(requestID)
			return len(student.Store().OffersFor(requestID)) == 1 && r.PendingOffers == 1
		})

		if err := student.AcceptOffer(ctx, requestID, offerID); err != nil {
			t.Fatalf("AcceptOffer: %v", err)
		}
		waitFor(t, "request ongoing everywhere", func() bool {
			a, _ := student.Store().Request(requestID)
			b, _ := merchant.Store().Request(requestID)
			return a.Status == unimart.RequestOngoing && a.AcceptedOffer != nil &&
				a.PendingAction == "" && b.Status == unimart.RequestOngoing
		})
	})

	t.Run("rejected action surfaces as an error frame", func(t *testing.T) {
		if requestID == "" {
			t.Skip("request flow failed")
		}
		// The client refuses illegal edges itself, so go around the session.
		student.Requests().Send(ctx, unimart.CmdUpdateRequestStatus, unimart.UpdateRequestStatusCommand{RequestID: requestID, Status: unimart.RequestCancelled})
		waitFor(t, "error frame", func() bool {
			e := student.Store().LastError()
			return e != nil && e.RequestID == requestID
		})
		if r, _ := student.Store().Request(requestID); r.Status != unimart.RequestOngoing {
			t.Fatalf("rejected cancel changed the request: %+v", r)
		}
	})

	t.Run("chat", func(t *testing.T) {
		if err := student.StartConversation(ctx, "m1"); err != nil {
			t.Fatalf("StartConversation: %v", err)
		}
		waitFor(t, "conversation confirmed", func() bool {
			c, ok := student.Store().CurrentConversation()
			return ok && !c.Pending && c.ID != ""
		})

		if _, err := student.SendMessage(ctx, "Are the goggles new?"); err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		waitFor(t, "echo replaces the pending copy", func() bool {
			msgs := student.Store().CurrentMessages()
			return len(msgs) == 1 && !msgs[0].Pending && msgs[0].ID != ""
		})
		waitFor(t, "merchant receives it", func() bool {
			convs := merchant.Store().Conversations()
			return len(convs) == 1 && convs[0].LastMessage != nil &&
				convs[0].LastMessage.Content == "Are the goggles new?" && convs[0].UnreadCount == 1
		})

		conv := merchant.Store().Conversations()[0]
		if err := merchant.OpenConversation(ctx, conv.ID); err != nil {
			t.Fatalf("OpenConversation: %v", err)
		}
		waitFor(t, "merchant read the message", func() bool {
			msgs := merchant.Store().CurrentMessages()
			c, ok := merchant.Store().CurrentConversation()
			return ok && c.UnreadCount == 0 && len(msgs) == 1 && msgs[0].IsRead
		})
		if msgs := student.Store().CurrentMessages(); len(msgs) != 1 || msgs[0].IsRead {
			t.Fatalf("the sender's own message must stay unread: %+v", msgs)
		}
	})
}

func TestEndToEndRejectsBadSocketToken(t *testing.T) {
	hub := startLiveHub(t)
	conn := unimart.NewConnection(unimart.ChannelRequests, "ws"+strings.TrimPrefix(hub.base, "http")+"/ws/requests", &unimart.RealtimeConfig{
		Token:  "not-a-token",
		Logger: logger.Discard(),
	})
	err := conn.Connect(context.Background())
	if err == nil {
		conn.Disconnect()
		t.Fatal("expected the handshake to be refused")
	}
	if errors.Is(err, unimart.ErrClosed) || conn.IsConnected() {
		t.Fatalf("unexpected result: %v", err)
	}
}
