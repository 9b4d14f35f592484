//go:build integration

package unimart_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	unimart "github.com/unimart/sdk/golang"
)

// These tests run against a live dev hub (cmd/unimart-devhub) and, for the
// state store, a live Redis.

// helpers ---------------------------------------------------------------

func testBaseURL(t *testing.T) string {
	t.Helper()
	v := os.Getenv("UNIMART_BASE_URL_TEST")
	if v == "" {
		t.Fatal("UNIMART_BASE_URL_TEST environment variable is required")
	}
	return v
}

func testSecret() string {
	if v := os.Getenv("UNIMART_JWT_SECRET_TEST"); v != "" {
		return v
	}
	return "dev-secret"
}

func uniqueID(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

func newClient(t *testing.T, userID string, role unimart.Role) *unimart.Client {
	t.Helper()
	tok, err := unimart.SignToken(testSecret(), userID, role, userID, time.Hour)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	return unimart.NewClient(tok, unimart.WithBaseURL(testBaseURL(t)))
}

func startSession(t *testing.T, ctx context.Context, c *unimart.Client) *unimart.Session {
	t.Helper()
	sess, err := c.NewSession(ctx, nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(sess.Close)
	eventually(t, "initial sync", func() bool {
		p := sess.Store().Snapshot()
		return p.RequestsLoaded && p.ConversationsLoaded
	})
	return sess
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =======================================================================
// Requests & offers
// =======================================================================

func TestIntegration_RequestOfferLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	studentID, merchantID := uniqueID("student"), uniqueID("merchant")
	studentClient := newClient(t, studentID, unimart.RoleStudent)
	merchantClient := newClient(t, merchantID, unimart.RoleMerchant)
	student := startSession(t, ctx, studentClient)
	merchant := startSession(t, ctx, merchantClient)

	req, err := studentClient.CreateRequest(ctx, unimart.NewRequestInput{Title: "Graphing calculator"})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	eventually(t, "merchant sees the request", func() bool {
		_, ok := merchant.Store().Request(req.ID)
		return ok
	})

	offer, err := merchantClient.CreateOffer(ctx, req.ID, 25, "can deliver today")
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	eventually(t, "student sees the offer", func() bool {
		r, _ := student.Store().Request(req.ID)
		return r.PendingOffers == 1 && r.CanAcceptOffers
	})

	if err := student.AcceptOffer(ctx, req.ID, offer.ID); err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}
	for name, sess := range map[string]*unimart.Session{"student": student, "merchant": merchant} {
		eventually(t, name+" sees ONGOING", func() bool {
			r, _ := sess.Store().Request(req.ID)
			return r.Status == unimart.RequestOngoing && r.AcceptedOffer != nil && r.AcceptedOffer.ID == offer.ID
		})
	}

	if err := student.CancelRequest(ctx, req.ID); err == nil {
		t.Fatal("cancelling an ONGOING request should be refused locally")
	}
	if err := student.UpdateRequestStatus(ctx, req.ID, unimart.RequestCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}
	eventually(t, "COMPLETED", func() bool {
		r, _ := student.Store().Request(req.ID)
		return r.Status == unimart.RequestCompleted && r.PendingAction == ""
	})
}

func TestIntegration_CancelNotice(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := newClient(t, uniqueID("student"), unimart.RoleStudent)
	sess := startSession(t, ctx, c)

	req, err := c.CreateRequest(ctx, unimart.NewRequestInput{Title: "Lab coat"})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	eventually(t, "request in view", func() bool {
		_, ok := sess.Store().Request(req.ID)
		return ok
	})
	if err := sess.CancelRequest(ctx, req.ID); err != nil {
		t.Fatalf("CancelRequest: %v", err)
	}
	eventually(t, "cancellation notice", func() bool {
		n, ok := sess.Store().TakeCancellationNotice()
		return ok && n.RequestID == req.ID
	})
	if _, ok := sess.Store().TakeCancellationNotice(); ok {
		t.Fatal("notice should be delivered once")
	}
}

// =======================================================================
// Messaging
// =======================================================================

func TestIntegration_Chat(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	studentID, merchantID := uniqueID("student"), uniqueID("merchant")
	student := startSession(t, ctx, newClient(t, studentID, unimart.RoleStudent))
	merchant := startSession(t, ctx, newClient(t, merchantID, unimart.RoleMerchant))

	eventually(t, "merchant online", func() bool {
		for _, id := range student.Store().OnlineMerchants() {
			if id == merchantID {
				return true
			}
		}
		return false
	})

	if err := student.StartConversation(ctx, merchantID); err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	var convID string
	eventually(t, "conversation confirmed", func() bool {
		c, ok := student.Store().CurrentConversation()
		convID = c.ID
		return ok && !c.Pending && c.ID != ""
	})

	sent, err := student.SendMessage(ctx, "is the calculator still available?")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	eventually(t, "echo replaces the pending message", func() bool {
		msgs := student.Store().CurrentMessages()
		return len(msgs) == 1 && msgs[0].ClientID == sent.ClientID && !msgs[0].Pending && msgs[0].ID != ""
	})
	eventually(t, "merchant unread count", func() bool {
		for _, c := range merchant.Store().Conversations() {
			if c.ID == convID {
				return c.UnreadCount == 1
			}
		}
		return false
	})

	if err := merchant.OpenConversation(ctx, convID); err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	eventually(t, "merchant read the message", func() bool {
		msgs := merchant.Store().CurrentMessages()
		c, ok := merchant.Store().CurrentConversation()
		return ok && c.UnreadCount == 0 && len(msgs) == 1 && msgs[0].IsRead
	})
	if msgs := student.Store().CurrentMessages(); len(msgs) != 1 || msgs[0].IsRead {
		t.Fatalf("the sender's own message must stay unread: %+v", msgs)
	}
}

// =======================================================================
// Redis state store
// =======================================================================

func TestIntegration_RedisStateStore(t *testing.T) {
	url := os.Getenv("UNIMART_REDIS_URL_TEST")
	if url == "" {
		t.Skip("UNIMART_REDIS_URL_TEST not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx := context.Background()
	store := unimart.NewRedisStateStore(rdb, uniqueID("user"))
	defer store.Clear(ctx)

	if err := store.Set(ctx, unimart.KeyDashboardPage, "offers"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Set(ctx, unimart.KeyLastConversationID, "c1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok, err := store.Get(ctx, unimart.KeyDashboardPage); err != nil || !ok || v != "offers" {
		t.Fatalf("Get = %q, %v, %v", v, ok, err)
	}
	if err := store.Delete(ctx, unimart.KeyDashboardPage); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, unimart.KeyDashboardPage); ok {
		t.Fatal("deleted key still present")
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok, _ := store.Get(ctx, unimart.KeyLastConversationID); ok {
		t.Fatal("Clear left a key behind")
	}
}
