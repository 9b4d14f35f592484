package unimart

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/unimart/sdk/golang/internal/logger"
)

func TestStoreBind(t *testing.T) {
	req, msg := NewRouter(logger.Discard()), NewRouter(logger.Discard())
	s := NewStore("u1", logger.Discard())
	unbind := s.Bind(req, msg)

	req.Dispatch(UserRequestsEvent{Requests: []Request{{ID: "r1", Status: RequestPending}}})
	msg.Dispatch(ConversationsEvent{Conversations: []Conversation{{ID: "c1"}}})
	if len(s.Requests()) != 1 || len(s.Conversations()) != 1 {
		t.Fatalf("expected both channels applied, got %d requests / %d conversations", len(s.Requests()), len(s.Conversations()))
	}

	unbind()
	unbind()
	req.Dispatch(NewRequestEvent{Request: Request{ID: "r2", Status: RequestPending}})
	if len(s.Requests()) != 1 {
		t.Fatal("unbound store still receives events")
	}
	if req.HandlerCount(KindNewRequest) != 0 || msg.HandlerCount(KindNewMessage) != 0 {
		t.Fatal("expected handlers removed")
	}
}

func TestStoreReads(t *testing.T) {
	s := NewStore("u1", logger.Discard())
	s.Apply(UserRequestsEvent{Requests: []Request{
		{ID: "r1", Status: RequestPending},
		{ID: "r2", Status: RequestCancelled},
	}})
	s.Apply(NewOfferEvent{Offer: Offer{ID: "o1", RequestID: "r1", MerchantID: "m1"}})

	t.Run("returned slices are copies", func(t *testing.T) {
		got := s.Requests()
		got[0].Title = "mutated"
		if r, _ := s.Request("r1"); r.Title == "mutated" {
			t.Fatal("caller mutated the store")
		}
	})

	t.Run("offerable filter and offers", func(t *testing.T) {
		if got := s.OfferableRequests(); len(got) != 1 || got[0].ID != "r1" {
			t.Fatalf("unexpected offerable: %+v", got)
		}
		if got := s.OffersFor("r1"); len(got) != 1 || got[0].ID != "o1" {
			t.Fatalf("unexpected offers: %+v", got)
		}
		if len(s.Offers()) != 1 {
			t.Fatal("expected one offer")
		}
	})

	t.Run("cancellation notice taken once", func(t *testing.T) {
		s.Apply(RequestStatusUpdateEvent{RequestID: "r1", Status: RequestCancelled})
		if _, ok := s.TakeCancellationNotice(); !ok {
			t.Fatal("expected a notice")
		}
		if _, ok := s.TakeCancellationNotice(); ok {
			t.Fatal("notice should only be returned once")
		}
	})

	t.Run("snapshot is detached", func(t *testing.T) {
		snap := s.Snapshot()
		s.Apply(NewRequestEvent{Request: Request{ID: "r3", Status: RequestPending}})
		if len(snap.Requests) != 2 {
			t.Fatalf("snapshot changed: %d requests", len(snap.Requests))
		}
		if s.Self() != "u1" {
			t.Fatalf("unexpected self %q", s.Self())
		}
	})
}

func TestStoreSubscribe(t *testing.T) {
	s := NewStore("u1", logger.Discard())
	var seen []int
	unsub := s.Subscribe(func(p Projection) { seen = append(seen, len(p.Requests)) })

	s.Apply(NewRequestEvent{Request: Request{ID: "r1"}})
	s.Apply(NewRequestEvent{Request: Request{ID: "r2"}})
	unsub()
	s.Apply(NewRequestEvent{Request: Request{ID: "r3"}})

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("unexpected notifications: %v", seen)
	}
}

func TestStoreSubscribeOrdering(t *testing.T) {
	t.Run("registration order", func(t *testing.T) {
		s := NewStore("u1", logger.Discard())
		var calls strings.Builder
		for _, name := range []string{"a", "b", "c"} {
			s.Subscribe(func(Projection) { calls.WriteString(name) })
		}
		s.Apply(NewRequestEvent{Request: Request{ID: "r1"}})
		s.Apply(NewRequestEvent{Request: Request{ID: "r2"}})
		if got := calls.String(); got != "abcabc" {
			t.Fatalf("unexpected call order %q", got)
		}
	})

	t.Run("apply from a subscriber", func(t *testing.T) {
		s := NewStore("u1", logger.Discard())
		var seen []int
		s.Subscribe(func(p Projection) {
			seen = append(seen, len(p.Requests))
			if len(p.Requests) == 1 {
				s.Apply(NewRequestEvent{Request: Request{ID: "r2"}})
			}
		})
		s.Apply(NewRequestEvent{Request: Request{ID: "r1"}})
		if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
			t.Fatalf("unexpected notifications: %v", seen)
		}
	})

	t.Run("concurrent appliers deliver newer projections only", func(t *testing.T) {
		s := NewStore("u1", logger.Discard())
		var seen []int
		s.Subscribe(func(p Projection) { seen = append(seen, len(p.Requests)) })

		const perWriter = 100
		var wg sync.WaitGroup
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					s.Apply(NewRequestEvent{Request: Request{ID: fmt.Sprintf("w%d-%d", w, i)}})
				}
			}()
		}
		wg.Wait()

		for i := 1; i < len(seen); i++ {
			if seen[i] < seen[i-1] {
				t.Fatalf("projection went backwards at %d: %v", i, seen[i-1:i+1])
			}
		}
		if len(seen) == 0 || seen[len(seen)-1] != 2*perWriter {
			t.Fatalf("latest projection not delivered: %v", seen[max(0, len(seen)-3):])
		}
	})
}
