package unimart

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/unimart/sdk/golang/internal/logger"
)

// Pending actions recorded on a Request while the server has not confirmed
// them yet.
const (
	actionCancel       = "cancel"
	actionComplete     = "complete"
	actionUpdateStatus = "update_status"
	actionAcceptOffer  = "accept_offer"
	actionDeclineOffer = "decline_offer"
)

// wireKinds are the inbound kinds a Store consumes.
var wireKinds = []EventKind{
	KindUserRequests,
	KindNewRequest,
	KindRequestStatusUpdate,
	KindOfferStatusUpdate,
	KindNewOffer,
	KindConversations,
	KindConversationMessages,
	KindNewMessage,
	KindMessagesRead,
	KindConversationStarted,
	KindOnlineMerchants,
	KindPresenceUpdate,
	KindError,
}

// Store owns the current Projection. Every change goes through Reduce under
// one mutex, so each event is a single atomic swap and readers only ever see
// whole projections.
type Store struct {
	mu   sync.Mutex
	proj Projection
	log  *slog.Logger

	subMu      sync.Mutex
	nextID     int
	subs       []subscriber
	dirty      bool
	delivering bool
}

type subscriber struct {
	id int
	fn func(Projection)
}

// NewStore creates an empty store for the user self.
func NewStore(self string, log *slog.Logger) *Store {
	return &Store{
		proj: Projection{Self: self},
		log:  logger.Or(log),
	}
}

// Apply reduces ev into the projection and notifies subscribers.
func (s *Store) Apply(ev Event) {
	if ev == nil {
		return
	}
	s.mu.Lock()
	s.proj = Reduce(s.proj, ev)
	s.mu.Unlock()

	if ev.Kind() == KindError {
		if e, ok := ev.(ErrorEvent); ok {
			s.log.Warn("server reported error", "reason", e.Reason, "request_id", e.RequestID)
		}
	}
	s.notify()
}

// Bind registers the store on every router for the kinds it consumes. The
// returned func removes those handlers; after it returns no event reaches
// the store.
func (s *Store) Bind(routers ...*Router) (unbind func()) {
	var unsubs []func()
	for _, r := range routers {
		for _, k := range wireKinds {
			unsubs = append(unsubs, r.Subscribe(k, s.Apply))
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for _, u := range unsubs {
				u()
			}
		})
	}
}

// Subscribe registers fn to receive the projection after applied events.
// Subscribers run one at a time, in registration order, and only ever see a
// projection newer than the last one delivered. Events applied while a
// delivery is running are folded into one more delivery of the latest
// projection, made by the goroutine already delivering; fn may therefore run
// on a goroutine other than the one that applied the event, and may call
// Apply itself. A delivery already running may call fn once more after
// unsubscribe returns.
func (s *Store) Subscribe(fn func(Projection)) (unsubscribe func()) {
	s.subMu.Lock()
	s.nextID++
	id := s.nextID
	s.subs = append(slices.Clip(s.subs), subscriber{id: id, fn: fn})
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		s.subs = slices.DeleteFunc(slices.Clone(s.subs), func(sub subscriber) bool { return sub.id == id })
		s.subMu.Unlock()
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	s.dirty = true
	if s.delivering {
		s.subMu.Unlock()
		return
	}
	s.delivering = true
	s.subMu.Unlock()

	done := false
	defer func() {
		if !done {
			s.subMu.Lock()
			s.delivering = false
			s.subMu.Unlock()
		}
	}()
	for {
		s.subMu.Lock()
		if !s.dirty {
			s.delivering = false
			s.subMu.Unlock()
			done = true
			return
		}
		s.dirty = false
		subs := s.subs
		s.subMu.Unlock()

		p := s.current()
		for _, sub := range subs {
			sub.fn(p.Clone())
		}
	}
}

func (s *Store) current() Projection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proj
}

// Snapshot returns a copy of the whole projection.
func (s *Store) Snapshot() Projection {
	return s.current().Clone()
}

// Self returns the local user id.
func (s *Store) Self() string { return s.current().Self }

// Requests returns every known request, cancelled ones included.
func (s *Store) Requests() []Request {
	p := s.current()
	return append([]Request(nil), p.Requests...)
}

// OfferableRequests returns the requests a merchant may still make offers on.
func (s *Store) OfferableRequests() []Request {
	return s.current().OfferableRequests()
}

// Request returns one request by id.
func (s *Store) Request(id string) (Request, bool) {
	return s.current().FindRequest(id)
}

// Offers returns every known offer.
func (s *Store) Offers() []Offer {
	p := s.current()
	return append([]Offer(nil), p.Offers...)
}

// OffersFor returns the offers made on one request.
func (s *Store) OffersFor(requestID string) []Offer {
	return s.current().OffersFor(requestID)
}

// Conversations returns the conversation list, newest activity first.
func (s *Store) Conversations() []Conversation {
	p := s.current()
	return append([]Conversation(nil), p.Conversations...)
}

// CurrentConversation returns the open conversation, if any.
func (s *Store) CurrentConversation() (Conversation, bool) {
	p := s.current()
	if p.CurrentConversation == nil {
		return Conversation{}, false
	}
	return *p.CurrentConversation, true
}

// CurrentMessages returns the messages of the open conversation.
func (s *Store) CurrentMessages() []Message {
	p := s.current()
	return append([]Message(nil), p.CurrentMessages...)
}

// OnlineMerchants returns the sorted ids of merchants currently online.
func (s *Store) OnlineMerchants() []string {
	p := s.current()
	return append([]string(nil), p.OnlineMerchants...)
}

// LastError returns the most recent server error, if any.
func (s *Store) LastError() *ServerError {
	return s.current().LastError
}

// TakeCancellationNotice returns the pending cancellation notice and clears
// it, so each cancellation is reported once.
func (s *Store) TakeCancellationNotice() (CancellationNotice, bool) {
	s.mu.Lock()
	n := s.proj.CancellationNotice
	if n != nil {
		s.proj = Reduce(s.proj, cancellationNoticeTaken{})
	}
	s.mu.Unlock()
	if n == nil {
		return CancellationNotice{}, false
	}
	return *n, true
}
