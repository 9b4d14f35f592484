package unimart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unimart/sdk/golang/internal/logger"
)

// Transport is the part of a Connection a Session drives.
type Transport interface {
	Router() *Router
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	Send(ctx context.Context, kind CommandKind, payload any) error
	OnConnected(h func())
}

var _ Transport = (*Connection)(nil)

// SessionConfig configures Client.NewSession. Every field is optional.
type SessionConfig struct {
	// Identity skips identity resolution from the token and REST API.
	Identity *Identity
	// State persists UI values; defaults to an in-memory store.
	State    StateStore
	Realtime *RealtimeConfig
	Logger   *slog.Logger
}

// Session ties one authenticated user to a Store and the two channel
// connections. It is created at login and closed at logout.
type Session struct {
	self      Identity
	store     *Store
	requests  Transport
	messaging Transport
	state     StateStore
	log       *slog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	unbind  func()
	unsubs  []func()
}

// NewSession resolves the user and builds a session with both connections.
func (c *Client) NewSession(ctx context.Context, cfg *SessionConfig) (*Session, error) {
	if cfg == nil {
		cfg = &SessionConfig{}
	}
	log := cfg.Logger
	if log == nil {
		log = c.log
	}

	var self Identity
	if cfg.Identity != nil {
		self = *cfg.Identity
	} else {
		id, err := c.Identity(ctx)
		if err != nil {
			return nil, err
		}
		self = id
	}

	rt := RealtimeConfig{AutoReconnect: true}
	if cfg.Realtime != nil {
		rt = *cfg.Realtime
	}
	if rt.Logger == nil {
		rt.Logger = log
	}
	return NewSession(self, c.Connect(ChannelRequests, &rt), c.Connect(ChannelMessaging, &rt), cfg.State, log), nil
}

// NewSession builds a session over the given transports. A nil state uses
// an in-memory store.
func NewSession(self Identity, requests, messaging Transport, state StateStore, log *slog.Logger) *Session {
	if state == nil {
		state = NewMemoryStateStore()
	}
	log = logger.Or(log).With("user", self.UserID)
	return &Session{
		self:      self,
		store:     NewStore(self.UserID, log),
		requests:  requests,
		messaging: messaging,
		state:     state,
		log:       log,
	}
}

// Identity returns the session's user.
func (s *Session) Identity() Identity { return s.self }

// Store returns the session's view state.
func (s *Session) Store() *Store { return s.store }

// State returns the persisted UI state.
func (s *Session) State() StateStore { return s.state }

// Requests returns the requests channel transport.
func (s *Session) Requests() Transport { return s.requests }

// Messaging returns the messaging channel transport.
func (s *Session) Messaging() Transport { return s.messaging }

// IsConnected reports whether both channels are open.
func (s *Session) IsConnected() bool {
	return s.requests.IsConnected() && s.messaging.IsConnected()
}

// Start binds the store, restores the last open conversation and connects
// both channels. Calling it again only reconnects channels that are down.
// Connect failures are returned but the session stays usable; with
// AutoReconnect the channels keep retrying in the background.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	first := !s.started
	s.started = true
	if first {
		s.unbind = s.store.Bind(s.requests.Router(), s.messaging.Router())
		s.unsubs = append(s.unsubs,
			s.messaging.Router().Subscribe(KindConversationStarted, s.onConversationStarted),
		)
	}
	s.mu.Unlock()

	if first {
		s.requests.OnConnected(s.resyncRequests)
		s.messaging.OnConnected(s.resyncMessaging)
		s.restoreConversation(ctx)
	}

	return errors.Join(s.requests.Connect(ctx), s.messaging.Connect(ctx))
}

// Close removes every store handler, then disconnects both channels. After it
// returns no event reaches the store.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unbind := s.unbind
	unsubs := s.unsubs
	s.unbind, s.unsubs = nil, nil
	s.mu.Unlock()

	if unbind != nil {
		unbind()
	}
	for _, u := range unsubs {
		u()
	}
	s.requests.Disconnect()
	s.messaging.Disconnect()
	s.log.Info("session closed")
}

// Logout closes the session and forgets the persisted UI state.
func (s *Session) Logout(ctx context.Context) error {
	s.Close()
	return s.state.Clear(ctx)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── Resync ───────────────────────────────────────────────

// The server keeps no replay buffer, so every (re)connect re-requests the
// state it holds.

func (s *Session) resyncRequests() {
	if s.isClosed() {
		return
	}
	s.RefreshRequests(context.Background())
}

func (s *Session) resyncMessaging() {
	if s.isClosed() {
		return
	}
	ctx := context.Background()
	s.RefreshConversations(ctx)
	if s.self.Role != RoleMerchant {
		s.messaging.Send(ctx, CmdGetOnlineMerchants, nil)
	}

	cur, ok := s.store.CurrentConversation()
	if !ok || cur.Pending {
		return
	}
	s.messaging.Send(ctx, CmdGetMessages, ConversationCommand{ConversationID: cur.ID})
	for _, m := range s.store.CurrentMessages() {
		if m.Pending {
			s.messaging.Send(ctx, CmdSendMessage, SendMessageCommand{
				ConversationID: m.ConversationID,
				Content:        m.Content,
				ClientID:       m.ClientID,
			})
		}
	}
}

func (s *Session) restoreConversation(ctx context.Context) {
	id, ok, err := s.state.Get(ctx, KeyLastConversationID)
	if err != nil {
		s.log.Warn("cannot read persisted state", "key", KeyLastConversationID, "error", err)
		return
	}
	if ok && id != "" {
		s.store.Apply(conversationOpened{ConversationID: id})
	}
}

func (s *Session) onConversationStarted(ev Event) {
	e, ok := ev.(ConversationStartedEvent)
	if !ok {
		return
	}
	cur, open := s.store.CurrentConversation()
	if !open || cur.ID != e.Conversation.ID {
		return
	}
	ctx := context.Background()
	s.persist(ctx, KeyLastConversationID, cur.ID)
	s.messaging.Send(ctx, CmdGetMessages, ConversationCommand{ConversationID: cur.ID})
}

func (s *Session) persist(ctx context.Context, key, value string) {
	if err := s.state.Set(ctx, key, value); err != nil {
		s.log.Warn("cannot persist state", "key", key, "error", err)
	}
}

// ── Requests & offers ────────────────────────────────────

// RefreshRequests asks for the request list: the user's own requests for a
// student, the open requests for a merchant.
func (s *Session) RefreshRequests(ctx context.Context) error {
	kind := CmdGetUserRequests
	if s.self.Role == RoleMerchant {
		kind = CmdGetOpenRequests
	}
	return s.requests.Send(ctx, kind, nil)
}

// CancelRequest asks the server to cancel a pending request. The request is
// marked as having a pending cancel until the server answers.
func (s *Session) CancelRequest(ctx context.Context, requestID string) error {
	return s.UpdateRequestStatus(ctx, requestID, RequestCancelled)
}

// UpdateRequestStatus asks the server to move a request to status. The move
// is checked against the request's current status first.
func (s *Session) UpdateRequestStatus(ctx context.Context, requestID string, status RequestStatus) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	r, ok := s.store.Request(requestID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	if !CanTransition(r.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, r.Status, status)
	}

	action := actionUpdateStatus
	switch status {
	case RequestCancelled:
		action = actionCancel
	case RequestCompleted:
		action = actionComplete
	}
	return s.sendRequestAction(ctx, requestID, action, CmdUpdateRequestStatus,
		UpdateRequestStatusCommand{RequestID: requestID, Status: status})
}

// AcceptOffer accepts one offer on a pending request.
func (s *Session) AcceptOffer(ctx context.Context, requestID, offerID string) error {
	return s.updateOffer(ctx, requestID, offerID, OfferAccepted, actionAcceptOffer)
}

// DeclineOffer declines one offer on a request.
func (s *Session) DeclineOffer(ctx context.Context, requestID, offerID string) error {
	return s.updateOffer(ctx, requestID, offerID, OfferDeclined, actionDeclineOffer)
}

func (s *Session) updateOffer(ctx context.Context, requestID, offerID string, status OfferStatus, action string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	r, ok := s.store.Request(requestID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	if status == OfferAccepted && r.Status != RequestPending {
		return fmt.Errorf("%w: cannot accept offers on a %s request", ErrIllegalTransition, r.Status)
	}
	return s.sendRequestAction(ctx, requestID, action, CmdUpdateOfferStatus,
		UpdateOfferStatusCommand{RequestID: requestID, OfferID: offerID, Status: status})
}

func (s *Session) sendRequestAction(ctx context.Context, requestID, action string, kind CommandKind, payload any) error {
	s.store.Apply(requestActionPending{RequestID: requestID, Action: action})
	if err := s.requests.Send(ctx, kind, payload); err != nil {
		s.store.Apply(requestActionPending{RequestID: requestID})
		return err
	}
	return nil
}

// ── Conversations ────────────────────────────────────────

// RefreshConversations asks for the conversation list.
func (s *Session) RefreshConversations(ctx context.Context) error {
	return s.messaging.Send(ctx, CmdGetConversations, nil)
}

// OpenConversation makes conversationID the current conversation, loads its
// messages and marks it read.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.store.Apply(conversationOpened{ConversationID: conversationID})
	s.persist(ctx, KeyLastConversationID, conversationID)
	if err := s.messaging.Send(ctx, CmdGetMessages, ConversationCommand{ConversationID: conversationID}); err != nil {
		return err
	}
	return s.MarkConversationRead(ctx, conversationID)
}

// CloseConversation clears the current conversation.
func (s *Session) CloseConversation(ctx context.Context) error {
	s.store.Apply(conversationClosed{})
	return s.state.Delete(ctx, KeyLastConversationID)
}

// StartConversation opens the conversation with userID, reusing an existing
// one when the list already has it. A new conversation stays pending until
// the server confirms it.
func (s *Session) StartConversation(ctx context.Context, userID string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.store.Apply(conversationStartPending{UserID: userID})
	cur, ok := s.store.CurrentConversation()
	if ok && !cur.Pending {
		return s.OpenConversation(ctx, cur.ID)
	}
	return s.messaging.Send(ctx, CmdStartConversation, StartConversationCommand{UserID: userID})
}

// SendMessage posts content to the open conversation. The message shows up
// immediately as pending and is replaced by the server's echo.
func (s *Session) SendMessage(ctx context.Context, content string) (Message, error) {
	if s.isClosed() {
		return Message{}, ErrSessionClosed
	}
	cur, ok := s.store.CurrentConversation()
	if !ok || cur.Pending || cur.ID == "" {
		return Message{}, ErrNoConversation
	}
	m := Message{
		ClientID:       uuid.NewString(),
		ConversationID: cur.ID,
		Content:        content,
		SenderID:       s.self.UserID,
		CreatedAt:      time.Now().UTC(),
		Pending:        true,
	}
	s.store.Apply(messagePending{Message: m})
	err := s.messaging.Send(ctx, CmdSendMessage, SendMessageCommand{
		ConversationID: m.ConversationID,
		Content:        m.Content,
		ClientID:       m.ClientID,
	})
	return m, err
}

// MarkConversationRead marks the other participant's messages read locally
// and tells the server.
func (s *Session) MarkConversationRead(ctx context.Context, conversationID string) error {
	s.store.Apply(conversationReadLocally{ConversationID: conversationID})
	return s.messaging.Send(ctx, CmdMarkRead, ConversationCommand{ConversationID: conversationID})
}

// ── Persisted UI state ───────────────────────────────────

// DashboardPage returns the persisted dashboard page, or def.
func (s *Session) DashboardPage(ctx context.Context, def string) string {
	v, ok, err := s.state.Get(ctx, KeyDashboardPage)
	if err != nil || !ok {
		return def
	}
	return v
}

// SetDashboardPage persists the dashboard page.
func (s *Session) SetDashboardPage(ctx context.Context, page string) error {
	return s.state.Set(ctx, KeyDashboardPage, page)
}
