package devhub

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	unimart "github.com/unimart/sdk/golang"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("not allowed")
	ErrInvalid   = errors.New("invalid")
)

// Delivery is one event addressed to a set of users on a channel.
type Delivery struct {
	Channel unimart.Channel
	Event   unimart.Event
	To      []string
}

type conversation struct {
	id       string
	members  [2]string
	messages []unimart.Message
	// sender + "/" + client_id -> index into messages
	byClient map[string]int
}

func (c *conversation) has(user string) bool {
	return c.members[0] == user || c.members[1] == user
}

func (c *conversation) other(user string) string {
	if c.members[0] == user {
		return c.members[1]
	}
	return c.members[0]
}

// Market is the authoritative state behind both channels: requests and their
// offers, conversations and merchant presence. Every mutating call returns
// the events it produced so the caller can fan them out.
type Market struct {
	mu sync.Mutex

	users  map[string]unimart.Identity
	online map[string]int

	requests     map[string]*unimart.Request
	requestOrder []string
	offers       map[string]*unimart.Offer
	offerOrder   map[string][]string

	conversations map[string]*conversation

	now   func() time.Time
	newID func() string
}

// NewMarket returns an empty market.
func NewMarket() *Market {
	return &Market{
		users:         make(map[string]unimart.Identity),
		online:        make(map[string]int),
		requests:      make(map[string]*unimart.Request),
		offers:        make(map[string]*unimart.Offer),
		offerOrder:    make(map[string][]string),
		conversations: make(map[string]*conversation),
		now:           func() time.Time { return time.Now().UTC() },
		newID:         uuid.NewString,
	}
}

// ============================================================================
// Users & presence
// ============================================================================

// Register records a user seen on an authenticated call. Later calls update
// the name and role.
func (m *Market) Register(id unimart.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.users[id.UserID]
	if id.Name == "" {
		id.Name = prev.Name
	}
	m.users[id.UserID] = id
}

// User returns a registered user.
func (m *Market) User(userID string) (unimart.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.users[userID]
	return id, ok
}

// SetOnline counts messaging sockets per user. A merchant crossing between
// zero and one socket produces a presence_update for every student.
func (m *Market) SetOnline(userID string, online bool) []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.online[userID]
	if online {
		m.online[userID]++
	} else if before > 0 {
		m.online[userID]--
	}
	after := m.online[userID]
	if after == 0 {
		delete(m.online, userID)
	}

	u := m.users[userID]
	if u.Role != unimart.RoleMerchant || (before == 0) == (after == 0) {
		return nil
	}
	return []Delivery{{
		Channel: unimart.ChannelMessaging,
		Event:   unimart.PresenceUpdateEvent{UserID: userID, Role: string(u.Role), Online: after > 0},
		To:      m.usersLocked(unimart.RoleStudent),
	}}
}

// OnlineMerchants lists merchants with at least one messaging socket.
func (m *Market) OnlineMerchants() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := []string{}
	for id := range m.online {
		if m.users[id].Role == unimart.RoleMerchant {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *Market) usersLocked(role unimart.Role) []string {
	var ids []string
	for id, u := range m.users {
		if u.Role == role {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ============================================================================
// Requests & offers
// ============================================================================

// CreateRequest posts a new PENDING request owned by ownerID and announces it
// to the owner and every merchant.
func (m *Market) CreateRequest(ownerID, title, description, category string) (unimart.Request, []Delivery, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return unimart.Request{}, nil, fmt.Errorf("request title: %w", ErrInvalid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.users[ownerID].Role == unimart.RoleMerchant {
		return unimart.Request{}, nil, fmt.Errorf("merchants cannot post requests: %w", ErrForbidden)
	}

	r := &unimart.Request{
		ID:          m.newID(),
		OwnerID:     ownerID,
		Title:       title,
		Description: description,
		Status:      unimart.RequestPending,
		CreatedAt:   m.now(),
		CanCancel:   true,
	}
	if category != "" {
		r.Category = &unimart.Category{ID: category, Name: category}
	}
	m.requests[r.ID] = r
	m.requestOrder = append(m.requestOrder, r.ID)

	return *r, []Delivery{{
		Channel: unimart.ChannelRequests,
		Event:   unimart.NewRequestEvent{Request: *r},
		To:      append([]string{ownerID}, m.usersLocked(unimart.RoleMerchant)...),
	}}, nil
}

// UserRequests returns what get_user_requests answers: owned requests for a
// student, requests offered on for a merchant. Newest first.
func (m *Market) UserRequests(userID string) []unimart.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	merchant := m.users[userID].Role == unimart.RoleMerchant
	return m.collectLocked(func(r *unimart.Request) bool {
		if merchant {
			return m.hasOfferLocked(r.ID, userID)
		}
		return r.OwnerID == userID
	})
}

// OpenRequests returns what get_open_requests answers for a merchant: every
// PENDING request plus the ones whose accepted offer is theirs.
func (m *Market) OpenRequests(merchantID string) []unimart.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collectLocked(func(r *unimart.Request) bool {
		return r.Status == unimart.RequestPending ||
			(r.AcceptedOffer != nil && r.AcceptedOffer.MerchantID == merchantID)
	})
}

func (m *Market) collectLocked(keep func(*unimart.Request) bool) []unimart.Request {
	out := []unimart.Request{}
	for i := len(m.requestOrder) - 1; i >= 0; i-- {
		r := m.requests[m.requestOrder[i]]
		if keep(r) {
			out = append(out, *r)
		}
	}
	return out
}

func (m *Market) hasOfferLocked(requestID, merchantID string) bool {
	for _, id := range m.offerOrder[requestID] {
		if m.offers[id].MerchantID == merchantID {
			return true
		}
	}
	return false
}

// CreateOffer records a merchant's offer on a PENDING request.
func (m *Market) CreateOffer(merchantID, requestID string, price float64, message string) (unimart.Offer, []Delivery, error) {
	if price <= 0 {
		return unimart.Offer{}, nil, fmt.Errorf("offer price: %w", ErrInvalid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.users[merchantID].Role != unimart.RoleMerchant {
		return unimart.Offer{}, nil, fmt.Errorf("only merchants can make offers: %w", ErrForbidden)
	}
	r, ok := m.requests[requestID]
	if !ok {
		return unimart.Offer{}, nil, fmt.Errorf("request %s: %w", requestID, ErrNotFound)
	}
	if r.Status != unimart.RequestPending {
		return unimart.Offer{}, nil, fmt.Errorf("request %s is %s: %w", requestID, r.Status, ErrInvalid)
	}

	o := &unimart.Offer{
		ID:         m.newID(),
		RequestID:  requestID,
		MerchantID: merchantID,
		Price:      price,
		Message:    message,
		Status:     unimart.OfferPending,
		CreatedAt:  m.now(),
	}
	m.offers[o.ID] = o
	m.offerOrder[requestID] = append(m.offerOrder[requestID], o.ID)
	r.TotalOffers++
	r.PendingOffers++
	r.CanAcceptOffers = true

	return *o, []Delivery{{
		Channel: unimart.ChannelRequests,
		Event:   unimart.NewOfferEvent{Offer: *o},
		To:      []string{r.OwnerID, merchantID},
	}}, nil
}

// UpdateRequestStatus applies a status change asked for by actorID. Only the
// owner may move a request, and only along a legal edge. Cancelling declines
// every pending offer.
func (m *Market) UpdateRequestStatus(actorID, requestID string, status unimart.RequestStatus) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", requestID, ErrNotFound)
	}
	if r.OwnerID != actorID {
		return nil, fmt.Errorf("request %s belongs to another user: %w", requestID, ErrForbidden)
	}
	if !unimart.CanTransition(r.Status, status) {
		return nil, fmt.Errorf("request %s cannot move from %s to %s: %w", requestID, r.Status, status, ErrInvalid)
	}

	var out []Delivery
	if status == unimart.RequestCancelled {
		out = m.declinePendingLocked(r, "")
	}
	return append(out, m.setStatusLocked(r, status)), nil
}

// UpdateOfferStatus lets the request owner accept or decline a pending offer.
// Accepting declines every other pending offer and moves the request to
// ONGOING, so at most one offer per request is ever ACCEPTED.
func (m *Market) UpdateOfferStatus(actorID, requestID, offerID string, status unimart.OfferStatus) ([]Delivery, error) {
	if status != unimart.OfferAccepted && status != unimart.OfferDeclined {
		return nil, fmt.Errorf("offer status %q: %w", status, ErrInvalid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", requestID, ErrNotFound)
	}
	if r.OwnerID != actorID {
		return nil, fmt.Errorf("request %s belongs to another user: %w", requestID, ErrForbidden)
	}
	o, ok := m.offers[offerID]
	if !ok || o.RequestID != requestID {
		return nil, fmt.Errorf("offer %s: %w", offerID, ErrNotFound)
	}
	if o.Status != unimart.OfferPending || r.Status != unimart.RequestPending {
		return nil, fmt.Errorf("offer %s is %s on a %s request: %w", offerID, o.Status, r.Status, ErrInvalid)
	}

	if status == unimart.OfferDeclined {
		return []Delivery{m.setOfferLocked(r, o, unimart.OfferDeclined)}, nil
	}

	out := m.declinePendingLocked(r, offerID)
	out = append(out, m.setOfferLocked(r, o, unimart.OfferAccepted))
	r.AcceptedOffer = &unimart.OfferSummary{ID: o.ID, MerchantID: o.MerchantID, Price: o.Price}
	return append(out, m.setStatusLocked(r, unimart.RequestOngoing)), nil
}

func (m *Market) declinePendingLocked(r *unimart.Request, except string) []Delivery {
	var out []Delivery
	for _, id := range m.offerOrder[r.ID] {
		if o := m.offers[id]; id != except && o.Status == unimart.OfferPending {
			out = append(out, m.setOfferLocked(r, o, unimart.OfferDeclined))
		}
	}
	return out
}

func (m *Market) setOfferLocked(r *unimart.Request, o *unimart.Offer, status unimart.OfferStatus) Delivery {
	if o.Status == unimart.OfferPending && status != unimart.OfferPending {
		r.PendingOffers--
	}
	o.Status = status
	r.CanAcceptOffers = r.Status == unimart.RequestPending && r.PendingOffers > 0
	return Delivery{
		Channel: unimart.ChannelRequests,
		Event: unimart.OfferStatusUpdateEvent{
			RequestID:  r.ID,
			OfferID:    o.ID,
			MerchantID: o.MerchantID,
			Price:      o.Price,
			Status:     status,
			Timestamp:  m.now(),
		},
		To: []string{r.OwnerID, o.MerchantID},
	}
}

func (m *Market) setStatusLocked(r *unimart.Request, status unimart.RequestStatus) Delivery {
	r.Status = status
	r.CanCancel = status == unimart.RequestPending
	r.CanAcceptOffers = status == unimart.RequestPending && r.PendingOffers > 0
	to := append([]string{r.OwnerID}, m.usersLocked(unimart.RoleMerchant)...)
	return Delivery{
		Channel: unimart.ChannelRequests,
		Event:   unimart.RequestStatusUpdateEvent{RequestID: r.ID, Status: status, Timestamp: m.now()},
		To:      to,
	}
}

// Offers returns the offers on a request in creation order.
func (m *Market) Offers(requestID string) []unimart.Offer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []unimart.Offer{}
	for _, id := range m.offerOrder[requestID] {
		out = append(out, *m.offers[id])
	}
	return out
}

// ============================================================================
// Conversations
// ============================================================================

// StartConversation opens a conversation between userID and otherID, reusing
// the existing one for the pair. Only a newly created conversation is
// announced to the other participant.
func (m *Market) StartConversation(userID, otherID string) (unimart.Conversation, []Delivery, error) {
	if otherID == "" || otherID == userID {
		return unimart.Conversation{}, nil, fmt.Errorf("conversation partner: %w", ErrInvalid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[otherID]; !ok {
		return unimart.Conversation{}, nil, fmt.Errorf("user %s: %w", otherID, ErrNotFound)
	}

	for _, c := range m.conversations {
		if c.has(userID) && c.has(otherID) {
			view := m.viewLocked(c, userID)
			return view, []Delivery{{
				Channel: unimart.ChannelMessaging,
				Event:   unimart.ConversationStartedEvent{Conversation: view},
				To:      []string{userID},
			}}, nil
		}
	}

	c := &conversation{
		id:       m.newID(),
		members:  [2]string{userID, otherID},
		byClient: make(map[string]int),
	}
	m.conversations[c.id] = c
	view := m.viewLocked(c, userID)
	return view, []Delivery{
		{Channel: unimart.ChannelMessaging, Event: unimart.ConversationStartedEvent{Conversation: view}, To: []string{userID}},
		{Channel: unimart.ChannelMessaging, Event: unimart.ConversationStartedEvent{Conversation: m.viewLocked(c, otherID)}, To: []string{otherID}},
	}, nil
}

// Conversations lists userID's conversations, most recent activity first.
func (m *Market) Conversations(userID string) []unimart.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []unimart.Conversation{}
	for _, c := range m.conversations {
		if c.has(userID) {
			out = append(out, m.viewLocked(c, userID))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

// Messages returns a conversation's history for one of its participants.
func (m *Market) Messages(userID, conversationID string) ([]unimart.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.conversationLocked(userID, conversationID)
	if err != nil {
		return nil, err
	}
	return append([]unimart.Message{}, c.messages...), nil
}

// SendMessage appends a message. A repeated client id from the same sender
// returns the stored message and echoes it to the sender only.
func (m *Market) SendMessage(senderID, conversationID, content, clientID string) (unimart.Message, []Delivery, error) {
	if strings.TrimSpace(content) == "" {
		return unimart.Message{}, nil, fmt.Errorf("message content: %w", ErrInvalid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.conversationLocked(senderID, conversationID)
	if err != nil {
		return unimart.Message{}, nil, err
	}

	key := senderID + "/" + clientID
	if clientID != "" {
		if i, ok := c.byClient[key]; ok {
			msg := c.messages[i]
			return msg, []Delivery{{
				Channel: unimart.ChannelMessaging,
				Event:   unimart.NewMessageEvent{Message: msg},
				To:      []string{senderID},
			}}, nil
		}
	}

	msg := unimart.Message{
		ID:             m.newID(),
		ClientID:       clientID,
		ConversationID: c.id,
		Content:        content,
		SenderID:       senderID,
		CreatedAt:      m.now(),
	}
	c.messages = append(c.messages, msg)
	if clientID != "" {
		c.byClient[key] = len(c.messages) - 1
	}
	return msg, []Delivery{{
		Channel: unimart.ChannelMessaging,
		Event:   unimart.NewMessageEvent{Message: msg},
		To:      []string{senderID, c.other(senderID)},
	}}, nil
}

// MarkRead marks every message readerID received in the conversation as read.
func (m *Market) MarkRead(readerID, conversationID string) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.conversationLocked(readerID, conversationID)
	if err != nil {
		return nil, err
	}
	for i := range c.messages {
		if c.messages[i].SenderID != readerID {
			c.messages[i].IsRead = true
		}
	}
	return []Delivery{{
		Channel: unimart.ChannelMessaging,
		Event:   unimart.MessagesReadEvent{ConversationID: c.id, ReaderID: readerID, Timestamp: m.now()},
		To:      []string{c.members[0], c.members[1]},
	}}, nil
}

func (m *Market) conversationLocked(userID, conversationID string) (*conversation, error) {
	c, ok := m.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if !c.has(userID) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrForbidden)
	}
	return c, nil
}

func (m *Market) viewLocked(c *conversation, userID string) unimart.Conversation {
	other := m.users[c.other(userID)]
	view := unimart.Conversation{
		ID: c.id,
		OtherUser: &unimart.UserSummary{
			ID:     c.other(userID),
			Name:   other.Name,
			Role:   string(other.Role),
			Online: m.online[c.other(userID)] > 0,
		},
	}
	for _, msg := range c.messages {
		if msg.SenderID != userID && !msg.IsRead {
			view.UnreadCount++
		}
	}
	if n := len(c.messages); n > 0 {
		last := c.messages[n-1]
		view.LastMessage = &last
		view.LastMessageAt = last.CreatedAt
	}
	return view
}
