package unimart

import (
	"slices"
	"sort"
)

// maxOrphanOffers bounds the buffer of offer updates whose request is not in
// the projection yet.
const maxOrphanOffers = 64

// Projection is the client-side view of requests, offers and conversations.
// It is a value: Reduce never mutates the projection it is given, so a
// projection handed to a reader stays stable.
type Projection struct {
	// Self is the local user id; it decides message ownership.
	Self string

	Requests []Request
	Offers   []Offer

	Conversations       []Conversation
	CurrentConversation *Conversation
	CurrentMessages     []Message
	OnlineMerchants     []string

	// CancellationNotice is set when a request is cancelled and cleared once
	// taken through Store.TakeCancellationNotice.
	CancellationNotice *CancellationNotice
	LastError          *ServerError

	// RequestsLoaded and ConversationsLoaded turn true with the first bulk
	// sync of each list and stay true.
	RequestsLoaded      bool
	ConversationsLoaded bool

	// OrphanOffers holds offer updates for requests not yet known. They are
	// replayed on the next user_requests sync and dropped if still orphaned.
	OrphanOffers []OfferStatusUpdateEvent
}

// OfferableRequests is the merchant browse view: every request except the
// cancelled ones. The filter runs at read time so the full projection still
// holds cancelled requests for their owner.
func (p Projection) OfferableRequests() []Request {
	out := make([]Request, 0, len(p.Requests))
	for _, r := range p.Requests {
		if r.Status != RequestCancelled {
			out = append(out, r)
		}
	}
	return out
}

// FindRequest returns the request with the given id.
func (p Projection) FindRequest(id string) (Request, bool) {
	if i := p.requestIndex(id); i >= 0 {
		return p.Requests[i], true
	}
	return Request{}, false
}

// OffersFor returns the offers made on one request.
func (p Projection) OffersFor(requestID string) []Offer {
	var out []Offer
	for _, o := range p.Offers {
		if o.RequestID == requestID {
			out = append(out, o)
		}
	}
	return out
}

// Clone returns a deep enough copy for handing to readers: slices and the
// pointers the reducer replaces are duplicated.
func (p Projection) Clone() Projection {
	c := p
	c.Requests = slices.Clone(p.Requests)
	c.Offers = slices.Clone(p.Offers)
	c.Conversations = slices.Clone(p.Conversations)
	c.CurrentMessages = slices.Clone(p.CurrentMessages)
	c.OnlineMerchants = slices.Clone(p.OnlineMerchants)
	c.OrphanOffers = slices.Clone(p.OrphanOffers)
	if p.CurrentConversation != nil {
		cc := *p.CurrentConversation
		c.CurrentConversation = &cc
	}
	if p.CancellationNotice != nil {
		n := *p.CancellationNotice
		c.CancellationNotice = &n
	}
	return c
}

func (p Projection) requestIndex(id string) int {
	for i := range p.Requests {
		if p.Requests[i].ID == id {
			return i
		}
	}
	return -1
}

func (p Projection) offerIndex(id string) int {
	for i := range p.Offers {
		if p.Offers[i].ID == id {
			return i
		}
	}
	return -1
}

func (p Projection) conversationIndex(id string) int {
	for i := range p.Conversations {
		if p.Conversations[i].ID == id {
			return i
		}
	}
	return -1
}

func (p Projection) isOpen(conversationID string) bool {
	return p.CurrentConversation != nil && !p.CurrentConversation.Pending &&
		p.CurrentConversation.ID == conversationID
}

// ============================================================================
// Local events
// ============================================================================

const (
	kindRequestActionPending     EventKind = "local.request_action_pending"
	kindConversationOpened       EventKind = "local.conversation_opened"
	kindConversationClosed       EventKind = "local.conversation_closed"
	kindConversationStartPending EventKind = "local.conversation_start_pending"
	kindMessagePending           EventKind = "local.message_pending"
	kindConversationReadLocally  EventKind = "local.conversation_read"
	kindCancellationNoticeTaken  EventKind = "local.cancellation_notice_taken"
)

type requestActionPending struct {
	Meta
	RequestID string
	Action    string
}

func (requestActionPending) Kind() EventKind { return kindRequestActionPending }

type conversationOpened struct {
	Meta
	ConversationID string
}

func (conversationOpened) Kind() EventKind { return kindConversationOpened }

type conversationClosed struct{ Meta }

func (conversationClosed) Kind() EventKind { return kindConversationClosed }

type conversationStartPending struct {
	Meta
	UserID string
}

func (conversationStartPending) Kind() EventKind { return kindConversationStartPending }

type messagePending struct {
	Meta
	Message Message
}

func (messagePending) Kind() EventKind { return kindMessagePending }

type conversationReadLocally struct {
	Meta
	ConversationID string
}

func (conversationReadLocally) Kind() EventKind { return kindConversationReadLocally }

type cancellationNoticeTaken struct{ Meta }

func (cancellationNoticeTaken) Kind() EventKind { return kindCancellationNoticeTaken }

// ============================================================================
// Reduce
// ============================================================================

// Reduce applies one event to a projection and returns the next projection.
// It is pure: p is left untouched, and events that do not apply return p
// unchanged.
func Reduce(p Projection, ev Event) Projection {
	switch e := ev.(type) {
	case UserRequestsEvent:
		return reduceUserRequests(p, e)
	case NewRequestEvent:
		return reduceNewRequest(p, e)
	case RequestStatusUpdateEvent:
		return reduceRequestStatus(p, e)
	case OfferStatusUpdateEvent:
		return reduceOfferStatus(p, e)
	case NewOfferEvent:
		return reduceNewOffer(p, e)
	case ConversationsEvent:
		return reduceConversations(p, e)
	case ConversationMessagesEvent:
		return reduceConversationMessages(p, e)
	case NewMessageEvent:
		return reduceNewMessage(p, e)
	case MessagesReadEvent:
		return reduceMessagesRead(p, e)
	case ConversationStartedEvent:
		return reduceConversationStarted(p, e)
	case OnlineMerchantsEvent:
		return reduceOnlineMerchants(p, e)
	case PresenceUpdateEvent:
		return reducePresence(p, e)
	case ErrorEvent:
		return reduceError(p, e)

	case requestActionPending:
		if i := p.requestIndex(e.RequestID); i >= 0 {
			r := p.Requests[i]
			r.PendingAction = e.Action
			p.Requests = replaceAt(p.Requests, i, r)
		}
		return p
	case conversationOpened:
		c := Conversation{ID: e.ConversationID}
		if i := p.conversationIndex(e.ConversationID); i >= 0 {
			c = p.Conversations[i]
		}
		p.CurrentConversation = &c
		p.CurrentMessages = nil
		return p
	case conversationClosed:
		p.CurrentConversation = nil
		p.CurrentMessages = nil
		return p
	case conversationStartPending:
		return reduceStartPending(p, e)
	case messagePending:
		return reduceMessagePending(p, e)
	case conversationReadLocally:
		return markRead(p, e.ConversationID, p.Self)
	case cancellationNoticeTaken:
		p.CancellationNotice = nil
		return p
	}
	return p
}

// ── Requests ─────────────────────────────────────────────

func reduceUserRequests(p Projection, e UserRequestsEvent) Projection {
	out := make([]Request, 0, len(e.Requests))
	index := make(map[string]int, len(e.Requests))
	for _, r := range e.Requests {
		if r.ID == "" {
			continue
		}
		r.PendingAction = ""
		r = r.withDerivedFlags()
		if i, ok := index[r.ID]; ok {
			out[i] = r
			continue
		}
		index[r.ID] = len(out)
		out = append(out, r)
	}
	p.Requests = out
	p.RequestsLoaded = true

	orphans := p.OrphanOffers
	p.OrphanOffers = nil
	for _, o := range orphans {
		if _, ok := index[o.RequestID]; ok {
			p = reduceOfferStatus(p, o)
		}
	}
	return p
}

func reduceNewRequest(p Projection, e NewRequestEvent) Projection {
	r := e.Request
	if r.ID == "" {
		return p
	}
	r.PendingAction = ""
	r = r.withDerivedFlags()
	if i := p.requestIndex(r.ID); i >= 0 {
		p.Requests = replaceAt(p.Requests, i, r)
		return p
	}
	out := make([]Request, 0, len(p.Requests)+1)
	out = append(out, r)
	p.Requests = append(out, p.Requests...)
	return p
}

func reduceRequestStatus(p Projection, e RequestStatusUpdateEvent) Projection {
	i := p.requestIndex(e.RequestID)
	if i < 0 {
		return p
	}
	r := p.Requests[i]
	changed := r.PendingAction != ""
	r.PendingAction = ""

	if e.Status != r.Status && e.Status.Valid() && CanTransition(r.Status, e.Status) {
		r.Status = e.Status
		r = r.withDerivedFlags()
		changed = true
		if e.Status == RequestCancelled {
			p.CancellationNotice = &CancellationNotice{RequestID: r.ID, Timestamp: e.Timestamp}
		}
	}
	if !changed {
		return p
	}
	p.Requests = replaceAt(p.Requests, i, r)
	return p
}

// ── Offers ───────────────────────────────────────────────

func reduceOfferStatus(p Projection, e OfferStatusUpdateEvent) Projection {
	if e.OfferID == "" || !e.Status.Valid() {
		return p
	}
	i := p.requestIndex(e.RequestID)
	if i < 0 {
		return bufferOrphan(p, e)
	}

	wasPending, added := false, false
	if j := p.offerIndex(e.OfferID); j >= 0 {
		o := p.Offers[j]
		wasPending = o.Status == OfferPending
		o.Status = e.Status
		if e.Price > 0 {
			o.Price = e.Price
		}
		p.Offers = replaceAt(p.Offers, j, o)
	} else {
		p.Offers = append(slices.Clip(p.Offers), Offer{
			ID:         e.OfferID,
			RequestID:  e.RequestID,
			MerchantID: e.MerchantID,
			Price:      e.Price,
			Status:     e.Status,
			CreatedAt:  e.Timestamp,
		})
		added = true
	}

	r := p.Requests[i]
	// A pending offer first seen through a status update counts like a
	// new_offer. Other unseen offers are left to the request's synced counts.
	if added && e.Status == OfferPending {
		r = countOffer(r, e.Status)
	}
	if r.PendingAction == actionAcceptOffer || r.PendingAction == actionDeclineOffer {
		r.PendingAction = ""
	}
	if wasPending && e.Status != OfferPending && r.PendingOffers > 0 {
		r.PendingOffers--
	}
	if e.Status == OfferAccepted {
		if CanTransition(r.Status, RequestOngoing) {
			r.Status = RequestOngoing
		}
		if r.Status == RequestOngoing {
			r.AcceptedOffer = &OfferSummary{ID: e.OfferID, MerchantID: e.MerchantID, Price: e.Price}
		}
	}
	p.Requests = replaceAt(p.Requests, i, r.withDerivedFlags())
	return p
}

func bufferOrphan(p Projection, e OfferStatusUpdateEvent) Projection {
	out := make([]OfferStatusUpdateEvent, 0, len(p.OrphanOffers)+1)
	for _, o := range p.OrphanOffers {
		if o.OfferID != e.OfferID {
			out = append(out, o)
		}
	}
	out = append(out, e)
	if len(out) > maxOrphanOffers {
		out = out[len(out)-maxOrphanOffers:]
	}
	p.OrphanOffers = out
	return p
}

func reduceNewOffer(p Projection, e NewOfferEvent) Projection {
	o := e.Offer
	if o.ID == "" {
		return p
	}
	if o.Status == "" {
		o.Status = OfferPending
	}
	if j := p.offerIndex(o.ID); j >= 0 {
		p.Offers = replaceAt(p.Offers, j, o)
		return p
	}
	p.Offers = append(slices.Clip(p.Offers), o)

	if i := p.requestIndex(o.RequestID); i >= 0 {
		p.Requests = replaceAt(p.Requests, i, countOffer(p.Requests[i], o.Status).withDerivedFlags())
	}
	return p
}

// countOffer adds an offer seen for the first time to the request's counters.
func countOffer(r Request, status OfferStatus) Request {
	r.TotalOffers++
	if status == OfferPending {
		r.PendingOffers++
	}
	return r
}

// ── Conversations ────────────────────────────────────────

func reduceConversations(p Projection, e ConversationsEvent) Projection {
	out := make([]Conversation, 0, len(e.Conversations))
	index := make(map[string]int, len(e.Conversations))
	for _, c := range e.Conversations {
		if c.ID == "" {
			continue
		}
		c.Pending = false
		if c.LastMessage != nil && c.LastMessage.IsRead && c.LastMessage.IsSentBy(p.Self) {
			last := *c.LastMessage
			last.IsRead = false
			c.LastMessage = &last
		}
		if i, ok := index[c.ID]; ok {
			out[i] = c
			continue
		}
		index[c.ID] = len(out)
		out = append(out, c)
	}
	sortConversations(out)
	p.Conversations = out
	p.ConversationsLoaded = true

	if cur := p.CurrentConversation; cur != nil && !cur.Pending {
		if i, ok := index[cur.ID]; ok {
			c := out[i]
			p.CurrentConversation = &c
		}
	}
	return p
}

func reduceConversationMessages(p Projection, e ConversationMessagesEvent) Projection {
	if !p.isOpen(e.ConversationID) {
		return p
	}
	read := make(map[string]bool)
	for _, m := range p.CurrentMessages {
		if m.IsRead && m.ID != "" {
			read[m.ID] = true
		}
	}
	out := make([]Message, 0, len(e.Messages))
	index := make(map[string]int, len(e.Messages))
	seenClient := make(map[string]bool)
	for _, m := range e.Messages {
		if m.ID == "" {
			continue
		}
		m.Pending = false
		m.IsRead = !m.IsSentBy(p.Self) && (m.IsRead || read[m.ID])
		if m.ClientID != "" {
			seenClient[m.ClientID] = true
		}
		if i, ok := index[m.ID]; ok {
			out[i] = m
			continue
		}
		index[m.ID] = len(out)
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	for _, m := range p.CurrentMessages {
		if m.Pending && !seenClient[m.ClientID] {
			out = append(out, m)
		}
	}
	p.CurrentMessages = out
	return p
}

func reduceNewMessage(p Projection, e NewMessageEvent) Projection {
	m := e.Message
	if m.ID == "" || m.ConversationID == "" {
		return p
	}
	m.Pending = false
	if m.IsSentBy(p.Self) {
		m.IsRead = false
	}
	open := p.isOpen(m.ConversationID)

	if open {
		p.CurrentMessages = upsertMessage(p.CurrentMessages, m)
	}

	c := Conversation{ID: m.ConversationID}
	k := p.conversationIndex(m.ConversationID)
	if k >= 0 {
		c = p.Conversations[k]
	}
	duplicate := c.LastMessage != nil && c.LastMessage.ID == m.ID
	if !m.CreatedAt.Before(c.LastMessageAt) {
		last := m
		last.IsRead = m.IsRead || (duplicate && c.LastMessage.IsRead)
		c.LastMessage = &last
		c.LastMessageAt = m.CreatedAt
	}
	if !duplicate && !open && !m.IsSentBy(p.Self) && !m.IsRead {
		c.UnreadCount++
	}
	p = putConversation(p, k, c)
	if open {
		cc := c
		p.CurrentConversation = &cc
	}
	return p
}

func upsertMessage(msgs []Message, m Message) []Message {
	for i := range msgs {
		if msgs[i].ID == m.ID || (m.ClientID != "" && msgs[i].ClientID == m.ClientID) {
			m.IsRead = m.IsRead || msgs[i].IsRead
			return replaceAt(msgs, i, m)
		}
	}
	return append(slices.Clip(msgs), m)
}

func reduceMessagesRead(p Projection, e MessagesReadEvent) Projection {
	if e.ConversationID == "" || e.ReaderID == "" {
		return p
	}
	return markRead(p, e.ConversationID, e.ReaderID)
}

// markRead flips is_read on the messages the local user received in the
// conversation, and only when the local user is the reader. A receipt from the
// other participant changes nothing. is_read never goes back to false.
func markRead(p Projection, conversationID, reader string) Projection {
	if reader != p.Self {
		return p
	}
	if p.isOpen(conversationID) {
		var out []Message
		for i, m := range p.CurrentMessages {
			if m.IsRead || m.IsSentBy(p.Self) {
				continue
			}
			if out == nil {
				out = slices.Clone(p.CurrentMessages)
			}
			out[i].IsRead = true
		}
		if out != nil {
			p.CurrentMessages = out
		}
	}

	k := p.conversationIndex(conversationID)
	if k < 0 {
		return p
	}
	c := p.Conversations[k]
	c.UnreadCount = 0
	if c.LastMessage != nil && !c.LastMessage.IsRead && !c.LastMessage.IsSentBy(p.Self) {
		last := *c.LastMessage
		last.IsRead = true
		c.LastMessage = &last
	}
	p.Conversations = replaceAt(p.Conversations, k, c)
	if p.isOpen(conversationID) {
		cc := c
		p.CurrentConversation = &cc
	}
	return p
}

func reduceConversationStarted(p Projection, e ConversationStartedEvent) Projection {
	c := e.Conversation
	if c.ID == "" {
		return p
	}
	c.Pending = false
	p = putConversation(p, p.conversationIndex(c.ID), c)

	cur := p.CurrentConversation
	if cur != nil && cur.Pending {
		if cur.OtherUser == nil || c.OtherUser == nil || cur.OtherUser.ID == c.OtherUser.ID {
			cc := c
			p.CurrentConversation = &cc
			p.CurrentMessages = nil
		}
	}
	return p
}

func reduceStartPending(p Projection, e conversationStartPending) Projection {
	if e.UserID == "" {
		return p
	}
	for _, c := range p.Conversations {
		if c.OtherUser != nil && c.OtherUser.ID == e.UserID {
			cc := c
			p.CurrentConversation = &cc
			p.CurrentMessages = nil
			return p
		}
	}
	p.CurrentConversation = &Conversation{OtherUser: &UserSummary{ID: e.UserID}, Pending: true}
	p.CurrentMessages = nil
	return p
}

func reduceMessagePending(p Projection, e messagePending) Projection {
	m := e.Message
	if !p.isOpen(m.ConversationID) {
		return p
	}
	m.Pending = true
	m.IsRead = false
	p.CurrentMessages = append(slices.Clip(p.CurrentMessages), m)

	k := p.conversationIndex(m.ConversationID)
	c := *p.CurrentConversation
	if k >= 0 {
		c = p.Conversations[k]
	}
	last := m
	c.LastMessage = &last
	c.LastMessageAt = m.CreatedAt
	p = putConversation(p, k, c)
	cc := c
	p.CurrentConversation = &cc
	return p
}

// ── Presence ─────────────────────────────────────────────

func reduceOnlineMerchants(p Projection, e OnlineMerchantsEvent) Projection {
	set := make(map[string]bool, len(e.MerchantIDs))
	ids := make([]string, 0, len(e.MerchantIDs))
	for _, id := range e.MerchantIDs {
		if id != "" && !set[id] {
			set[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	p.OnlineMerchants = ids

	var out []Conversation
	for i, c := range p.Conversations {
		u := c.OtherUser
		if u == nil || u.Role == string(RoleStudent) || u.Online == set[u.ID] {
			continue
		}
		if out == nil {
			out = slices.Clone(p.Conversations)
		}
		out[i] = withOnline(c, set[u.ID])
	}
	if out != nil {
		p.Conversations = out
	}
	return p
}

func reducePresence(p Projection, e PresenceUpdateEvent) Projection {
	if e.UserID == "" {
		return p
	}
	if e.Role == "" || e.Role == string(RoleMerchant) {
		i := sort.SearchStrings(p.OnlineMerchants, e.UserID)
		found := i < len(p.OnlineMerchants) && p.OnlineMerchants[i] == e.UserID
		switch {
		case e.Online && !found:
			p.OnlineMerchants = slices.Insert(slices.Clone(p.OnlineMerchants), i, e.UserID)
		case !e.Online && found:
			p.OnlineMerchants = slices.Delete(slices.Clone(p.OnlineMerchants), i, i+1)
		}
	}
	for i, c := range p.Conversations {
		if c.OtherUser != nil && c.OtherUser.ID == e.UserID && c.OtherUser.Online != e.Online {
			p.Conversations = replaceAt(p.Conversations, i, withOnline(c, e.Online))
		}
	}
	return p
}

func withOnline(c Conversation, online bool) Conversation {
	if c.OtherUser == nil {
		return c
	}
	u := *c.OtherUser
	u.Online = online
	c.OtherUser = &u
	return c
}

// ── Errors ───────────────────────────────────────────────

func reduceError(p Projection, e ErrorEvent) Projection {
	p.LastError = e.Err()
	if i := p.requestIndex(e.RequestID); i >= 0 && p.Requests[i].PendingAction != "" {
		r := p.Requests[i]
		r.PendingAction = ""
		p.Requests = replaceAt(p.Requests, i, r)
	}
	return p
}

// ── Helpers ──────────────────────────────────────────────

// putConversation replaces the conversation at k (or inserts it when k < 0)
// and keeps the list ordered by last_message_at, newest first.
func putConversation(p Projection, k int, c Conversation) Projection {
	var out []Conversation
	if k >= 0 {
		out = replaceAt(p.Conversations, k, c)
	} else {
		out = append(slices.Clone(p.Conversations), c)
	}
	sortConversations(out)
	p.Conversations = out
	return p
}

func sortConversations(cs []Conversation) {
	sort.SliceStable(cs, func(i, j int) bool {
		return cs[i].LastMessageAt.After(cs[j].LastMessageAt)
	})
}

func replaceAt[T any](s []T, i int, v T) []T {
	out := slices.Clone(s)
	out[i] = v
	return out
}
