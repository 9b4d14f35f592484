package unimart

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Channels
// ============================================================================

// Channel names one of the logical socket connections of a session.
type Channel string

const (
	ChannelRequests  Channel = "requests"
	ChannelMessaging Channel = "messaging"
)

// ============================================================================
// Event kinds
// ============================================================================

// EventKind is the closed set of inbound frame types. Frames whose `type` is
// not recognised decode to KindUnknown.
type EventKind string

const (
	KindUnknown EventKind = ""

	// Requests channel
	KindUserRequests        EventKind = "user_requests"
	KindNewRequest          EventKind = "new_request"
	KindRequestStatusUpdate EventKind = "request_status_update"
	KindOfferStatusUpdate   EventKind = "offer_status_update"
	KindNewOffer            EventKind = "new_offer"

	// Messaging channel
	KindConversations        EventKind = "conversations"
	KindConversationMessages EventKind = "conversation_messages"
	KindNewMessage           EventKind = "new_message"
	KindMessagesRead         EventKind = "messages_read"
	KindConversationStarted  EventKind = "conversation_started"
	KindOnlineMerchants      EventKind = "online_merchants"
	KindPresenceUpdate       EventKind = "presence_update"

	// Both channels
	KindAck   EventKind = "ack"
	KindError EventKind = "error"
)

var decoders = map[EventKind]func([]byte) (Event, error){
	KindUserRequests:         decodeAs[UserRequestsEvent],
	KindNewRequest:           decodeAs[NewRequestEvent],
	KindRequestStatusUpdate:  decodeAs[RequestStatusUpdateEvent],
	KindOfferStatusUpdate:    decodeAs[OfferStatusUpdateEvent],
	KindNewOffer:             decodeAs[NewOfferEvent],
	KindConversations:        decodeAs[ConversationsEvent],
	KindConversationMessages: decodeAs[ConversationMessagesEvent],
	KindNewMessage:           decodeAs[NewMessageEvent],
	KindMessagesRead:         decodeAs[MessagesReadEvent],
	KindConversationStarted:  decodeAs[ConversationStartedEvent],
	KindOnlineMerchants:      decodeAs[OnlineMerchantsEvent],
	KindPresenceUpdate:       decodeAs[PresenceUpdateEvent],
	KindAck:                  decodeAs[AckEvent],
	KindError:                decodeAs[ErrorEvent],
}

// ParseEventKind maps a wire `type` onto an EventKind, KindUnknown when the
// type is not part of the protocol.
func ParseEventKind(s string) EventKind {
	k := EventKind(s)
	if _, ok := decoders[k]; ok {
		return k
	}
	return KindUnknown
}

func (k EventKind) String() string {
	if k == KindUnknown {
		return "unknown"
	}
	return string(k)
}

// ============================================================================
// Events
// ============================================================================

// Event is a decoded inbound frame, or a local event applied by the Store.
type Event interface {
	Kind() EventKind
	Correlation() string
}

// Meta holds the envelope fields every frame may carry.
type Meta struct {
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (m Meta) Correlation() string { return m.CorrelationID }

// UserRequestsEvent is a bulk sync of the request list.
type UserRequestsEvent struct {
	Meta
	Requests []Request `json:"requests"`
}

func (UserRequestsEvent) Kind() EventKind { return KindUserRequests }

// NewRequestEvent announces a request that became visible to the user.
type NewRequestEvent struct {
	Meta
	Request Request `json:"request"`
}

func (NewRequestEvent) Kind() EventKind { return KindNewRequest }

// RequestStatusUpdateEvent carries an authoritative request status.
type RequestStatusUpdateEvent struct {
	Meta
	RequestID string        `json:"request_id"`
	Status    RequestStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
}

func (RequestStatusUpdateEvent) Kind() EventKind { return KindRequestStatusUpdate }

// OfferStatusUpdateEvent carries an authoritative offer status.
type OfferStatusUpdateEvent struct {
	Meta
	RequestID  string      `json:"request_id"`
	OfferID    string      `json:"offer_id"`
	MerchantID string      `json:"merchant_id"`
	Price      float64     `json:"price,omitempty"`
	Status     OfferStatus `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
}

func (OfferStatusUpdateEvent) Kind() EventKind { return KindOfferStatusUpdate }

// NewOfferEvent announces an offer made on a request.
type NewOfferEvent struct {
	Meta
	Offer Offer `json:"offer"`
}

func (NewOfferEvent) Kind() EventKind { return KindNewOffer }

// ConversationsEvent is a bulk sync of the conversation list.
type ConversationsEvent struct {
	Meta
	Conversations []Conversation `json:"conversations"`
}

func (ConversationsEvent) Kind() EventKind { return KindConversations }

// ConversationMessagesEvent is the message history of one conversation.
type ConversationMessagesEvent struct {
	Meta
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}

func (ConversationMessagesEvent) Kind() EventKind { return KindConversationMessages }

// NewMessageEvent delivers one message.
type NewMessageEvent struct {
	Meta
	Message Message `json:"message"`
}

func (NewMessageEvent) Kind() EventKind { return KindNewMessage }

// MessagesReadEvent reports that ReaderID has read a conversation.
type MessagesReadEvent struct {
	Meta
	ConversationID string    `json:"conversation_id"`
	ReaderID       string    `json:"reader_id"`
	Timestamp      time.Time `json:"timestamp"`
}

func (MessagesReadEvent) Kind() EventKind { return KindMessagesRead }

// ConversationStartedEvent confirms a conversation opened by start_conversation.
type ConversationStartedEvent struct {
	Meta
	Conversation Conversation `json:"conversation"`
}

func (ConversationStartedEvent) Kind() EventKind { return KindConversationStarted }

// OnlineMerchantsEvent lists merchants currently online.
type OnlineMerchantsEvent struct {
	Meta
	MerchantIDs []string `json:"merchant_ids"`
}

func (OnlineMerchantsEvent) Kind() EventKind { return KindOnlineMerchants }

// PresenceUpdateEvent reports a single user going on- or offline.
type PresenceUpdateEvent struct {
	Meta
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
	Online bool   `json:"online"`
}

func (PresenceUpdateEvent) Kind() EventKind { return KindPresenceUpdate }

// AckEvent acknowledges a correlated command.
type AckEvent struct {
	Meta
}

func (AckEvent) Kind() EventKind { return KindAck }

// ErrorEvent is an application-level failure reported by the server.
type ErrorEvent struct {
	Meta
	Reason    string `json:"reason"`
	RequestID string `json:"request_id,omitempty"`
}

func (ErrorEvent) Kind() EventKind { return KindError }

// Err converts the frame into a *ServerError.
func (e ErrorEvent) Err() *ServerError {
	return &ServerError{Reason: e.Reason, CorrelationID: e.CorrelationID, RequestID: e.RequestID}
}

// UnknownEvent is a well-formed frame whose type is not part of the protocol.
type UnknownEvent struct {
	Meta
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

func (UnknownEvent) Kind() EventKind { return KindUnknown }

// ============================================================================
// Decoding
// ============================================================================

var errMissingType = errors.New("frame has no type")

func decodeAs[T Event](data []byte) (Event, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// DecodeEvent decodes one inbound frame. Frames of an unknown type decode to
// an UnknownEvent; malformed frames return an error.
func DecodeEvent(data []byte) (Event, error) {
	var head struct {
		Type          string `json:"type"`
		CorrelationID string `json:"correlation_id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("decode frame: %w", errMissingType)
	}

	kind := ParseEventKind(head.Type)
	if kind == KindUnknown {
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return UnknownEvent{Meta: Meta{CorrelationID: head.CorrelationID}, Type: head.Type, Raw: raw}, nil
	}

	ev, err := decoders[kind](data)
	if err != nil {
		return nil, fmt.Errorf("decode %s frame: %w", kind, err)
	}
	return ev, nil
}

// ============================================================================
// Commands
// ============================================================================

// CommandKind is the set of outbound frame types.
type CommandKind string

const (
	CmdGetUserRequests     CommandKind = "get_user_requests"
	CmdGetOpenRequests     CommandKind = "get_open_requests"
	CmdUpdateRequestStatus CommandKind = "update_request_status"
	CmdUpdateOfferStatus   CommandKind = "update_offer_status"

	CmdGetConversations   CommandKind = "get_conversations"
	CmdGetMessages        CommandKind = "get_messages"
	CmdSendMessage        CommandKind = "send_message"
	CmdMarkRead           CommandKind = "mark_read"
	CmdStartConversation  CommandKind = "start_conversation"
	CmdGetOnlineMerchants CommandKind = "get_online_merchants"
)

// UpdateRequestStatusCommand asks the server to move a request to Status.
type UpdateRequestStatusCommand struct {
	RequestID string        `json:"request_id"`
	Status    RequestStatus `json:"status"`
}

// UpdateOfferStatusCommand accepts or declines an offer.
type UpdateOfferStatusCommand struct {
	RequestID string      `json:"request_id"`
	OfferID   string      `json:"offer_id"`
	Status    OfferStatus `json:"status"`
}

// ConversationCommand addresses one conversation (get_messages, mark_read).
type ConversationCommand struct {
	ConversationID string `json:"conversation_id"`
}

// SendMessageCommand posts a message; ClientID lets the echo replace the
// optimistic copy.
type SendMessageCommand struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	ClientID       string `json:"client_id,omitempty"`
}

// StartConversationCommand opens (or reuses) a conversation with UserID.
type StartConversationCommand struct {
	UserID string `json:"user_id"`
}

// EncodeCommand serialises {type, correlation_id?, ...payload}. payload must
// encode to a JSON object, or be nil.
func EncodeCommand(kind CommandKind, correlationID string, payload any) ([]byte, error) {
	return encodeFrame(string(kind), correlationID, payload)
}

// EncodeEvent serialises an inbound event back into its wire frame. Servers
// and tests use it to produce what DecodeEvent consumes.
func EncodeEvent(ev Event) ([]byte, error) {
	typ := string(ev.Kind())
	if u, ok := ev.(UnknownEvent); ok {
		typ = u.Type
	}
	return encodeFrame(typ, ev.Correlation(), ev)
}

func encodeFrame(typ, correlationID string, payload any) ([]byte, error) {
	obj := map[string]json.RawMessage{}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		if string(b) != "null" {
			if err := json.Unmarshal(b, &obj); err != nil {
				return nil, fmt.Errorf("encode %s payload: must be a JSON object: %w", typ, err)
			}
		}
	}

	t, _ := json.Marshal(typ)
	obj["type"] = t
	if correlationID != "" {
		c, _ := json.Marshal(correlationID)
		obj["correlation_id"] = c
	}
	return json.Marshal(obj)
}
