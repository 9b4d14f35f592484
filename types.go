package unimart

import (
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotConnected is returned by Send when the channel socket is not open.
	// The frame has been dropped and logged.
	ErrNotConnected = errors.New("unimart: not connected")

	// ErrTimeout is returned when a correlated request receives no reply in time.
	ErrTimeout = errors.New("unimart: request timed out")

	// ErrClosed is returned to correlated requests still waiting when the
	// connection is deliberately torn down.
	ErrClosed = errors.New("unimart: connection closed")

	// ErrNoIdentity is returned when neither the token claims nor the REST API
	// yield a user id.
	ErrNoIdentity = errors.New("unimart: cannot determine user identity")

	// ErrIllegalTransition is returned by actions asking for a status change
	// the request lifecycle does not allow.
	ErrIllegalTransition = errors.New("unimart: illegal status transition")

	// ErrUnknownRequest is returned by actions on a request not in the view.
	ErrUnknownRequest = errors.New("unimart: unknown request")

	// ErrNoConversation is returned by SendMessage when no confirmed
	// conversation is open.
	ErrNoConversation = errors.New("unimart: no open conversation")

	// ErrSessionClosed is returned by actions on a closed session.
	ErrSessionClosed = errors.New("unimart: session closed")
)

// APIError represents a failed REST call.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("unimart api %d: %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("unimart api %d: %s", e.Status, e.Message)
}

// ServerError is an application-level failure reported by the server as an
// `error` frame.
type ServerError struct {
	Reason        string
	CorrelationID string
	RequestID     string
}

func (e *ServerError) Error() string {
	if e.RequestID != "" {
		return "unimart server: " + e.Reason + " (request " + e.RequestID + ")"
	}
	return "unimart server: " + e.Reason
}

// ============================================================================
// Requests & Offers
// ============================================================================

// RequestStatus is the lifecycle state of a Request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestOngoing   RequestStatus = "ONGOING"
	RequestCompleted RequestStatus = "COMPLETED"
	RequestCancelled RequestStatus = "CANCELLED"
)

// Valid reports whether s is one of the known request states.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestPending, RequestOngoing, RequestCompleted, RequestCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestCancelled
}

// CanTransition reports whether a request may move from one status to another.
// Allowed edges: PENDING→ONGOING, ONGOING→COMPLETED, PENDING→CANCELLED.
func CanTransition(from, to RequestStatus) bool {
	switch from {
	case RequestPending:
		return to == RequestOngoing || to == RequestCancelled
	case RequestOngoing:
		return to == RequestCompleted
	}
	return false
}

// OfferStatus is the lifecycle state of an Offer.
type OfferStatus string

const (
	OfferPending  OfferStatus = "PENDING"
	OfferAccepted OfferStatus = "ACCEPTED"
	OfferDeclined OfferStatus = "DECLINED"
)

// Valid reports whether s is one of the known offer states.
func (s OfferStatus) Valid() bool {
	return s == OfferPending || s == OfferAccepted || s == OfferDeclined
}

// Category is the category reference embedded in a Request.
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// OfferSummary is the accepted offer embedded in a Request.
type OfferSummary struct {
	ID         string  `json:"id"`
	MerchantID string  `json:"merchant_id"`
	Price      float64 `json:"price,omitempty"`
}

// Request is a want posted by a student.
type Request struct {
	ID            string        `json:"id"`
	OwnerID       string        `json:"owner_id,omitempty"`
	Title         string        `json:"title"`
	Description   string        `json:"description,omitempty"`
	Category      *Category     `json:"category,omitempty"`
	Status        RequestStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	ViewCount     int           `json:"view_count"`
	PendingOffers int           `json:"pending_offers"`
	TotalOffers   int           `json:"total_offers"`
	AcceptedOffer *OfferSummary `json:"accepted_offer,omitempty"`

	// Derived on every status change.
	CanCancel       bool `json:"can_cancel"`
	CanAcceptOffers bool `json:"can_accept_offers"`

	// PendingAction names a local action sent to the server and not yet
	// confirmed ("cancel", "complete", "accept_offer", ...).
	PendingAction string `json:"-"`
}

func (r Request) withDerivedFlags() Request {
	r.CanCancel = r.Status == RequestPending
	r.CanAcceptOffers = r.Status == RequestPending && r.PendingOffers > 0
	return r
}

// Offer is a merchant's response to a Request.
type Offer struct {
	ID         string      `json:"id"`
	RequestID  string      `json:"request_id"`
	MerchantID string      `json:"merchant_id"`
	Price      float64     `json:"price"`
	Message    string      `json:"message,omitempty"`
	Status     OfferStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
}

// CancellationNotice is produced once when a visible request is cancelled, so
// a UI can show a one-time notice.
type CancellationNotice struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ============================================================================
// Messaging
// ============================================================================

// UserSummary describes the other participant of a conversation.
type UserSummary struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role,omitempty"`
	Online bool   `json:"online,omitempty"`
}

// Message belongs to exactly one Conversation.
type Message struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"client_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	SenderID       string    `json:"sender_id"`
	CreatedAt      time.Time `json:"created_at"`
	IsRead         bool      `json:"is_read"`

	// Pending is set on a locally sent message until the server echoes it.
	Pending bool `json:"-"`
}

// IsSentBy reports whether userID authored the message.
func (m Message) IsSentBy(userID string) bool {
	return userID != "" && m.SenderID == userID
}

// Conversation is a messaging thread between two users.
type Conversation struct {
	ID            string       `json:"id"`
	OtherUser     *UserSummary `json:"other_user,omitempty"`
	LastMessage   *Message     `json:"last_message,omitempty"`
	LastMessageAt time.Time    `json:"last_message_at"`
	UnreadCount   int          `json:"unread_count"`

	// Pending is set on a conversation started locally until the server
	// confirms it with conversation_started.
	Pending bool `json:"-"`
}

// ============================================================================
// Identity
// ============================================================================

// Role of the authenticated user.
type Role string

const (
	RoleStudent  Role = "student"
	RoleMerchant Role = "merchant"
)

// Identity is the authenticated user as far as the sync engine cares.
type Identity struct {
	UserID string `json:"id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Role   Role   `json:"role,omitempty"`
}
