package devhub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	unimart "github.com/unimart/sdk/golang"
)

const sendQueue = 256

// command is the union of every outbound frame the SDK sends.
type command struct {
	Type           string `json:"type"`
	CorrelationID  string `json:"correlation_id"`
	RequestID      string `json:"request_id"`
	OfferID        string `json:"offer_id"`
	Status         string `json:"status"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	ClientID       string `json:"client_id"`
	UserID         string `json:"user_id"`
}

func (s *Server) serveSocket(channel unimart.Channel) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		id, _ := c.Locals(localsIdentity).(unimart.Identity)
		ctx := context.Background()
		log := s.log.With("user", id.UserID, "channel", string(channel))

		client := &Client{
			ID:      uuid.NewString(),
			UserID:  id.UserID,
			Channel: channel,
			Send:    make(chan []byte, sendQueue),
		}
		s.hub.RegisterClient(client)
		if channel == unimart.ChannelMessaging {
			s.deliver(ctx, s.market.SetOnline(id.UserID, true))
		}
		log.Info("socket connected")
		defer func() {
			s.hub.UnregisterClient(client)
			if channel == unimart.ChannelMessaging {
				s.deliver(ctx, s.market.SetOnline(id.UserID, false))
			}
			log.Info("socket disconnected")
		}()

		go func() {
			for msg := range client.Send {
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					log.Debug("write failed", "error", err)
					return
				}
			}
		}()

		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				log.Debug("read ended", "error", err)
				return
			}
			s.handleFrame(ctx, client, id, data)
		}
	}
}

// handleFrame runs one command and answers on the same socket. State events
// are fanned out before the reply so a correlated caller sees them first.
func (s *Server) handleFrame(ctx context.Context, client *Client, id unimart.Identity, data []byte) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil || cmd.Type == "" {
		s.reply(client, unimart.ErrorEvent{Reason: "malformed frame"})
		return
	}
	meta := unimart.Meta{CorrelationID: cmd.CorrelationID}

	var (
		reply unimart.Event
		ds    []Delivery
		err   error
	)
	if client.Channel == unimart.ChannelRequests {
		reply, ds, err = s.requestsCommand(id, cmd, meta)
	} else {
		reply, ds, err = s.messagingCommand(id, cmd, meta)
	}
	if err != nil {
		s.log.Debug("command rejected", "user", id.UserID, "type", cmd.Type, "error", err)
		s.reply(client, unimart.ErrorEvent{Meta: meta, Reason: err.Error(), RequestID: cmd.RequestID})
		return
	}

	s.deliver(ctx, ds)
	switch {
	case reply != nil:
		s.reply(client, reply)
	case cmd.CorrelationID != "":
		s.reply(client, unimart.AckEvent{Meta: meta})
	}
}

func (s *Server) requestsCommand(id unimart.Identity, cmd command, meta unimart.Meta) (unimart.Event, []Delivery, error) {
	switch unimart.CommandKind(cmd.Type) {
	case unimart.CmdGetUserRequests:
		return unimart.UserRequestsEvent{Meta: meta, Requests: s.market.UserRequests(id.UserID)}, nil, nil
	case unimart.CmdGetOpenRequests:
		if id.Role != unimart.RoleMerchant {
			return nil, nil, fmt.Errorf("open requests are for merchants: %w", ErrForbidden)
		}
		return unimart.UserRequestsEvent{Meta: meta, Requests: s.market.OpenRequests(id.UserID)}, nil, nil
	case unimart.CmdUpdateRequestStatus:
		ds, err := s.market.UpdateRequestStatus(id.UserID, cmd.RequestID, unimart.RequestStatus(cmd.Status))
		return nil, ds, err
	case unimart.CmdUpdateOfferStatus:
		ds, err := s.market.UpdateOfferStatus(id.UserID, cmd.RequestID, cmd.OfferID, unimart.OfferStatus(cmd.Status))
		return nil, ds, err
	}
	return nil, nil, fmt.Errorf("unknown command %q: %w", cmd.Type, ErrInvalid)
}

func (s *Server) messagingCommand(id unimart.Identity, cmd command, meta unimart.Meta) (unimart.Event, []Delivery, error) {
	switch unimart.CommandKind(cmd.Type) {
	case unimart.CmdGetConversations:
		return unimart.ConversationsEvent{Meta: meta, Conversations: s.market.Conversations(id.UserID)}, nil, nil
	case unimart.CmdGetMessages:
		msgs, err := s.market.Messages(id.UserID, cmd.ConversationID)
		if err != nil {
			return nil, nil, err
		}
		return unimart.ConversationMessagesEvent{Meta: meta, ConversationID: cmd.ConversationID, Messages: msgs}, nil, nil
	case unimart.CmdSendMessage:
		_, ds, err := s.market.SendMessage(id.UserID, cmd.ConversationID, cmd.Content, cmd.ClientID)
		return nil, ds, err
	case unimart.CmdMarkRead:
		ds, err := s.market.MarkRead(id.UserID, cmd.ConversationID)
		return nil, ds, err
	case unimart.CmdStartConversation:
		_, ds, err := s.market.StartConversation(id.UserID, cmd.UserID)
		return nil, ds, err
	case unimart.CmdGetOnlineMerchants:
		return unimart.OnlineMerchantsEvent{Meta: meta, MerchantIDs: s.market.OnlineMerchants()}, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown command %q: %w", cmd.Type, ErrInvalid)
}

func (s *Server) reply(client *Client, ev unimart.Event) {
	frame, err := unimart.EncodeEvent(ev)
	if err != nil {
		s.log.Error("cannot encode reply", "kind", ev.Kind().String(), "error", err)
		return
	}
	s.hub.SendToClient(client, frame)
}
