package devhub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	unimart "github.com/unimart/sdk/golang"
)

const pubsubPrefix = "unimart:devhub:"

// Client is one open socket.
type Client struct {
	ID      string
	UserID  string
	Channel unimart.Channel
	Send    chan []byte
}

type envelope struct {
	To    []string        `json:"to"`
	Frame json.RawMessage `json:"frame"`
}

// Hub fans frames out to the sockets of the addressed users. With a Redis
// client every frame goes through pub/sub so all hub instances deliver it.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client

	rdb *redis.Client
	log *slog.Logger
}

// NewHub creates a hub. rdb may be nil for a single instance.
func NewHub(rdb *redis.Client, log *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rdb:     rdb,
		log:     log,
	}
}

// RegisterClient adds an open socket.
func (h *Hub) RegisterClient(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	h.log.Debug("client registered", "client", c.ID, "user", c.UserID, "channel", string(c.Channel))
}

// UnregisterClient removes a socket and closes its send queue.
func (h *Hub) UnregisterClient(c *Client) {
	h.mu.Lock()
	if old, ok := h.clients[c.ID]; ok {
		delete(h.clients, c.ID)
		close(old.Send)
	}
	h.mu.Unlock()
	h.log.Debug("client unregistered", "client", c.ID)
}

// Connected reports how many sockets a user has open on a channel.
func (h *Hub) Connected(channel unimart.Channel, userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		if c.Channel == channel && c.UserID == userID {
			n++
		}
	}
	return n
}

// Deliver encodes each event once and sends it to its recipients.
func (h *Hub) Deliver(ctx context.Context, ds []Delivery) {
	for _, d := range ds {
		frame, err := unimart.EncodeEvent(d.Event)
		if err != nil {
			h.log.Error("cannot encode event", "kind", d.Event.Kind().String(), "error", err)
			continue
		}
		h.SendToUsers(ctx, d.Channel, d.To, frame)
	}
}

// SendToUsers queues frame on every socket the users hold on channel.
func (h *Hub) SendToUsers(ctx context.Context, channel unimart.Channel, to []string, frame []byte) {
	if h.rdb == nil {
		h.sendLocal(channel, to, frame)
		return
	}
	payload, _ := json.Marshal(envelope{To: to, Frame: frame})
	if err := h.rdb.Publish(ctx, pubsubPrefix+string(channel), payload).Err(); err != nil {
		h.log.Warn("publish failed, delivering locally", "error", err)
		h.sendLocal(channel, to, frame)
	}
}

func (h *Hub) sendLocal(channel unimart.Channel, to []string, frame []byte) {
	want := make(map[string]bool, len(to))
	for _, id := range to {
		want[id] = true
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.Channel != channel || !want[c.UserID] {
			continue
		}
		select {
		case c.Send <- frame:
		default:
			h.log.Warn("send queue full, dropping frame", "client", c.ID, "user", c.UserID)
		}
	}
}

// SendToClient queues frame on one socket if it is still registered.
func (h *Hub) SendToClient(c *Client, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	select {
	case c.Send <- frame:
	default:
		h.log.Warn("send queue full, dropping reply", "client", c.ID, "user", c.UserID)
	}
}

// Run relays pub/sub traffic to local sockets until ctx is done. Without
// Redis it only waits.
func (h *Hub) Run(ctx context.Context) {
	if h.rdb == nil {
		<-ctx.Done()
		return
	}

	sub := h.rdb.Subscribe(ctx,
		pubsubPrefix+string(unimart.ChannelRequests),
		pubsubPrefix+string(unimart.ChannelMessaging),
	)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.log.Warn("dropping malformed pubsub payload", "error", err)
				continue
			}
			channel := unimart.Channel(msg.Channel[len(pubsubPrefix):])
			h.sendLocal(channel, env.To, env.Frame)
		}
	}
}
