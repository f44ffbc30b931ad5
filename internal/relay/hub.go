package relay

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/email"
)

// MessageType represents the type of a relay frame
type MessageType string

const (
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeEvent       MessageType = "event"
	MessageTypeError       MessageType = "error"
)

// WSMessage is the JSON frame exchanged with relay clients
type WSMessage struct {
	Type      MessageType  `json:"type"`
	AccountID int64        `json:"account_id,omitempty"`
	Event     *email.Event `json:"event,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Hub maintains the set of active clients and routes account events to them
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Account subscriptions: accountID -> set of clients
	subscriptions map[int64]map[*Client]bool

	register    chan *Client
	unregister  chan *Client
	subscribe   chan *subscriptionRequest
	unsubscribe chan *subscriptionRequest

	// done is closed when Run returns
	done chan struct{}

	mu     sync.RWMutex
	logger *logrus.Logger
}

type subscriptionRequest struct {
	client    *Client
	accountID int64
}

// NewHub creates a new Hub instance
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		clients:       make(map[*Client]bool),
		subscriptions: make(map[int64]map[*Client]bool),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		subscribe:     make(chan *subscriptionRequest),
		unsubscribe:   make(chan *subscriptionRequest),
		done:          make(chan struct{}),
		logger:        logger,
	}
}

// Run is the hub's main loop. It relays events until ctx is done or events
// is closed, then disconnects every client.
func (h *Hub) Run(ctx context.Context, events <-chan email.Event) {
	defer func() {
		h.closeAll()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Relay client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			h.logger.Debug("Relay client unregistered")

		case req := <-h.subscribe:
			h.mu.Lock()
			if h.clients[req.client] {
				if h.subscriptions[req.accountID] == nil {
					h.subscriptions[req.accountID] = make(map[*Client]bool)
				}
				h.subscriptions[req.accountID][req.client] = true
			}
			h.mu.Unlock()
			h.logger.WithField("account", req.accountID).Debug("Relay client subscribed")

		case req := <-h.unsubscribe:
			h.mu.Lock()
			if subscribers, ok := h.subscriptions[req.accountID]; ok {
				delete(subscribers, req.client)
				if len(subscribers) == 0 {
					delete(h.subscriptions, req.accountID)
				}
			}
			h.mu.Unlock()

		case ev, ok := <-events:
			if !ok {
				return
			}
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev email.Event) {
	data, err := json.Marshal(WSMessage{Type: MessageTypeEvent, AccountID: ev.AccountID, Event: &ev})
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal relay event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.subscriptions[ev.AccountID] {
		if !client.trySend(data) {
			h.logger.WithField("account", ev.AccountID).Debug("Relay client buffer full, frame dropped")
		}
	}
}

// remove must be called with mu held.
func (h *Hub) remove(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	client.close()
	for accountID, subscribers := range h.subscriptions {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.subscriptions, accountID)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		h.remove(client)
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.enqueue(h.register, client)
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.enqueue(h.unregister, client)
}

func (h *Hub) enqueue(ch chan *Client, client *Client) {
	select {
	case ch <- client:
	case <-h.done:
	}
}

// Subscribe subscribes a client to an account's events
func (h *Hub) Subscribe(client *Client, accountID int64) {
	select {
	case h.subscribe <- &subscriptionRequest{client: client, accountID: accountID}:
	case <-h.done:
	}
}

// Unsubscribe removes a client's subscription to an account
func (h *Hub) Unsubscribe(client *Client, accountID int64) {
	select {
	case h.unsubscribe <- &subscriptionRequest{client: client, accountID: accountID}:
	case <-h.done:
	}
}

// Subscribers returns the number of clients subscribed to an account
func (h *Hub) Subscribers(accountID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions[accountID])
}
