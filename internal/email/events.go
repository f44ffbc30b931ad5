package email

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names a pool or push notification
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventError        EventType = "error"
	EventNewMail      EventType = "new_mail"
	EventFlagsChanged EventType = "flags_changed"
	EventExpunged     EventType = "expunged"
)

// Event is delivered to subscribers of an account's stream
type Event struct {
	ID         string    `json:"id"`
	AccountID  int64     `json:"account_id"`
	Type       EventType `json:"type"`
	FolderPath string    `json:"folder_path,omitempty"`
	Count      int       `json:"count,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

func newEvent(accountID int64, typ EventType) Event {
	return Event{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Type:      typ,
		At:        time.Now().UTC(),
	}
}

// allAccounts subscribes to every account's events
const allAccounts int64 = 0

// Subscription is a bounded event queue
type Subscription struct {
	C <-chan Event

	ch        chan Event
	bus       *EventBus
	accountID int64
	once      sync.Once
}

// Close detaches the subscription from the bus and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.unsubscribe(s) })
}

// EventBus fans events out to per-account subscribers. Publish never blocks:
// a full subscriber loses its oldest queued event.
type EventBus struct {
	mu     sync.Mutex
	subs   map[int64]map[*Subscription]struct{}
	buffer int
}

// NewEventBus creates a bus whose subscriptions buffer up to buffer events
func NewEventBus(buffer int) *EventBus {
	if buffer < 1 {
		buffer = 1
	}
	return &EventBus{
		subs:   make(map[int64]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe returns a subscription to one account's events
func (b *EventBus) Subscribe(accountID int64) *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b, accountID: accountID}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[accountID] == nil {
		b.subs[accountID] = make(map[*Subscription]struct{})
	}
	b.subs[accountID][sub] = struct{}{}
	return sub
}

// SubscribeAll returns a subscription to every account's events
func (b *EventBus) SubscribeAll() *Subscription {
	return b.Subscribe(allAccounts)
}

func (b *EventBus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.accountID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.accountID)
		}
	}
	close(sub.ch)
}

// Publish delivers ev to the account's subscribers and to catch-all subscribers
func (b *EventBus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[ev.AccountID] {
		deliver(sub.ch, ev)
	}
	if ev.AccountID != allAccounts {
		for sub := range b.subs[allAccounts] {
			deliver(sub.ch, ev)
		}
	}
}

func deliver(ch chan Event, ev Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		// Drop the oldest event to make room.
		select {
		case <-ch:
		default:
		}
	}
}
