package email

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_RoutesByAccount(t *testing.T) {
	bus := NewEventBus(4)
	one := bus.Subscribe(1)
	two := bus.Subscribe(2)
	all := bus.SubscribeAll()
	defer one.Close()
	defer two.Close()
	defer all.Close()

	bus.Publish(newEvent(1, EventNewMail))

	require.Len(t, one.C, 1)
	assert.Len(t, two.C, 0)
	require.Len(t, all.C, 1)

	ev := <-one.C
	assert.Equal(t, int64(1), ev.AccountID)
	assert.Equal(t, EventNewMail, ev.Type)
}

func TestEventBus_FullSubscriberDropsOldest(t *testing.T) {
	bus := NewEventBus(2)
	sub := bus.Subscribe(1)
	defer sub.Close()

	for i := 1; i <= 3; i++ {
		ev := newEvent(1, EventNewMail)
		ev.Count = i
		bus.Publish(ev)
	}

	require.Len(t, sub.C, 2)
	assert.Equal(t, 2, (<-sub.C).Count)
	assert.Equal(t, 3, (<-sub.C).Count)
}

func TestEventBus_CloseUnsubscribes(t *testing.T) {
	bus := NewEventBus(1)
	sub := bus.Subscribe(1)
	sub.Close()
	sub.Close()

	_, open := <-sub.C
	assert.False(t, open)

	assert.NotPanics(t, func() { bus.Publish(newEvent(1, EventConnected)) })
}

func TestEventFromUpdate(t *testing.T) {
	_, ok := eventFromUpdate(1, Update{Kind: UpdateMessageCount, Mailbox: "INBOX", Messages: 3, Delta: 0})
	assert.False(t, ok, "a shrinking or unchanged count is not new mail")

	ev, ok := eventFromUpdate(1, Update{Kind: UpdateMessageCount, Mailbox: "INBOX", Messages: 4, Delta: 1})
	require.True(t, ok)
	assert.Equal(t, EventNewMail, ev.Type)
	assert.Equal(t, 1, ev.Count)

	ev, ok = eventFromUpdate(1, Update{Kind: UpdateFlags, Mailbox: "Archive", SeqNum: 2, Flags: []string{FlagSeen}})
	require.True(t, ok)
	assert.Equal(t, EventFlagsChanged, ev.Type)
	assert.Equal(t, "Archive", ev.FolderPath)
}
