package bus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFiltersByTopic(t *testing.T) {
	b := New()

	var queue, all []Notification
	b.Subscribe(func(n Notification) { queue = append(queue, n) }, CallQueueListChanged)
	b.Subscribe(func(n Notification) { all = append(all, n) })

	b.Publish("test", CallQueueListChanged, nil)
	b.Publish("test", PopupRequested, true)

	require.Len(t, queue, 1)
	assert.Equal(t, CallQueueListChanged, queue[0].Topic)
	require.Len(t, all, 2)
	assert.Equal(t, true, all[1].Payload)
	assert.Equal(t, "test", all[1].Sender)
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	calls := 0
	id := b.Subscribe(func(Notification) { calls++ })
	b.Publish("test", DebugChanged, nil)
	b.Unsubscribe(id)
	b.Unsubscribe("unknown")
	b.Publish("test", DebugChanged, nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.SubscriberCount())
	assert.Empty(t, b.Subscribe(nil))
}

func TestPanickingHandlerDoesNotStopDelivery(t *testing.T) {
	b := New()
	delivered := false
	b.Subscribe(func(Notification) { panic("boom") })
	b.Subscribe(func(Notification) { delivered = true })

	b.Publish("test", CallEvent, nil)
	assert.True(t, delivered)
}

func TestChannelDropsWhenFull(t *testing.T) {
	b := New()
	ch, cancel := b.Channel(1, ConnectionChanged)

	b.Publish("test", ConnectionChanged, true)
	b.Publish("test", ConnectionChanged, false)

	n := <-ch
	assert.Equal(t, true, n.Payload)
	assert.Equal(t, int64(1), b.Dropped())

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	// publishing after cancel must not panic on the closed channel
	b.Publish("test", ConnectionChanged, true)
}

func TestException(t *testing.T) {
	b := New()
	var got ExceptionInfo
	b.Subscribe(func(n Notification) { got = n.Payload.(ExceptionInfo) }, ExceptionThrown)

	cause := errors.New("rpc failed")
	b.Exception("handler", cause)
	b.Exception("handler", nil)

	assert.Equal(t, "rpc failed", got.Error)
	assert.Equal(t, "handler", got.Source)
	assert.ErrorIs(t, got.Err(), cause)
}
