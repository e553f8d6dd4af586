package tracer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/nextranet/intercom/c-plane/internal/bus"
	"github.com/nextranet/intercom/c-plane/internal/models"
	"github.com/nextranet/intercom/c-plane/internal/wamp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	mu          sync.Mutex
	next        uint64
	handlers    map[uint64]wamp.EventHandler
	topics      map[string]uint64
	subscribes  int
	unsubscribe int
	deny        map[string]bool
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{
		handlers: make(map[uint64]wamp.EventHandler),
		topics:   make(map[string]uint64),
		deny:     make(map[string]bool),
	}
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, topic string, handler wamp.EventHandler) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	if f.deny[topic] {
		return 0, fmt.Errorf("subscribe %s: %w", topic, &wamp.Error{URI: "wamp.error.not_authorized"})
	}
	f.next++
	f.handlers[f.next] = handler
	f.topics[topic] = f.next
	return f.next, nil
}

func (f *fakeSubscriber) Unsubscribe(ctx context.Context, subID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribe++
	delete(f.handlers, subID)
	for t, id := range f.topics {
		if id == subID {
			delete(f.topics, t)
		}
	}
	return nil
}

func (f *fakeSubscriber) publish(t *testing.T, topic string, payload string) {
	f.mu.Lock()
	id, ok := f.topics[topic]
	h := f.handlers[id]
	f.mu.Unlock()
	require.True(t, ok, "no subscription for %s", topic)
	h(&wamp.Event{Topic: topic, SubscriptionID: id, Args: []json.RawMessage{json.RawMessage(payload)}})
}

func TestEnsureSubscribedIsIdempotent(t *testing.T) {
	sub := newFakeSubscriber()
	tr := NewCallStatusTracer(sub)
	ctx := context.Background()

	assert.False(t, tr.IsEnabled())
	require.NoError(t, tr.EnsureSubscribed(ctx))
	require.NoError(t, tr.EnsureSubscribed(ctx))
	assert.Equal(t, 1, sub.subscribes)
	assert.True(t, tr.IsEnabled())
	assert.True(t, tr.IsEnabledFor(GlobalKey))

	require.NoError(t, tr.Dispose(ctx, GlobalKey))
	assert.False(t, tr.IsEnabled())
	require.NoError(t, tr.Dispose(ctx, GlobalKey), "disposing twice is a no-op")
	assert.Equal(t, 1, sub.unsubscribe)

	tr.DisposeAll(ctx)
	assert.Equal(t, 1, sub.unsubscribe)
}

func TestUnauthorizedSubscriptionStaysDisabled(t *testing.T) {
	sub := newFakeSubscriber()
	sub.deny[TopicCallLeg] = true
	tr := NewCallLegTracer(sub)

	err := tr.EnsureSubscribed(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNotAuthorized))
	assert.False(t, tr.IsEnabled())

	delete(sub.deny, TopicCallLeg)
	require.NoError(t, tr.EnsureSubscribed(context.Background()), "caller may retry")
	assert.True(t, tr.IsEnabled())
}

func TestCallStatusDecoding(t *testing.T) {
	sub := newFakeSubscriber()
	tr := NewCallStatusTracer(sub)
	require.NoError(t, tr.EnsureSubscribed(context.Background()))

	var got []*models.CallElement
	tr.OnCall(func(c *models.CallElement) { got = append(got, c) })

	sub.publish(t, TopicCallStatus, `{"call_id":"7","from_dirno":"200","to_dirno":"100","state":"in_call"}`)
	sub.publish(t, TopicCallStatus, `{"call_id":`)
	sub.publish(t, TopicCallStatus, `{"call_id":"abc","state":"ringing"}`)

	require.Len(t, got, 1, "malformed and untrackable events are dropped")
	assert.Equal(t, 7, got[0].ID)
	assert.Equal(t, models.CallStateInCall, got[0].State)
}

func TestConsumerPanicDoesNotStopDispatch(t *testing.T) {
	sub := newFakeSubscriber()
	tr := NewCallLegTracer(sub)
	require.NoError(t, tr.EnsureSubscribed(context.Background()))

	var got int
	tr.OnLeg(func(*models.CallLegElement) { panic("boom") })
	tr.OnLeg(func(*models.CallLegElement) { got++ })

	sub.publish(t, TopicCallLeg, `{"from_dirno":"300","state":"ringing"}`)
	assert.Equal(t, 1, got)
}

func TestGpioDirnoCorrelation(t *testing.T) {
	sub := newFakeSubscriber()
	tr := NewGpioTracer(sub, models.GpioOutput)
	ctx := context.Background()
	require.NoError(t, tr.EnsureSubscribedFor(ctx, "150"))
	require.NoError(t, tr.EnsureSubscribed(ctx))
	assert.ElementsMatch(t, []string{"150", GlobalKey}, tr.Keys())

	var points []*models.GpioPoint
	var events []models.GpioEvent
	tr.OnPoint(func(p *models.GpioPoint) { points = append(points, p) })
	tr.OnEvent(func(e models.GpioEvent) { events = append(events, e) })

	// per-device payloads carry no dirno
	sub.publish(t, "com.zenitel.device.150.gpo", `{"id":"relay1","operation":"set"}`)
	require.Len(t, events, 1)
	assert.Equal(t, "150", events[0].DirNo)
	assert.Equal(t, models.GpioActive, events[0].Point.State)
	assert.Equal(t, "relay1", events[0].Point.ID)

	// the global topic relies on the payload
	sub.publish(t, "com.zenitel.device.gpo", `{"id":"relay2","dirno":"151","state":"inactive"}`)
	require.Len(t, events, 2)
	assert.Equal(t, "151", events[1].DirNo)
	assert.Equal(t, models.GpioInactive, events[1].Point.State)

	// without any dirno only legacy consumers hear about it
	sub.publish(t, "com.zenitel.device.gpo", `{"id":"relay3","state":"active"}`)
	assert.Len(t, events, 2)
	assert.Len(t, points, 3)
}

func TestGpioBatchPayload(t *testing.T) {
	sub := newFakeSubscriber()
	tr := NewGpioTracer(sub, models.GpioInput)
	require.NoError(t, tr.EnsureSubscribedFor(context.Background(), "150"))

	var events []models.GpioEvent
	tr.OnEvent(func(e models.GpioEvent) { events = append(events, e) })

	sub.publish(t, "com.zenitel.device.150.gpi", `[{"id":"in1","state":"active"},{"id":"in2","state":"inactive"}]`)
	require.Len(t, events, 2)
	assert.Equal(t, models.GpioInput, events[0].Point.Direction)
}

func TestSetResubscribesAfterReset(t *testing.T) {
	sub := newFakeSubscriber()
	b := bus.New()
	gpio, cancel := b.Channel(4, bus.GpioChanged)
	defer cancel()

	s := NewSet(sub, b)
	ctx := context.Background()

	require.NoError(t, s.EnsureSubscribed(ctx))
	require.NoError(t, s.TraceDeviceGpio(ctx, "150"))
	for name, on := range s.Status() {
		assert.True(t, on, name)
	}
	before := sub.subscribes

	require.NoError(t, s.EnsureSubscribed(ctx))
	assert.Equal(t, before, sub.subscribes, "nothing new to subscribe")

	s.Reset()
	assert.False(t, s.CallStatus.IsEnabled())
	require.NoError(t, s.EnsureSubscribed(ctx))
	assert.Equal(t, 2*before, sub.subscribes)
	assert.True(t, s.GpioIn.IsEnabledFor("150"))

	sub.publish(t, "com.zenitel.device.150.gpi", `{"id":"in1","state":"active"}`)
	n := <-gpio
	assert.Equal(t, "150", n.Payload.(models.GpioEvent).DirNo)

	require.NoError(t, s.UntraceDeviceGpio(ctx, "150"))
	assert.False(t, s.GpioIn.IsEnabledFor("150"))

	s.DisposeAll(ctx)
	s.DisposeAll(ctx)
	assert.False(t, s.CallStatus.IsEnabled())
}

func TestAudioEvents(t *testing.T) {
	sub := newFakeSubscriber()
	tr := NewAudioTracer(sub, models.AudioDetection)
	require.NoError(t, tr.EnsureSubscribed(context.Background()))

	var got *models.AudioEvent
	tr.OnEvent(func(e *models.AudioEvent) { got = e })

	sub.publish(t, AudioTopic(models.AudioDetection), `{"dirno":150,"event":"gunshot"}`)
	require.NotNil(t, got)
	assert.Equal(t, "150", got.DirNo)
	assert.Equal(t, models.AudioDetection, got.Kind)
	assert.Equal(t, "gunshot", got.Data["event"])
}
