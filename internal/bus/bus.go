// Package bus is the notification bus between the control core and its
// observers (REST/websocket surface, persistence, call log).
//
// Handlers run synchronously on the publishing goroutine in subscription
// order. Channel subscribers get a bounded buffer and lose notifications when
// they fall behind; the drop is counted and logged.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nextranet/intercom/c-plane/internal/logger"
)

// Topic names a notification channel
type Topic string

const (
	ConnectionChanged         Topic = "connection-changed"
	DeviceListChanged         Topic = "device-list-changed"
	ActiveCallListChanged     Topic = "active-call-list-changed"
	CallQueueListChanged      Topic = "call-queue-list-changed"
	DeviceStateChanged        Topic = "device-state-changed"
	ActiveVideoFeedChanged    Topic = "active-video-feed-changed"
	CallLogEntryRequested     Topic = "call-log-entry-requested"
	CallEvent                 Topic = "call-event"
	GroupsListChanged         Topic = "groups-list-changed"
	AudioMessagesChanged      Topic = "audio-messages-changed"
	CallForwardingChanged     Topic = "call-forwarding-rules-changed"
	ExceptionThrown           Topic = "exception-thrown"
	DebugChanged              Topic = "debug-changed"
	PopupRequested            Topic = "popup-requested"
	SyncRequested             Topic = "sync-requested"
	GpioChanged               Topic = "gpio-changed"
	AudioAnalytics            Topic = "audio-analytics"
	DeviceRegistrationChanged Topic = "device-registration-changed"
)

// Topics lists every topic in a stable order
var Topics = []Topic{
	ConnectionChanged, DeviceListChanged, ActiveCallListChanged,
	CallQueueListChanged, DeviceStateChanged, ActiveVideoFeedChanged,
	CallLogEntryRequested, CallEvent, GroupsListChanged, AudioMessagesChanged,
	CallForwardingChanged, ExceptionThrown, DebugChanged, PopupRequested,
	SyncRequested, GpioChanged, AudioAnalytics, DeviceRegistrationChanged,
}

// Notification is one published signal
type Notification struct {
	Topic   Topic       `json:"type"`
	Sender  string      `json:"sender"`
	Payload interface{} `json:"data,omitempty"`
	Time    time.Time   `json:"time"`
}

// DebugInfo is the payload of DebugChanged
type DebugInfo struct {
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// ExceptionInfo is the payload of ExceptionThrown
type ExceptionInfo struct {
	Source string `json:"source"`
	Error  string `json:"error"`
	err    error
}

// Err returns the original error
func (e ExceptionInfo) Err() error {
	return e.err
}

// Handler receives notifications
type Handler func(n Notification)

type subscription struct {
	id      string
	topics  map[Topic]struct{}
	handler Handler
}

func (s *subscription) wants(t Topic) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[t]
	return ok
}

// Bus dispatches notifications to subscribers
type Bus struct {
	mu   sync.RWMutex
	subs []*subscription

	dropped atomic.Int64
}

// New creates an empty bus
func New() *Bus {
	return &Bus{}
}

// Subscribe registers handler for the given topics, or for every topic when
// none are given. The returned id is used with Unsubscribe.
func (b *Bus) Subscribe(handler Handler, topics ...Topic) string {
	if handler == nil {
		return ""
	}

	sub := &subscription{
		id:      uuid.NewString(),
		topics:  make(map[Topic]struct{}, len(topics)),
		handler: handler,
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return sub.id
}

// Unsubscribe removes a subscription; unknown ids are ignored
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Channel subscribes a buffered channel. The cancel func unsubscribes and
// closes the channel.
func (b *Bus) Channel(buffer int, topics ...Topic) (<-chan Notification, func()) {
	ch := make(chan Notification, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)

	id := b.Subscribe(func(n Notification) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- n:
		default:
			b.dropped.Add(1)
			logger.BusLog.Warnf("Subscriber buffer full, dropping %s", n.Topic)
		}
	}, topics...)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.Unsubscribe(id)
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers a notification to every matching subscriber
func (b *Bus) Publish(sender string, topic Topic, payload interface{}) {
	n := Notification{
		Topic:   topic,
		Sender:  sender,
		Payload: payload,
		Time:    time.Now(),
	}

	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(topic) {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, n)
	}
}

func (b *Bus) deliver(s *subscription, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			logger.BusLog.Errorf("Handler for %s panicked: %v", n.Topic, r)
		}
	}()
	s.handler(n)
}

// Exception publishes err on ExceptionThrown
func (b *Bus) Exception(sender string, err error) {
	if err == nil {
		return
	}
	b.Publish(sender, ExceptionThrown, ExceptionInfo{Source: sender, Error: err.Error(), err: err})
}

// Debug publishes a diagnostic message on DebugChanged
func (b *Bus) Debug(sender, message string, value interface{}) {
	b.Publish(sender, DebugChanged, DebugInfo{Message: message, Value: value})
}

// Dropped returns how many channel deliveries were discarded
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of live subscriptions
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
