// Package tracer holds one subscription wrapper per backend event category.
// Each tracer keeps zero or one subscription per key, decodes event payloads
// and forwards typed values to its consumers.
package tracer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nextranet/intercom/c-plane/internal/logger"
	"github.com/nextranet/intercom/c-plane/internal/models"
	"github.com/nextranet/intercom/c-plane/internal/wamp"
)

// Subscriber is the subscription side of the connection manager
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler wamp.EventHandler) (uint64, error)
	Unsubscribe(ctx context.Context, subID uint64) error
}

// GlobalKey identifies the single subscription of a tracer that is not
// scoped to a device
const GlobalKey = ""

// Tracer manages the subscription handles of one event category
type Tracer struct {
	name     string
	sub      Subscriber
	topicFor func(key string) string
	handle   func(key string, e *wamp.Event)

	mu      sync.Mutex
	handles map[string]uint64
}

func newTracer(name string, sub Subscriber, topicFor func(string) string, handle func(string, *wamp.Event)) *Tracer {
	return &Tracer{
		name:     name,
		sub:      sub,
		topicFor: topicFor,
		handle:   handle,
		handles:  make(map[string]uint64),
	}
}

// Name returns the category name
func (t *Tracer) Name() string {
	return t.name
}

// EnsureSubscribed subscribes the global key unless already subscribed
func (t *Tracer) EnsureSubscribed(ctx context.Context) error {
	return t.EnsureSubscribedFor(ctx, GlobalKey)
}

// EnsureSubscribedFor subscribes key unless already subscribed. Authorization
// failures are logged and leave the key unsubscribed.
func (t *Tracer) EnsureSubscribedFor(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.handles[key]; ok {
		return nil
	}

	topic := t.topicFor(key)
	id, err := t.sub.Subscribe(ctx, topic, func(e *wamp.Event) {
		t.handle(key, e)
	})
	if err != nil {
		if errors.Is(err, models.ErrNotAuthorized) {
			logger.TracerLog.Errorf("Not authorized to subscribe %s: %v", topic, err)
		} else {
			logger.TracerLog.Warnf("Subscribe %s failed: %v", topic, err)
		}
		return fmt.Errorf("%s tracer: %w", t.name, err)
	}

	t.handles[key] = id
	logger.TracerLog.Debugf("Subscribed %s (id %d)", topic, id)
	return nil
}

// Dispose removes the subscription of key; unknown keys are ignored
func (t *Tracer) Dispose(ctx context.Context, key string) error {
	t.mu.Lock()
	id, ok := t.handles[key]
	delete(t.handles, key)
	t.mu.Unlock()

	if !ok {
		return nil
	}
	if err := t.sub.Unsubscribe(ctx, id); err != nil {
		logger.TracerLog.Warnf("Unsubscribe %s failed: %v", t.topicFor(key), err)
		return fmt.Errorf("%s tracer: %w", t.name, err)
	}
	return nil
}

// DisposeAll removes every subscription of the tracer
func (t *Tracer) DisposeAll(ctx context.Context) {
	t.mu.Lock()
	handles := t.handles
	t.handles = make(map[string]uint64)
	t.mu.Unlock()

	for key, id := range handles {
		if err := t.sub.Unsubscribe(ctx, id); err != nil {
			logger.TracerLog.Debugf("Unsubscribe %s failed: %v", t.topicFor(key), err)
		}
	}
}

// Reset forgets every handle without talking to the backend. Used after the
// session is gone and its subscriptions with it.
func (t *Tracer) Reset() {
	t.mu.Lock()
	t.handles = make(map[string]uint64)
	t.mu.Unlock()
}

// IsEnabled reports whether any subscription is active
func (t *Tracer) IsEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles) > 0
}

// IsEnabledFor reports whether key is subscribed
func (t *Tracer) IsEnabledFor(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.handles[key]
	return ok
}

// Keys returns the subscribed keys
func (t *Tracer) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.handles))
	for k := range t.handles {
		keys = append(keys, k)
	}
	return keys
}

// emitter fans a decoded value out to registered consumers
type emitter[T any] struct {
	mu       sync.RWMutex
	handlers []func(T)
}

func (e *emitter[T]) on(fn func(T)) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, fn)
}

func (e *emitter[T]) emit(source string, v T) {
	e.mu.RLock()
	handlers := make([]func(T), len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.RUnlock()

	for _, h := range handlers {
		invoke(source, h, v)
	}
}

func invoke[T any](source string, h func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			logger.TracerLog.Errorf("%s consumer panicked: %v", source, r)
		}
	}()
	h(v)
}
