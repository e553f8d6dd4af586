package tracer

import (
	"context"
	"errors"
	"sync"

	"github.com/nextranet/intercom/c-plane/internal/bus"
	"github.com/nextranet/intercom/c-plane/internal/logger"
	"github.com/nextranet/intercom/c-plane/internal/models"
)

const sender = "EventTracer"

// Set is every tracer of the gateway. Categories are independent; they share
// the subscriber and are re-established together after a reconnect.
type Set struct {
	CallStatus         *CallStatusTracer
	CallLeg            *CallLegTracer
	DeviceRegistration *DeviceRegistrationTracer
	GpioIn             *GpioTracer
	GpioOut            *GpioTracer
	AudioDetection     *AudioTracer
	AudioData          *AudioTracer
	AudioHeartbeat     *AudioTracer

	mu           sync.Mutex
	gpioDevices  map[string]struct{}
	globalTraces []*Tracer
}

// NewSet creates all tracers. GPIO and audio events are republished on b.
func NewSet(sub Subscriber, b *bus.Bus) *Set {
	s := &Set{
		CallStatus:         NewCallStatusTracer(sub),
		CallLeg:            NewCallLegTracer(sub),
		DeviceRegistration: NewDeviceRegistrationTracer(sub),
		GpioIn:             NewGpioTracer(sub, models.GpioInput),
		GpioOut:            NewGpioTracer(sub, models.GpioOutput),
		AudioDetection:     NewAudioTracer(sub, models.AudioDetection),
		AudioData:          NewAudioTracer(sub, models.AudioData),
		AudioHeartbeat:     NewAudioTracer(sub, models.AudioHeartbeat),
		gpioDevices:        make(map[string]struct{}),
	}
	s.globalTraces = []*Tracer{
		s.CallStatus.Tracer, s.CallLeg.Tracer, s.DeviceRegistration.Tracer,
		s.GpioIn.Tracer, s.GpioOut.Tracer,
		s.AudioDetection.Tracer, s.AudioData.Tracer, s.AudioHeartbeat.Tracer,
	}

	if b != nil {
		publishGpio := func(ev models.GpioEvent) { b.Publish(sender, bus.GpioChanged, ev) }
		s.GpioIn.OnEvent(publishGpio)
		s.GpioOut.OnEvent(publishGpio)

		publishAudio := func(ev *models.AudioEvent) { b.Publish(sender, bus.AudioAnalytics, ev) }
		s.AudioDetection.OnEvent(publishAudio)
		s.AudioData.OnEvent(publishAudio)
		s.AudioHeartbeat.OnEvent(publishAudio)
	}
	return s
}

// EnsureSubscribed subscribes every category and every device GPIO key
// requested so far. Categories that fail stay unsubscribed; the joined error
// reports them.
func (s *Set) EnsureSubscribed(ctx context.Context) error {
	var errs []error
	for _, t := range s.globalTraces {
		if err := t.EnsureSubscribed(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	for _, dirno := range s.gpioDeviceList() {
		if err := s.subscribeDevice(ctx, dirno); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		logger.TracerLog.Warnf("%d subscriptions failed", len(errs))
	}
	return errors.Join(errs...)
}

// TraceDeviceGpio subscribes the per-device GPIO topics of dirno and keeps
// them across reconnects
func (s *Set) TraceDeviceGpio(ctx context.Context, dirno string) error {
	if dirno == "" {
		return models.ErrInvalidDirNo
	}
	s.mu.Lock()
	s.gpioDevices[dirno] = struct{}{}
	s.mu.Unlock()
	return s.subscribeDevice(ctx, dirno)
}

// UntraceDeviceGpio removes the per-device GPIO subscriptions of dirno
func (s *Set) UntraceDeviceGpio(ctx context.Context, dirno string) error {
	s.mu.Lock()
	delete(s.gpioDevices, dirno)
	s.mu.Unlock()
	return errors.Join(s.GpioIn.Dispose(ctx, dirno), s.GpioOut.Dispose(ctx, dirno))
}

func (s *Set) subscribeDevice(ctx context.Context, dirno string) error {
	return errors.Join(
		s.GpioIn.EnsureSubscribedFor(ctx, dirno),
		s.GpioOut.EnsureSubscribedFor(ctx, dirno),
	)
}

func (s *Set) gpioDeviceList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]string, 0, len(s.gpioDevices))
	for d := range s.gpioDevices {
		list = append(list, d)
	}
	return list
}

// Reset forgets every handle after the session was lost
func (s *Set) Reset() {
	for _, t := range s.globalTraces {
		t.Reset()
	}
}

// DisposeAll unsubscribes everything; safe with no active subscription
func (s *Set) DisposeAll(ctx context.Context) {
	for _, t := range s.globalTraces {
		t.DisposeAll(ctx)
	}
}

// Status reports which categories are subscribed
func (s *Set) Status() map[string]bool {
	status := make(map[string]bool, len(s.globalTraces))
	for _, t := range s.globalTraces {
		status[t.Name()] = t.IsEnabled()
	}
	return status
}
