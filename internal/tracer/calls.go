package tracer

import (
	"github.com/goccy/go-json"
	"github.com/nextranet/intercom/c-plane/internal/logger"
	"github.com/nextranet/intercom/c-plane/internal/models"
	"github.com/nextranet/intercom/c-plane/internal/wamp"
)

// Event topics
const (
	TopicCallStatus         = "com.zenitel.call"
	TopicCallLeg            = "com.zenitel.call_leg"
	TopicDeviceRegistration = "com.zenitel.system.device_account"
)

func fixedTopic(topic string) func(string) string {
	return func(string) string { return topic }
}

// decode unmarshals the event payload, logging and reporting false when it
// is missing or malformed
func decode(topic string, e *wamp.Event, v interface{}) bool {
	data := e.Payload()
	if len(data) == 0 {
		logger.TracerLog.Warnf("Empty event on %s", topic)
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		logger.TracerLog.Warnf("Dropping malformed event on %s: %v", topic, err)
		return false
	}
	return true
}

// CallStatusTracer forwards call status events
type CallStatusTracer struct {
	*Tracer
	calls emitter[*models.CallElement]
}

// NewCallStatusTracer creates the call status tracer
func NewCallStatusTracer(sub Subscriber) *CallStatusTracer {
	t := &CallStatusTracer{}
	t.Tracer = newTracer("call status", sub, fixedTopic(TopicCallStatus), t.handle)
	return t
}

// OnCall registers a consumer
func (t *CallStatusTracer) OnCall(fn func(*models.CallElement)) {
	t.calls.on(fn)
}

func (t *CallStatusTracer) handle(_ string, e *wamp.Event) {
	var p models.CallPayload
	if !decode(TopicCallStatus, e, &p) {
		return
	}
	call, err := models.NewCallElement(&p)
	if err != nil {
		logger.TracerLog.Warnf("Dropping call event: %v", err)
		return
	}
	t.calls.emit(t.name, call)
}

// CallLegTracer forwards call leg (queue) events
type CallLegTracer struct {
	*Tracer
	legs emitter[*models.CallLegElement]
}

// NewCallLegTracer creates the call leg tracer
func NewCallLegTracer(sub Subscriber) *CallLegTracer {
	t := &CallLegTracer{}
	t.Tracer = newTracer("call leg", sub, fixedTopic(TopicCallLeg), t.handle)
	return t
}

// OnLeg registers a consumer
func (t *CallLegTracer) OnLeg(fn func(*models.CallLegElement)) {
	t.legs.on(fn)
}

func (t *CallLegTracer) handle(_ string, e *wamp.Event) {
	var p models.LegPayload
	if !decode(TopicCallLeg, e, &p) {
		return
	}
	t.legs.emit(t.name, models.NewCallLegElement(&p))
}

// DeviceRegistrationTracer forwards device account changes
type DeviceRegistrationTracer struct {
	*Tracer
	devices emitter[*models.Device]
}

// NewDeviceRegistrationTracer creates the device registration tracer
func NewDeviceRegistrationTracer(sub Subscriber) *DeviceRegistrationTracer {
	t := &DeviceRegistrationTracer{}
	t.Tracer = newTracer("device registration", sub, fixedTopic(TopicDeviceRegistration), t.handle)
	return t
}

// OnDevice registers a consumer
func (t *DeviceRegistrationTracer) OnDevice(fn func(*models.Device)) {
	t.devices.on(fn)
}

func (t *DeviceRegistrationTracer) handle(_ string, e *wamp.Event) {
	var p models.DeviceRegistration
	if !decode(TopicDeviceRegistration, e, &p) {
		return
	}
	if p.DirNo == "" {
		logger.TracerLog.Warnf("Dropping device registration without dirno")
		return
	}
	t.devices.emit(t.name, p.ToDevice())
}
