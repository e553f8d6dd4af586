package tracer

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/nextranet/intercom/c-plane/internal/logger"
	"github.com/nextranet/intercom/c-plane/internal/models"
	"github.com/nextranet/intercom/c-plane/internal/wamp"
)

// GpioTopic returns the event topic for dirno, or the global topic when
// dirno is empty
func GpioTopic(dir models.GpioDirection, dirno string) string {
	suffix := "gpi"
	if dir == models.GpioOutput {
		suffix = "gpo"
	}
	if dirno == GlobalKey {
		return "com.zenitel.device." + suffix
	}
	return fmt.Sprintf("com.zenitel.device.%s.%s", dirno, suffix)
}

// GpioTracer forwards GPIO changes of one direction. Per-device events carry
// no dirno, so subscriptions are keyed by dirno and every event is tagged
// with the key it arrived on. The global subscription relies on a dirno
// field in the payload instead.
type GpioTracer struct {
	*Tracer
	direction models.GpioDirection

	points emitter[*models.GpioPoint]
	events emitter[models.GpioEvent]
}

// NewGpioTracer creates a tracer for inputs or outputs
func NewGpioTracer(sub Subscriber, dir models.GpioDirection) *GpioTracer {
	t := &GpioTracer{direction: dir}
	name := "gpio " + string(dir)
	t.Tracer = newTracer(name, sub, func(key string) string { return GpioTopic(dir, key) }, t.handle)
	return t
}

// Direction returns the direction this tracer follows
func (t *GpioTracer) Direction() models.GpioDirection {
	return t.direction
}

// OnPoint registers a legacy consumer that receives the point only
func (t *GpioTracer) OnPoint(fn func(*models.GpioPoint)) {
	t.points.on(fn)
}

// OnEvent registers a consumer that receives the point with its dirno
func (t *GpioTracer) OnEvent(fn func(models.GpioEvent)) {
	t.events.on(fn)
}

func (t *GpioTracer) handle(key string, e *wamp.Event) {
	topic := GpioTopic(t.direction, key)
	data := bytes.TrimSpace(e.Payload())
	if len(data) == 0 {
		logger.TracerLog.Warnf("Empty event on %s", topic)
		return
	}

	// some firmware batches several points in one publication
	var payloads []*models.GpioPayload
	if data[0] == '[' {
		if err := json.Unmarshal(data, &payloads); err != nil {
			logger.TracerLog.Warnf("Dropping malformed event on %s: %v", topic, err)
			return
		}
	} else {
		var p models.GpioPayload
		if err := json.Unmarshal(data, &p); err != nil {
			logger.TracerLog.Warnf("Dropping malformed event on %s: %v", topic, err)
			return
		}
		payloads = append(payloads, &p)
	}

	for _, p := range payloads {
		if p == nil || p.ID == "" {
			continue
		}
		point := models.NewGpioPoint(t.direction, p, string(data))
		t.points.emit(t.name, point)

		dirno := key
		if dirno == GlobalKey {
			dirno = p.DirNo
		}
		if dirno == "" {
			logger.TracerLog.Debugf("GPIO %s on %s has no dirno, legacy consumers only", p.ID, topic)
			continue
		}
		t.events.emit(t.name, models.GpioEvent{DirNo: dirno, Point: point})
	}
}
