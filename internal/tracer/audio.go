package tracer

import (
	"fmt"

	"github.com/nextranet/intercom/c-plane/internal/models"
	"github.com/nextranet/intercom/c-plane/internal/wamp"
)

// AudioTopic returns the audio analytics topic of kind
func AudioTopic(kind models.AudioEventKind) string {
	return "com.zenitel.device.audio_analytics." + string(kind)
}

// AudioTracer forwards one kind of audio analytics event
type AudioTracer struct {
	*Tracer
	kind   models.AudioEventKind
	events emitter[*models.AudioEvent]
}

// NewAudioTracer creates a tracer for kind
func NewAudioTracer(sub Subscriber, kind models.AudioEventKind) *AudioTracer {
	t := &AudioTracer{kind: kind}
	t.Tracer = newTracer("audio "+string(kind), sub, fixedTopic(AudioTopic(kind)), t.handle)
	return t
}

// OnEvent registers a consumer
func (t *AudioTracer) OnEvent(fn func(*models.AudioEvent)) {
	t.events.on(fn)
}

func (t *AudioTracer) handle(_ string, e *wamp.Event) {
	var data map[string]interface{}
	if !decode(AudioTopic(t.kind), e, &data) {
		return
	}
	t.events.emit(t.name, &models.AudioEvent{
		Kind:  t.kind,
		DirNo: dirnoOf(data),
		Data:  data,
	})
}

func dirnoOf(data map[string]interface{}) string {
	for _, k := range []string{"dirno", "from_dirno", "device_dirno"} {
		switch v := data[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
