package handlers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextranet/intercom/c-plane/internal/bus"
	appContext "github.com/nextranet/intercom/c-plane/internal/context"
	"github.com/nextranet/intercom/c-plane/internal/logger"
	"github.com/nextranet/intercom/c-plane/internal/models"
	"github.com/nextranet/intercom/c-plane/internal/rpc"
)

const broadcastSender = "BroadcastingHandler"

// BroadcastingHandler keeps the group and audio message lists and plays
// audio messages to a target
type BroadcastingHandler struct {
	requests BroadcastRequests
	registry *appContext.Context
	bus      *bus.Bus

	groupsBusy   atomic.Bool
	groupsMu     sync.Mutex
	messagesBusy atomic.Bool
	messagesMu   sync.Mutex

	playMu   sync.Mutex
	playGen  uint64
	stopPlay context.CancelFunc
	playDone chan struct{}

	// unit scales AudioMessage.Duration
	unit time.Duration
}

// NewBroadcastingHandler creates a broadcasting dispatcher
func NewBroadcastingHandler(requests BroadcastRequests, registry *appContext.Context, b *bus.Bus) *BroadcastingHandler {
	return &BroadcastingHandler{
		requests: requests,
		registry: registry,
		bus:      b,
		unit:     time.Second,
	}
}

// RetrieveGroups fetches the group list. A fetch already running makes this
// call return ErrOperationInProgress.
func (h *BroadcastingHandler) RetrieveGroups(ctx context.Context) ([]*models.Group, error) {
	if !h.groupsBusy.CompareAndSwap(false, true) {
		return nil, models.ErrOperationInProgress
	}
	defer h.groupsBusy.Store(false)

	h.groupsMu.Lock()
	defer h.groupsMu.Unlock()

	groups, err := h.requests.Groups(ctx)
	if err != nil {
		return nil, fail(h.bus, broadcastSender, "retrieve groups", err)
	}
	if groups == nil {
		groups = []*models.Group{}
	}

	h.registry.SetGroups(groups)
	h.bus.Publish(broadcastSender, bus.GroupsListChanged, groups)
	logger.HandlerLog.Debugf("Retrieved %d groups", len(groups))
	return groups, nil
}

// RetrieveAudioMessages fetches the stored audio messages. A fetch already
// running makes this call return ErrOperationInProgress.
func (h *BroadcastingHandler) RetrieveAudioMessages(ctx context.Context) ([]*models.AudioMessage, error) {
	if !h.messagesBusy.CompareAndSwap(false, true) {
		return nil, models.ErrOperationInProgress
	}
	defer h.messagesBusy.Store(false)

	h.messagesMu.Lock()
	defer h.messagesMu.Unlock()

	msgs, err := h.requests.AudioMessages(ctx)
	if err != nil {
		h.bus.Publish(broadcastSender, bus.AudioMessagesChanged, false)
		return nil, fail(h.bus, broadcastSender, "retrieve audio messages", err)
	}
	if msgs == nil {
		msgs = []*models.AudioMessage{}
	}

	h.registry.SetAudioMessages(msgs)
	h.bus.Publish(broadcastSender, bus.AudioMessagesChanged, true)
	logger.HandlerLog.Debugf("Retrieved %d audio messages", len(msgs))
	return msgs, nil
}

// PlayAudioMessage plays msg to target repeat times in the background. A
// playback already running is cancelled; the new one starts after it has
// wound down.
func (h *BroadcastingHandler) PlayAudioMessage(ctx context.Context, msg *models.AudioMessage, target string, repeat int) error {
	if msg == nil || msg.DirNo == "" || target == "" {
		return fail(h.bus, broadcastSender, "play audio message", models.ErrInvalidDirNo)
	}
	if repeat < 1 {
		repeat = 1
	}

	playCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	h.playMu.Lock()
	if h.stopPlay != nil {
		h.stopPlay()
	}
	prev := h.playDone
	h.playGen++
	gen := h.playGen
	h.stopPlay, h.playDone = cancel, done
	h.playMu.Unlock()

	go func() {
		defer close(done)
		defer h.finish(gen, cancel)
		if prev != nil {
			<-prev
		}
		h.play(playCtx, *msg, target, repeat)
	}()
	return nil
}

// StopAudioMessage cancels the current playback and reports whether one was
// running
func (h *BroadcastingHandler) StopAudioMessage() bool {
	h.playMu.Lock()
	defer h.playMu.Unlock()
	if h.stopPlay == nil {
		return false
	}
	h.stopPlay()
	h.stopPlay = nil
	return true
}

// Playing reports whether a playback is running
func (h *BroadcastingHandler) Playing() bool {
	h.playMu.Lock()
	defer h.playMu.Unlock()
	return h.stopPlay != nil
}

func (h *BroadcastingHandler) finish(gen uint64, cancel context.CancelFunc) {
	cancel()
	h.playMu.Lock()
	defer h.playMu.Unlock()
	if h.playGen == gen {
		h.stopPlay, h.playDone = nil, nil
	}
}

func (h *BroadcastingHandler) play(ctx context.Context, msg models.AudioMessage, target string, repeat int) {
	wait := time.Duration(msg.Duration) * h.unit
	if wait <= 0 {
		wait = h.unit
	}

	logger.HandlerLog.Infof("Playing audio message %s (%s) to %s x%d", msg.DirNo, msg.FileName, target, repeat)
	for i := 0; i < repeat; i++ {
		if ctx.Err() != nil {
			break
		}
		res, err := h.requests.PostCall(ctx, rpc.PostCallRequest{
			FromDirNo: msg.DirNo,
			ToDirNo:   target,
			Action:    models.CallActionSetup,
		})
		if _, err := checked(h.bus, broadcastSender, "play audio message", res, err); err != nil {
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	if ctx.Err() != nil {
		logger.HandlerLog.Infof("Audio message %s cancelled", msg.DirNo)
		// end the message call still sounding on the target
		cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := h.requests.DeleteCalls(cleanup, msg.DirNo); err != nil {
			logger.HandlerLog.Warnf("Ending audio message %s: %v", msg.DirNo, err)
		}
	}
}
