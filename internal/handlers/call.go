package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/nextranet/intercom/c-plane/internal/bus"
	appContext "github.com/nextranet/intercom/c-plane/internal/context"
	"github.com/nextranet/intercom/c-plane/internal/logger"
	"github.com/nextranet/intercom/c-plane/internal/models"
	"github.com/nextranet/intercom/c-plane/internal/rpc"
)

const callSender = "CallHandler"

// CallHandler sets up and tears down calls
type CallHandler struct {
	requests CallRequests
	registry *appContext.Context
	bus      *bus.Bus

	// mu serializes post and delete sequences so a hang-up-then-post cannot
	// interleave with another command
	mu sync.Mutex
}

// NewCallHandler creates a call dispatcher
func NewCallHandler(requests CallRequests, registry *appContext.Context, b *bus.Bus) *CallHandler {
	return &CallHandler{requests: requests, registry: registry, bus: b}
}

// PostCall sets up (or answers) a call from one dirno to another. With
// hangUpCurrent the operator's current active calls are ended first.
func (h *CallHandler) PostCall(ctx context.Context, from, to string, action models.CallAction, hangUpCurrent bool) (models.OperationResult, error) {
	if from == "" || to == "" {
		return models.Failure(models.ErrInvalidDirNo), fail(h.bus, callSender, "post call", models.ErrInvalidDirNo)
	}
	if action == "" {
		action = models.CallActionSetup
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if hangUpCurrent {
		for _, d := range h.registry.ActiveCalls() {
			if _, err := h.deleteByDirNoLocked(ctx, d.DirNo); err != nil && !errors.Is(err, models.ErrCallNotFound) {
				return models.Failure(err), fail(h.bus, callSender, "hang up "+d.DirNo, err)
			}
		}
	}

	logger.HandlerLog.Infof("Posting call %s -> %s (%s)", from, to, action)
	res, err := h.requests.PostCall(ctx, rpc.PostCallRequest{
		FromDirNo: from,
		ToDirNo:   to,
		Action:    action,
	})
	return checked(h.bus, callSender, "post call", res, err)
}

// DeleteCall ends the call in which dirno takes part
func (h *CallHandler) DeleteCall(ctx context.Context, dirno string) (models.OperationResult, error) {
	if dirno == "" {
		return models.Failure(models.ErrInvalidDirNo), fail(h.bus, callSender, "delete call", models.ErrInvalidDirNo)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	res, err := h.deleteByDirNoLocked(ctx, dirno)
	if err != nil {
		return res, fail(h.bus, callSender, "delete call "+dirno, err)
	}
	return res, nil
}

// DeleteCallByID ends one call by its id
func (h *CallHandler) DeleteCallByID(ctx context.Context, callID int) (models.OperationResult, error) {
	if callID <= 0 {
		return models.Failure(models.ErrInvalidCallID), fail(h.bus, callSender, "delete call", models.ErrInvalidCallID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	res, err := h.requests.DeleteCallByID(ctx, callID)
	return checked(h.bus, callSender, fmt.Sprintf("delete call %d", callID), res, err)
}

// DeleteAllCalls ends every call known to the backend and clears the active
// call list and the queue
func (h *CallHandler) DeleteAllCalls(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	payloads, err := h.requests.CallList(ctx, rpc.CallFilter{})
	if err != nil {
		return fail(h.bus, callSender, "delete all calls", err)
	}

	var errs []error
	for _, p := range payloads {
		call, err := models.NewCallElement(p)
		if err != nil {
			logger.HandlerLog.Warnf("Skipping call: %v", err)
			continue
		}
		res, err := h.requests.DeleteCallByID(ctx, call.ID)
		if err == nil && !res.Succeeded() {
			err = fmt.Errorf("%w: %s", models.ErrRPCFailed, res.Message)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("call %d: %w", call.ID, err))
		}
	}

	if ctx.Err() != nil {
		return fail(h.bus, callSender, "delete all calls", ctx.Err())
	}

	if h.registry.ClearActiveCalls() {
		h.bus.Publish(callSender, bus.ActiveCallListChanged, h.registry.ActiveCalls())
	}
	if h.registry.ClearQueue() {
		h.bus.Publish(callSender, bus.CallQueueListChanged, h.registry.QueuedCalls())
	}

	if err := errors.Join(errs...); err != nil {
		return fail(h.bus, callSender, "delete all calls", err)
	}
	logger.HandlerLog.Infof("Deleted %d calls", len(payloads))
	return nil
}

// deleteByDirNoLocked finds the call of dirno among active calls, then among
// queued legs, and deletes it by id. Errors are returned unreported.
func (h *CallHandler) deleteByDirNoLocked(ctx context.Context, dirno string) (models.OperationResult, error) {
	callID, err := h.findCallID(ctx, dirno)
	if err != nil {
		return models.Failure(err), err
	}

	res, err := h.requests.DeleteCallByID(ctx, callID)
	if err != nil {
		return res, err
	}
	if !res.Succeeded() {
		return res, fmt.Errorf("%w: %s", models.ErrRPCFailed, res.Message)
	}

	if removed := h.registry.RemoveActiveCall(dirno); len(removed) > 0 {
		h.bus.Publish(callSender, bus.ActiveCallListChanged, h.registry.ActiveCalls())
	}
	if leg, ok := h.registry.FindQueuedCall(dirno); ok {
		if _, removed := h.registry.RemoveQueuedCall(leg.FromDirNo, leg.ToDirNo); removed {
			h.bus.Publish(callSender, bus.CallQueueListChanged, h.registry.QueuedCalls())
		}
	}
	return res, nil
}

func (h *CallHandler) findCallID(ctx context.Context, dirno string) (int, error) {
	calls, err := h.requests.CallList(ctx, rpc.CallFilter{})
	if err != nil {
		return 0, err
	}
	for _, p := range calls {
		call, err := models.NewCallElement(p)
		if err != nil {
			continue
		}
		if call.Involves(dirno) {
			return call.ID, nil
		}
	}

	legs, err := h.requests.CallLegs(ctx, rpc.CallFilter{})
	if err != nil {
		return 0, err
	}
	for _, p := range legs {
		leg := models.NewCallLegElement(p)
		if leg.FromDirNo != dirno && leg.ToDirNo != dirno && leg.DirNo != dirno {
			continue
		}
		if id, err := strconv.Atoi(leg.CallID); err == nil {
			return id, nil
		}
	}

	return 0, fmt.Errorf("%w: %s", models.ErrCallNotFound, dirno)
}
