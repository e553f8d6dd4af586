// Package callsync keeps the registry consistent with the backend. It applies
// call status, call leg and device registration events as they arrive, runs
// full resyncs on request, and publishes one notification per changed
// collection.
package callsync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextranet/intercom/c-plane/internal/bus"
	appContext "github.com/nextranet/intercom/c-plane/internal/context"
	"github.com/nextranet/intercom/c-plane/internal/logger"
	"github.com/nextranet/intercom/c-plane/internal/models"
	"github.com/nextranet/intercom/c-plane/internal/rpc"
	"github.com/nextranet/intercom/c-plane/internal/tracer"
)

const sender = "SyncCore"

// Requests is the subset of backend requests the core needs
type Requests interface {
	CallList(ctx context.Context, filter rpc.CallFilter) ([]*models.CallPayload, error)
	CallLegs(ctx context.Context, filter rpc.CallFilter) ([]*models.LegPayload, error)
	RegisteredDevices(ctx context.Context) ([]*models.DeviceRegistration, error)
}

// DeviceStore persists registered devices
type DeviceStore interface {
	UpsertDevice(ctx context.Context, device *models.Device) error
}

// Core is the synchronization core. Mutations of one collection category
// serialize on that category's lock; unrelated categories proceed in
// parallel. The registry itself guards each list, the locks here make the
// lookup-then-change sequences atomic.
type Core struct {
	registry *appContext.Context
	bus      *bus.Bus
	requests Requests
	store    DeviceStore

	// set while a call status event is applied
	processing atomic.Bool
	dropped    atomic.Int64

	activeCallsMu sync.Mutex
	queueMu       sync.Mutex
	devicesMu     sync.Mutex
	resyncMu      sync.Mutex

	refreshInterval time.Duration
	syncSub         string
	cancel          context.CancelFunc

	// guards wg.Add against a concurrent Stop
	runMu   sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// Option configures the core
type Option func(*Core)

// WithStore persists device changes to store
func WithStore(store DeviceStore) Option {
	return func(c *Core) { c.store = store }
}

// WithRefreshInterval polls the device list periodically
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Core) { c.refreshInterval = d }
}

// New creates a core over registry
func New(registry *appContext.Context, b *bus.Bus, requests Requests, opts ...Option) *Core {
	c := &Core{
		registry: registry,
		bus:      b,
		requests: requests,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start reacts to sync requests and runs the device poll until ctx ends or
// Stop is called
func (c *Core) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.runMu.Lock()
	c.stopped = false
	c.runMu.Unlock()

	c.syncSub = c.bus.Subscribe(func(bus.Notification) {
		c.spawn(func() {
			if err := c.GetAllCallsAndQueues(ctx); err != nil {
				logger.SyncLog.Warnf("Resync failed: %v", err)
			}
		})
	}, bus.SyncRequested)

	if c.refreshInterval > 0 {
		c.spawn(func() { c.pollDevices(ctx) })
	}
	logger.SyncLog.Info("Synchronization core started")
}

// Stop ends background work and waits for it
func (c *Core) Stop() {
	if c.cancel == nil {
		return
	}
	c.bus.Unsubscribe(c.syncSub)
	c.cancel()

	c.runMu.Lock()
	c.stopped = true
	c.runMu.Unlock()
	c.wg.Wait()
	logger.SyncLog.Info("Synchronization core stopped")
}

// spawn runs fn in a tracked goroutine unless the core is stopping. It
// reports whether fn was started.
func (c *Core) spawn(fn func()) bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.stopped {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

func (c *Core) pollDevices(ctx context.Context) {
	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RefreshDevices(ctx); err != nil {
				logger.SyncLog.Debugf("Periodic device refresh skipped: %v", err)
			}
		}
	}
}

// Dropped returns how many call status events were skipped because another
// one was being applied
func (c *Core) Dropped() int64 {
	return c.dropped.Load()
}

// HandleCallStatus applies one call status event. The raw event is always
// published first. Events arriving while another is applied are dropped;
// the next resync corrects whatever they would have changed.
func (c *Core) HandleCallStatus(call *models.CallElement) {
	if call == nil {
		return
	}
	c.bus.Publish(sender, bus.CallEvent, call)

	if !c.processing.CompareAndSwap(false, true) {
		n := c.dropped.Add(1)
		logger.SyncLog.Debugf("Call %d (%s) dropped while another event is applied (%d total)", call.ID, call.State, n)
		return
	}
	defer c.processing.Store(false)
	defer c.recoverTo("call status")

	c.applyCall(call, true)
}

// applyCall runs the call status rules. notify controls the per-event
// notifications; resync publishes its own summary instead.
func (c *Core) applyCall(call *models.CallElement, notify bool) bool {
	operator := c.registry.OperatorDirNo()
	other := call.OtherParty(operator)

	if !c.registry.HasDevices() {
		logger.SyncLog.Debugf("Call %d ignored, device list not loaded", call.ID)
		return false
	}
	device, ok := c.registry.GetDevice(other)
	if !ok {
		logger.SyncLog.Debugf("Call %d ignored, device %s unknown", call.ID, other)
		return false
	}

	c.registry.UpdateDeviceCallState(device.DirNo, deviceCallState(call.State))
	changed := false

	switch call.State {
	case models.CallStateInCall:
		if call.Involves(operator) {
			c.activeCallsMu.Lock()
			changed = c.registry.AddActiveCall(device)
			c.activeCallsMu.Unlock()
		}
		if notify {
			if changed {
				c.bus.Publish(sender, bus.ActiveCallListChanged, c.registry.ActiveCalls())
			}
			c.bus.Publish(sender, bus.DeviceStateChanged, call)
			c.bus.Publish(sender, bus.ActiveVideoFeedChanged, call)
		}

	case models.CallStateEnded:
		c.activeCallsMu.Lock()
		removed := c.registry.RemoveActiveCall(call.FromDirNo, call.ToDirNo)
		c.activeCallsMu.Unlock()
		changed = len(removed) > 0
		if notify {
			if changed {
				c.bus.Publish(sender, bus.ActiveCallListChanged, c.registry.ActiveCalls())
			}
			c.bus.Publish(sender, bus.DeviceStateChanged, call)
			c.bus.Publish(sender, bus.CallLogEntryRequested, call)
		}

	case models.CallStateQueued, models.CallStateRinging:
		if notify {
			c.bus.Publish(sender, bus.DeviceStateChanged, call)
			c.bus.Publish(sender, bus.ActiveVideoFeedChanged, call)
		}

	default:
		if notify {
			c.bus.Publish(sender, bus.DeviceStateChanged, call)
		}
	}
	return changed
}

// HandleCallLeg applies one call leg event to the call queue
func (c *Core) HandleCallLeg(leg *models.CallLegElement) {
	if leg == nil {
		return
	}
	defer c.recoverTo("call leg")
	c.applyLeg(leg, true)
}

func (c *Core) applyLeg(leg *models.CallLegElement, notify bool) bool {
	switch {
	case leg.StateIs(models.LegStateRinging, models.LegStateWaiting):
		c.queueMu.Lock()
		added := c.registry.AddQueuedCall(leg)
		c.queueMu.Unlock()
		if !added {
			return false
		}
		c.registry.UpdateDeviceCallState(leg.FromDirNo, models.DeviceCallQueued)
		if notify {
			c.bus.Publish(sender, bus.CallQueueListChanged, c.registry.QueuedCalls())
			c.bus.Publish(sender, bus.PopupRequested, true)
		}
		return true

	case leg.StateIs(models.LegStateEnded, models.LegStateInCall):
		if leg.ReasonIs(models.CallReasonAbandoned) {
			logger.SyncLog.Infof("Queued call from %s abandoned", leg.FromDirNo)
			return false
		}
		c.queueMu.Lock()
		_, removed := c.registry.RemoveQueuedCall(leg.FromDirNo, leg.ToDirNo)
		c.queueMu.Unlock()
		if notify {
			if removed {
				c.bus.Publish(sender, bus.CallQueueListChanged, c.registry.QueuedCalls())
			}
			c.bus.Publish(sender, bus.PopupRequested, false)
		}
		return removed

	default:
		// init and unknown states carry no queue change
		return false
	}
}

// HandleDeviceRegistration upserts a device reported by a registration event
func (c *Core) HandleDeviceRegistration(device *models.Device) {
	if device == nil || device.DirNo == "" {
		return
	}
	defer c.recoverTo("device registration")

	c.devicesMu.Lock()
	isNew := c.registry.UpsertDevice(device)
	c.devicesMu.Unlock()

	if isNew {
		logger.SyncLog.Infof("Device %s (%s) registered", device.DirNo, device.DisplayName())
	}
	c.persist(context.Background(), device)

	c.bus.Publish(sender, bus.DeviceRegistrationChanged, device)
	c.bus.Publish(sender, bus.DeviceListChanged, c.registry.GetAllDevices())
}

// RefreshDevices replaces the registered device list with the backend's and
// requests a resync of calls and queues
func (c *Core) RefreshDevices(ctx context.Context) error {
	regs, err := c.requests.RegisteredDevices(ctx)
	if err != nil {
		c.bus.Exception(sender, fmt.Errorf("refresh devices: %w", err))
		return err
	}

	devices := make([]*models.Device, 0, len(regs))
	for _, r := range regs {
		if r == nil || r.DirNo == "" {
			continue
		}
		d := r.ToDevice()
		if prev, ok := c.registry.GetDevice(d.DirNo); ok && prev.CallState != "" {
			d.CallState = prev.CallState
		}
		devices = append(devices, d)
	}

	c.devicesMu.Lock()
	c.registry.SetDevices(devices)
	c.devicesMu.Unlock()

	for _, d := range devices {
		c.persist(ctx, d)
	}

	logger.SyncLog.Infof("Device list refreshed: %d devices", len(devices))
	c.bus.Publish(sender, bus.DeviceListChanged, c.registry.GetAllDevices())
	c.bus.Publish(sender, bus.SyncRequested, nil)
	return nil
}

// GetAllCallsAndQueues fetches every call and call leg and reconciles the
// active calls and the queue against them. Entries the backend no longer
// reports are removed.
func (c *Core) GetAllCallsAndQueues(ctx context.Context) error {
	c.resyncMu.Lock()
	defer c.resyncMu.Unlock()
	defer c.recoverTo("resync")

	payloads, err := c.requests.CallList(ctx, rpc.CallFilter{})
	if err != nil {
		c.bus.Exception(sender, fmt.Errorf("resync calls: %w", err))
		return err
	}
	legPayloads, err := c.requests.CallLegs(ctx, rpc.CallFilter{})
	if err != nil {
		c.bus.Exception(sender, fmt.Errorf("resync call legs: %w", err))
		return err
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	activeChanged := c.reconcileCalls(payloads)
	queueChanged := c.reconcileQueue(legPayloads)

	if activeChanged {
		c.bus.Publish(sender, bus.ActiveCallListChanged, c.registry.ActiveCalls())
	}
	if queueChanged {
		c.bus.Publish(sender, bus.CallQueueListChanged, c.registry.QueuedCalls())
		c.bus.Publish(sender, bus.PopupRequested, len(c.registry.QueuedCalls()) > 0)
	}
	c.bus.Publish(sender, bus.DeviceListChanged, c.registry.GetAllDevices())

	logger.SyncLog.Infof("Resync done: %d calls, %d legs", len(payloads), len(legPayloads))
	return nil
}

func (c *Core) reconcileCalls(payloads []*models.CallPayload) bool {
	operator := c.registry.OperatorDirNo()
	live := make(map[string]struct{})
	changed := false

	for _, p := range payloads {
		call, err := models.NewCallElement(p)
		if err != nil {
			logger.SyncLog.Warnf("Resync skipped call: %v", err)
			continue
		}
		if call.State == models.CallStateInCall && call.Involves(operator) {
			live[call.OtherParty(operator)] = struct{}{}
		}
		if c.applyCall(call, false) {
			changed = true
		}
	}

	var stale []string
	for _, d := range c.registry.ActiveCalls() {
		if _, ok := live[d.DirNo]; !ok {
			stale = append(stale, d.DirNo)
		}
	}
	if len(stale) > 0 {
		c.activeCallsMu.Lock()
		removed := c.registry.RemoveActiveCall(stale...)
		c.activeCallsMu.Unlock()
		for _, d := range removed {
			c.registry.UpdateDeviceCallState(d.DirNo, models.DeviceCallReachable)
		}
		changed = changed || len(removed) > 0
	}
	return changed
}

func (c *Core) reconcileQueue(payloads []*models.LegPayload) bool {
	waiting := make(map[string]struct{})
	changed := false

	for _, p := range payloads {
		if p == nil {
			continue
		}
		leg := models.NewCallLegElement(p)
		if leg.StateIs(models.LegStateRinging, models.LegStateWaiting) {
			waiting[leg.FromDirNo] = struct{}{}
		}
		if c.applyLeg(leg, false) {
			changed = true
		}
	}

	for _, q := range c.registry.QueuedCalls() {
		if _, ok := waiting[q.FromDirNo]; ok {
			continue
		}
		c.queueMu.Lock()
		_, removed := c.registry.RemoveQueuedCall(q.FromDirNo, q.ToDirNo)
		c.queueMu.Unlock()
		changed = changed || removed
	}
	return changed
}

func (c *Core) persist(ctx context.Context, device *models.Device) {
	if c.store == nil {
		return
	}
	if err := c.store.UpsertDevice(ctx, device); err != nil {
		logger.SyncLog.Warnf("Persisting device %s failed: %v", device.DirNo, err)
	}
}

// recoverTo turns a panic in event processing into an exception
// notification so the dispatch goroutine survives
func (c *Core) recoverTo(source string) {
	if r := recover(); r != nil {
		err := fmt.Errorf("%s processing panicked: %v", source, r)
		logger.SyncLog.Error(err)
		c.bus.Exception(sender, err)
	}
}

func deviceCallState(s models.CallState) models.DeviceCallState {
	switch s {
	case models.CallStateQueued:
		return models.DeviceCallQueued
	case models.CallStateRinging:
		return models.DeviceCallRinging
	case models.CallStateInCall:
		return models.DeviceCallInCall
	case models.CallStateEnded:
		return models.DeviceCallEnded
	case models.CallStateInit:
		return models.DeviceCallReachable
	default:
		return models.DeviceCallFault
	}
}

// Attach routes the tracer events into the core
func (c *Core) Attach(set *tracer.Set) {
	set.CallStatus.OnCall(c.HandleCallStatus)
	set.CallLeg.OnLeg(c.HandleCallLeg)
	set.DeviceRegistration.OnDevice(c.HandleDeviceRegistration)
}
