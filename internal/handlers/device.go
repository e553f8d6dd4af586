package handlers

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextranet/intercom/c-plane/internal/bus"
	appContext "github.com/nextranet/intercom/c-plane/internal/context"
	"github.com/nextranet/intercom/c-plane/internal/logger"
	"github.com/nextranet/intercom/c-plane/internal/models"
)

const (
	deviceSender = "DeviceHandler"
	doorSender   = "AccessControlHandler"
	gpioSender   = "GpioHandler"
)

// Key press edges
const (
	KeyEdgeTap     = "tap"
	KeyEdgePress   = "press"
	KeyEdgeRelease = "release"
)

// DeviceHandler runs maintenance commands on single devices
type DeviceHandler struct {
	requests DeviceRequests
	registry *appContext.Context
	bus      *bus.Bus
}

// NewDeviceHandler creates a device dispatcher
func NewDeviceHandler(requests DeviceRequests, registry *appContext.Context, b *bus.Bus) *DeviceHandler {
	return &DeviceHandler{requests: requests, registry: registry, bus: b}
}

// SimulateKeyPress presses key on dirno. An empty edge is a tap.
func (h *DeviceHandler) SimulateKeyPress(ctx context.Context, dirno, key, edge string) (models.OperationResult, error) {
	if err := knownDevice(h.registry, dirno); err != nil {
		return models.Failure(err), fail(h.bus, deviceSender, "key press", err)
	}
	if key == "" {
		return models.Failure(models.ErrMissingRequired), fail(h.bus, deviceSender, "key press", fmt.Errorf("%w: key", models.ErrMissingRequired))
	}
	switch edge {
	case "":
		edge = KeyEdgeTap
	case KeyEdgeTap, KeyEdgePress, KeyEdgeRelease:
	default:
		return models.Failure(models.ErrInvalidInput), fail(h.bus, deviceSender, "key press", fmt.Errorf("%w: edge %q", models.ErrInvalidInput, edge))
	}

	res, err := h.requests.KeyPress(ctx, dirno, key, edge)
	return checked(h.bus, deviceSender, "key press "+dirno, res, err)
}

// ToneTest starts a tone test on dirno
func (h *DeviceHandler) ToneTest(ctx context.Context, dirno, toneGroup string) (models.OperationResult, error) {
	if err := knownDevice(h.registry, dirno); err != nil {
		return models.Failure(err), fail(h.bus, deviceSender, "tone test", err)
	}
	res, err := h.requests.ToneTest(ctx, dirno, toneGroup)
	return checked(h.bus, deviceSender, "tone test "+dirno, res, err)
}

// AccessControlHandler operates door relays
type AccessControlHandler struct {
	requests DeviceRequests
	registry *appContext.Context
	bus      *bus.Bus
}

// NewAccessControlHandler creates an access control dispatcher
func NewAccessControlHandler(requests DeviceRequests, registry *appContext.Context, b *bus.Bus) *AccessControlHandler {
	return &AccessControlHandler{requests: requests, registry: registry, bus: b}
}

// OpenDoor opens the door of the station doorDirNo is in a call with
func (h *AccessControlHandler) OpenDoor(ctx context.Context, doorDirNo string) (models.OperationResult, error) {
	if err := knownDevice(h.registry, doorDirNo); err != nil {
		return models.Failure(err), fail(h.bus, doorSender, "open door", err)
	}
	logger.HandlerLog.Infof("Opening door for %s", doorDirNo)
	res, err := h.requests.OpenDoor(ctx, doorDirNo)
	return checked(h.bus, doorSender, "open door "+doorDirNo, res, err)
}

// GpioHandler reads and drives device GPIO. Snapshot reads share one rate
// limiter so UI polling cannot flood the backend.
type GpioHandler struct {
	requests GpioRequests
	registry *appContext.Context
	bus      *bus.Bus
	limiter  *rate.Limiter
}

// NewGpioHandler creates a GPIO dispatcher allowing one snapshot read per
// interval. A non-positive interval disables the limit.
func NewGpioHandler(requests GpioRequests, registry *appContext.Context, b *bus.Bus, interval time.Duration) *GpioHandler {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &GpioHandler{
		requests: requests,
		registry: registry,
		bus:      b,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// GetGpos returns the outputs of dirno
func (h *GpioHandler) GetGpos(ctx context.Context, dirno string) ([]*models.GpioPoint, error) {
	return h.snapshot(ctx, dirno, models.GpioOutput, h.requests.Gpos)
}

// GetGpis returns the inputs of dirno
func (h *GpioHandler) GetGpis(ctx context.Context, dirno string) ([]*models.GpioPoint, error) {
	return h.snapshot(ctx, dirno, models.GpioInput, h.requests.Gpis)
}

func (h *GpioHandler) snapshot(ctx context.Context, dirno string, dir models.GpioDirection,
	fetch func(context.Context, string) ([]*models.GpioPayload, error)) ([]*models.GpioPoint, error) {
	if err := knownDevice(h.registry, dirno); err != nil {
		return nil, err
	}
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrCancelled, err)
	}

	payloads, err := fetch(ctx, dirno)
	if err != nil {
		return nil, fail(h.bus, gpioSender, fmt.Sprintf("read %s gpio of %s", dir, dirno), err)
	}

	points := make([]*models.GpioPoint, 0, len(payloads))
	for _, p := range payloads {
		if p == nil || p.ID == "" {
			continue
		}
		points = append(points, models.NewGpioPoint(dir, p, ""))
	}
	return points, nil
}

// SetGpo operates output id of dirno. timeSec bounds the operation.
func (h *GpioHandler) SetGpo(ctx context.Context, dirno, id string, op models.GpioOperation, timeSec int) (models.OperationResult, error) {
	if err := knownDevice(h.registry, dirno); err != nil {
		return models.Failure(err), fail(h.bus, gpioSender, "set gpo", err)
	}
	switch op {
	case models.GpoSet, models.GpoClear, models.GpoSlowBlink, models.GpoFastBlink:
	default:
		err := fmt.Errorf("%w: operation %q", models.ErrInvalidInput, op)
		return models.Failure(err), fail(h.bus, gpioSender, "set gpo", err)
	}
	if id == "" || timeSec < 0 {
		err := fmt.Errorf("%w: gpo id and time", models.ErrInvalidInput)
		return models.Failure(err), fail(h.bus, gpioSender, "set gpo", err)
	}

	res, err := h.requests.SetGpo(ctx, dirno, id, op, timeSec)
	return checked(h.bus, gpioSender, fmt.Sprintf("set gpo %s/%s", dirno, id), res, err)
}

// knownDevice rejects empty dirnos and, once the device list is loaded,
// dirnos that are not registered
func knownDevice(registry *appContext.Context, dirno string) error {
	if dirno == "" {
		return models.ErrInvalidDirNo
	}
	if registry == nil || !registry.HasDevices() {
		return nil
	}
	if _, ok := registry.GetDevice(dirno); !ok {
		return fmt.Errorf("%w: %s", models.ErrDeviceNotFound, dirno)
	}
	return nil
}
