package producer

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nextranet/intercom/c-plane/internal/bus"
	"github.com/nextranet/intercom/c-plane/internal/connection"
	appContext "github.com/nextranet/intercom/c-plane/internal/context"
	"github.com/nextranet/intercom/c-plane/internal/handlers"
	"github.com/nextranet/intercom/c-plane/internal/logger"
	"github.com/nextranet/intercom/c-plane/internal/models"
)

// Connection is the view of the connection manager exposed to the UI
type Connection interface {
	IsConnected() bool
	State() connection.State
	LastError() error
	RemainingBudget() int
	Reconnect() error
}

// GpioTracing keeps live GPIO subscriptions for single devices
type GpioTracing interface {
	TraceDeviceGpio(ctx context.Context, dirno string) error
	UntraceDeviceGpio(ctx context.Context, dirno string) error
}

// Backend bundles everything the REST surface drives
type Backend struct {
	Registry     *appContext.Context
	Bus          *bus.Bus
	Connection   Connection
	Calls        *handlers.CallHandler
	Broadcasting *handlers.BroadcastingHandler
	Devices      *handlers.DeviceHandler
	Doors        *handlers.AccessControlHandler
	Gpio         *handlers.GpioHandler
	Forwarding   *handlers.ForwardingHandler
	Tracing      GpioTracing

	// TracerStatus reports which event categories are subscribed
	TracerStatus func() map[string]bool
	// Dropped reports call events skipped by the synchronization core
	Dropped func() int64
}

// statusOf maps a dispatcher error onto an HTTP status
func statusOf(err error) int {
	switch {
	case models.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidDirNo),
		errors.Is(err, models.ErrInvalidCallID),
		errors.Is(err, models.ErrInvalidInput),
		errors.Is(err, models.ErrMissingRequired):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrOperationInProgress):
		return http.StatusConflict
	case models.IsConnectionError(err):
		return http.StatusServiceUnavailable
	case models.IsAuthError(err), errors.Is(err, models.ErrRPCFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		logger.SBILog.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, models.ErrorResponse{
		Error:   http.StatusText(status),
		Message: err.Error(),
	})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Error:   http.StatusText(http.StatusBadRequest),
		Message: msg,
	})
}

// respondResult answers a command with its structured outcome
func respondResult(c *gin.Context, res models.OperationResult, err error) {
	if err != nil {
		c.JSON(statusOf(err), gin.H{
			"result": res,
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}
