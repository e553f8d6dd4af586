// Package handlers turns operator intent into backend requests. Every
// dispatcher reports failures on the bus as exceptions and returns them to the
// caller; registry state is only corrected by the events and resyncs that
// follow a command, except where a handler owns a cached list.
package handlers

import (
	"context"
	"fmt"

	"github.com/nextranet/intercom/c-plane/internal/bus"
	"github.com/nextranet/intercom/c-plane/internal/logger"
	"github.com/nextranet/intercom/c-plane/internal/models"
	"github.com/nextranet/intercom/c-plane/internal/rpc"
)

// CallRequests is the call control subset of rpc.Client
type CallRequests interface {
	CallList(ctx context.Context, filter rpc.CallFilter) ([]*models.CallPayload, error)
	CallLegs(ctx context.Context, filter rpc.CallFilter) ([]*models.LegPayload, error)
	PostCall(ctx context.Context, req rpc.PostCallRequest) (models.OperationResult, error)
	DeleteCallByID(ctx context.Context, callID int) (models.OperationResult, error)
	DeleteCalls(ctx context.Context, fromDirNo string) (models.OperationResult, error)
}

// BroadcastRequests is the broadcasting subset of rpc.Client
type BroadcastRequests interface {
	Groups(ctx context.Context) ([]*models.Group, error)
	AudioMessages(ctx context.Context) ([]*models.AudioMessage, error)
	PostCall(ctx context.Context, req rpc.PostCallRequest) (models.OperationResult, error)
	DeleteCalls(ctx context.Context, fromDirNo string) (models.OperationResult, error)
}

// DeviceRequests is the device control subset of rpc.Client
type DeviceRequests interface {
	KeyPress(ctx context.Context, dirno, key, edge string) (models.OperationResult, error)
	ToneTest(ctx context.Context, dirno, toneGroup string) (models.OperationResult, error)
	OpenDoor(ctx context.Context, fromDirNo string) (models.OperationResult, error)
}

// GpioRequests is the GPIO subset of rpc.Client
type GpioRequests interface {
	Gpos(ctx context.Context, dirno string) ([]*models.GpioPayload, error)
	Gpis(ctx context.Context, dirno string) ([]*models.GpioPayload, error)
	SetGpo(ctx context.Context, dirno, id string, op models.GpioOperation, timeSec int) (models.OperationResult, error)
}

// RESTClient is the backend REST collaborator. Bodies are returned raw.
type RESTClient interface {
	Get(ctx context.Context, endpoint string) (string, error)
	Post(ctx context.Context, endpoint string, body interface{}) (string, error)
	Delete(ctx context.Context, endpoint string) (string, error)
}

var (
	_ CallRequests      = (*rpc.Client)(nil)
	_ BroadcastRequests = (*rpc.Client)(nil)
	_ DeviceRequests    = (*rpc.Client)(nil)
	_ GpioRequests      = (*rpc.Client)(nil)
)

// fail logs err, raises it on the bus and returns it wrapped with op
func fail(b *bus.Bus, sender, op string, err error) error {
	err = fmt.Errorf("%s: %w", op, err)
	logger.HandlerLog.Errorf("%s: %v", sender, err)
	if b != nil {
		b.Exception(sender, err)
	}
	return err
}

// checked turns a command outcome into an error the caller can act on
func checked(b *bus.Bus, sender, op string, res models.OperationResult, err error) (models.OperationResult, error) {
	if err != nil {
		return res, fail(b, sender, op, err)
	}
	if !res.Succeeded() {
		return res, fail(b, sender, op, fmt.Errorf("%w: %s", models.ErrRPCFailed, res.Message))
	}
	return res, nil
}
