// Package rpc wraps the backend procedures used by the control core in typed
// request methods. Failures are logged here and returned; callers decide
// whether an empty result is acceptable.
package rpc

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/nextranet/intercom/c-plane/internal/logger"
	"github.com/nextranet/intercom/c-plane/internal/models"
	"github.com/nextranet/intercom/c-plane/internal/wamp"
)

// Backend procedure names
const (
	ProcCalls           = "com.zenitel.calls"
	ProcCallsPost       = "com.zenitel.calls.post"
	ProcCallsDelete     = "com.zenitel.calls.delete"
	ProcCallDelete      = "com.zenitel.calls.call.delete"
	ProcCallLegs        = "com.zenitel.call_legs"
	ProcOpenDoor        = "com.zenitel.calls.call.open_door.post"
	ProcDevicesAccounts = "com.zenitel.system.devices_accounts"
	ProcGroups          = "com.zenitel.groups"
	ProcAudioMessages   = "com.zenitel.audio_messages"
	ProcDirectories     = "com.zenitel.directories"
	ProcGpos            = "com.zenitel.devices.device.gpos"
	ProcGpoPost         = "com.zenitel.devices.device.gpos.gpo.post"
	ProcGpis            = "com.zenitel.devices.device.gpis"
	ProcKeyPost         = "com.zenitel.devices.device.key.post"
	ProcToneTestPost    = "com.zenitel.devices.device.tone_test.post"
)

// Caller invokes a backend procedure
type Caller interface {
	Call(ctx context.Context, procedure string, args []interface{}, kwargs map[string]interface{}) (*wamp.Result, error)
}

// Client issues typed requests through a Caller
type Client struct {
	caller Caller
}

// New wraps caller
func New(caller Caller) *Client {
	return &Client{caller: caller}
}

// CallFilter narrows the call and call leg lists
type CallFilter struct {
	FromDirNo string `json:"from_dirno,omitempty"`
	ToDirNo   string `json:"to_dirno,omitempty"`
	DirNo     string `json:"dirno,omitempty"`
	State     string `json:"state,omitempty"`
	CallType  string `json:"call_type,omitempty"`
}

// Directory is one entry of the backend directory
type Directory struct {
	DirNo       string `json:"dirno"`
	DisplayName string `json:"displayname"`
	Type        string `json:"type,omitempty"`
}

// PostCallRequest sets up or answers a call
type PostCallRequest struct {
	FromDirNo string            `json:"from_dirno"`
	ToDirNo   string            `json:"to_dirno"`
	Action    models.CallAction `json:"action"`
	Priority  string            `json:"priority,omitempty"`
	Verbose   bool              `json:"verbose,omitempty"`
}

// CallList returns the calls known to the backend
func (c *Client) CallList(ctx context.Context, filter CallFilter) ([]*models.CallPayload, error) {
	var out []*models.CallPayload
	if err := c.invoke(ctx, ProcCalls, filter, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CallLegs returns the call legs known to the backend
func (c *Client) CallLegs(ctx context.Context, filter CallFilter) ([]*models.LegPayload, error) {
	var out []*models.LegPayload
	if err := c.invoke(ctx, ProcCallLegs, filter, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisteredDevices returns the device accounts
func (c *Client) RegisteredDevices(ctx context.Context) ([]*models.DeviceRegistration, error) {
	var out []*models.DeviceRegistration
	if err := c.invoke(ctx, ProcDevicesAccounts, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Groups returns the configured groups
func (c *Client) Groups(ctx context.Context) ([]*models.Group, error) {
	var out []*models.Group
	if err := c.invoke(ctx, ProcGroups, map[string]interface{}{"verbose": true}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AudioMessages returns the stored audio messages
func (c *Client) AudioMessages(ctx context.Context) ([]*models.AudioMessage, error) {
	var out []*models.AudioMessage
	if err := c.invoke(ctx, ProcAudioMessages, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Directories returns the backend directory
func (c *Client) Directories(ctx context.Context) ([]*Directory, error) {
	var out []*Directory
	if err := c.invoke(ctx, ProcDirectories, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PostCall sets up or answers a call
func (c *Client) PostCall(ctx context.Context, req PostCallRequest) (models.OperationResult, error) {
	return c.command(ctx, ProcCallsPost, req)
}

// DeleteCallByID ends one call
func (c *Client) DeleteCallByID(ctx context.Context, callID int) (models.OperationResult, error) {
	return c.command(ctx, ProcCallDelete, map[string]interface{}{"call_id": callID})
}

// DeleteCalls ends every call, or every call from fromDirNo when given
func (c *Client) DeleteCalls(ctx context.Context, fromDirNo string) (models.OperationResult, error) {
	kwargs := map[string]interface{}{}
	if fromDirNo != "" {
		kwargs["from_dirno"] = fromDirNo
	}
	return c.command(ctx, ProcCallsDelete, kwargs)
}

// Gpos returns the output snapshot of a device
func (c *Client) Gpos(ctx context.Context, dirno string) ([]*models.GpioPayload, error) {
	var out []*models.GpioPayload
	if err := c.invoke(ctx, ProcGpos, map[string]interface{}{"dirno": dirno}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Gpis returns the input snapshot of a device
func (c *Client) Gpis(ctx context.Context, dirno string) ([]*models.GpioPayload, error) {
	var out []*models.GpioPayload
	if err := c.invoke(ctx, ProcGpis, map[string]interface{}{"dirno": dirno}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetGpo operates one output. timeSec bounds the operation; zero keeps it
// until changed.
func (c *Client) SetGpo(ctx context.Context, dirno, id string, op models.GpioOperation, timeSec int) (models.OperationResult, error) {
	kwargs := map[string]interface{}{
		"dirno":     dirno,
		"id":        id,
		"operation": string(op),
	}
	if timeSec > 0 {
		kwargs["time"] = timeSec
	}
	return c.command(ctx, ProcGpoPost, kwargs)
}

// KeyPress simulates a key press on a device
func (c *Client) KeyPress(ctx context.Context, dirno, key, edge string) (models.OperationResult, error) {
	return c.command(ctx, ProcKeyPost, map[string]interface{}{
		"dirno": dirno,
		"id":    key,
		"edge":  edge,
	})
}

// ToneTest starts a tone test on a device
func (c *Client) ToneTest(ctx context.Context, dirno, toneGroup string) (models.OperationResult, error) {
	kwargs := map[string]interface{}{"dirno": dirno}
	if toneGroup != "" {
		kwargs["tone_group"] = toneGroup
	}
	return c.command(ctx, ProcToneTestPost, kwargs)
}

// OpenDoor activates the door relay of the station in a call with fromDirNo
func (c *Client) OpenDoor(ctx context.Context, fromDirNo string) (models.OperationResult, error) {
	return c.command(ctx, ProcOpenDoor, map[string]interface{}{"from_dirno": fromDirNo})
}

func (c *Client) invoke(ctx context.Context, procedure string, params interface{}, out interface{}) error {
	kwargs, err := toKwargs(params)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", procedure, models.ErrInvalidInput, err)
	}

	res, err := c.caller.Call(ctx, procedure, nil, kwargs)
	if err != nil {
		logger.WampLog.Warnf("Request %s failed: %v", procedure, err)
		return err
	}

	data := res.Payload()
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		logger.WampLog.Warnf("Request %s returned malformed data: %v", procedure, err)
		return fmt.Errorf("%s: %w: %v", procedure, models.ErrInvalidFormat, err)
	}
	return nil
}

// command runs a procedure that answers with a status text instead of data
func (c *Client) command(ctx context.Context, procedure string, params interface{}) (models.OperationResult, error) {
	kwargs, err := toKwargs(params)
	if err != nil {
		return models.Failure(err), fmt.Errorf("%s: %w: %v", procedure, models.ErrInvalidInput, err)
	}

	res, err := c.caller.Call(ctx, procedure, nil, kwargs)
	if err != nil {
		logger.WampLog.Warnf("Command %s failed: %v", procedure, err)
		return models.Failure(err), err
	}
	return models.Success(resultMessage(res)), nil
}

func toKwargs(params interface{}) (map[string]interface{}, error) {
	switch p := params.(type) {
	case nil:
		return map[string]interface{}{}, nil
	case map[string]interface{}:
		return p, nil
	default:
		return wamp.MarshalArgs(p)
	}
}

// resultMessage extracts a human readable message from a command result
func resultMessage(res *wamp.Result) string {
	data := res.Payload()
	if len(data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var m struct {
		Message string `json:"message"`
		Result  string `json:"result"`
	}
	if err := json.Unmarshal(data, &m); err == nil {
		if m.Message != "" {
			return m.Message
		}
		return m.Result
	}
	return string(data)
}
